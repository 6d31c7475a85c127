// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator runs the two-phase generation state machine for one
// tree node at a time.
//
// Per node the machine moves through:
//
//	Idle -> AnsweringStream -> AnswerComplete -> QuestionsStream -> QuestionsComplete
//
// The answer phase streams model output into the node's answer field. The
// questions phase streams a JSON array of follow-up candidates and
// speculatively materializes placeholder children as soon as partial JSON
// reveals a new array element, so the UI can show questions "typing in"
// while the stream is still running. Phase failures are terminal for the
// node and isolated from the rest of the tree.
package generator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/treeline/pkg/jsonrepair"
	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/stream"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// Phase names used in error events.
const (
	PhaseAnswer    = "answer"
	PhaseQuestions = "questions"
)

// Candidate is one follow-up question proposed by the model.
type Candidate struct {
	// Question is the follow-up text.
	Question string `json:"question"`

	// Score ranks how promising the follow-up is, 0 to 1.
	Score float64 `json:"score"`
}

// Config holds the model parameters applied to both phases.
type Config struct {
	// Model names the target model.
	Model string

	// Temperature is the sampling temperature.
	Temperature float32

	// APIKey is forwarded on each stream request. Only gateway
	// transports honor it; see stream.Request.APIKey.
	APIKey string
}

// Generator processes nodes: it answers them and materializes their
// follow-up children.
//
// Thread Safety: a Generator is safe for concurrent use across different
// nodes; the single-writer-per-node rule is enforced upstream by the
// scheduler's claim on StartedProcessing.
type Generator struct {
	store    *tree.Store
	client   stream.Client
	renderer *prompts.Renderer
	emitter  *events.Emitter
	cfg      Config
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithIDFunc overrides node ID generation. Tests use it for
// deterministic child IDs; the default is uuid.NewString.
func WithIDFunc(fn func() string) Option {
	return func(g *Generator) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New creates a generator.
//
// Inputs:
//
//	store - The session's tree store.
//	client - The streaming model client.
//	renderer - Persona prompt renderer.
//	emitter - Optional event emitter. May be nil.
//	cfg - Model parameters.
func New(store *tree.Store, client stream.Client, renderer *prompts.Renderer, emitter *events.Emitter, cfg Config, opts ...Option) *Generator {
	g := &Generator{
		store:    store,
		client:   client,
		renderer: renderer,
		emitter:  emitter,
		cfg:      cfg,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// emit forwards an event when an emitter is configured.
func (g *Generator) emit(t events.Type, data any) {
	if g.emitter != nil {
		g.emitter.Emit(t, data)
	}
}

// Process runs both generation phases for an already-claimed node.
//
// Description:
//
//	Streams the answer into the node, then streams follow-up candidates,
//	materializing placeholder children as the candidate array grows.
//	An answer-phase stream failure is terminal: the node keeps its
//	partial answer, is not requeued, and the error is surfaced to the
//	caller. A questions-phase failure keeps any placeholders already
//	materialized. A node deleted mid-stream is never resurrected: chunk
//	callbacks targeting a missing node are logged and dropped.
//
// Inputs:
//
//	ctx - Cancelled to abort in-flight streams (branch deletion,
//	      teardown). Post-abort stream events mutate nothing.
//	nodeID - The claimed node.
//
// Outputs:
//
//	[]string - IDs of newly created children, in candidate-array order.
//	           The caller decides which of them to enqueue.
//	error - Non-nil on phase failure or abort. Failures are per-node;
//	        the scheduler loop continues regardless.
func (g *Generator) Process(ctx context.Context, nodeID string) ([]string, error) {
	node, ok := g.store.Get(nodeID)
	if !ok {
		return nil, &tree.NodeNotFoundError{ID: nodeID}
	}

	g.emit(events.TypeGenerationStarted, events.NodeData{
		NodeID:   nodeID,
		Parent:   node.Parent,
		Question: node.Question,
	})

	if err := g.answerPhase(ctx, node); err != nil {
		return nil, err
	}

	children, err := g.questionsPhase(ctx, node)
	if err != nil {
		return children, err
	}

	g.emit(events.TypeGenerationComplete, events.NodeData{
		NodeID: nodeID,
		Parent: node.Parent,
	})
	return children, nil
}

// answerPhase streams the model's answer into the node.
func (g *Generator) answerPhase(ctx context.Context, node *tree.Node) error {
	prompt, err := g.renderer.Answer(node.Question)
	if err != nil {
		return g.failNode(node.ID, PhaseAnswer, err)
	}

	req := stream.Request{
		Prompt:      prompt,
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		NodeID:      node.ID,
		APIKey:      g.cfg.APIKey,
	}

	err = g.client.Stream(ctx, req, func(content string) {
		if err := g.store.AppendAnswerChunk(node.ID, content); err != nil {
			// Node deleted mid-stream: drop the chunk, never resurrect.
			g.logger.Debug("dropping chunk for missing node", "node_id", node.ID)
		}
	})
	if err != nil {
		return g.failNode(node.ID, PhaseAnswer, err)
	}
	return nil
}

// questionsPhase streams follow-up candidates and materializes children.
func (g *Generator) questionsPhase(ctx context.Context, node *tree.Node) ([]string, error) {
	prompt, err := g.renderer.Questions(node.Question)
	if err != nil {
		return nil, g.failNode(node.ID, PhaseQuestions, err)
	}

	req := stream.Request{
		Prompt:      prompt,
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		NodeID:      node.ID,
		APIKey:      g.cfg.APIKey,
	}

	m := newMaterializer(g, node.ID)
	var raw strings.Builder

	streamErr := g.client.Stream(ctx, req, func(content string) {
		raw.WriteString(content)
		// Malformed partial JSON is the expected transient state while
		// a token is mid-flight; parse failures here are swallowed.
		if candidates, ok := parseCandidates(raw.String()); ok {
			m.reconcile(candidates)
		}
	})
	if streamErr != nil {
		return m.created, g.failNode(node.ID, PhaseQuestions, streamErr)
	}

	// The final, fully received text failing to parse is a data-quality
	// error, but already-materialized placeholders are kept.
	if candidates, ok := parseCandidates(raw.String()); ok {
		m.reconcile(candidates)
	} else {
		g.logger.Error("candidate JSON unparseable at stream completion",
			"node_id", node.ID,
			"raw_len", raw.Len(),
		)
	}

	return m.created, nil
}

// failNode records a terminal phase failure on the node and emits it.
func (g *Generator) failNode(nodeID, phase string, cause error) error {
	msg := cause.Error()
	if err := g.store.Update(nodeID, tree.Patch{ErrorMessage: &msg}); err != nil {
		g.logger.Debug("cannot record error on missing node", "node_id", nodeID)
	}
	g.emit(events.TypeNodeError, events.ErrorData{
		NodeID:  nodeID,
		Phase:   phase,
		Message: msg,
	})
	g.logger.Warn("generation phase failed",
		"node_id", nodeID,
		"phase", phase,
		"error", msg,
	)
	return cause
}

// parseCandidates repairs and parses a candidate-array prefix. The model
// sometimes wraps the array in a code fence; that wrapping is stripped
// before repair.
func parseCandidates(raw string) ([]Candidate, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var candidates []Candidate
	if err := json.Unmarshal([]byte(jsonrepair.Close(text)), &candidates); err != nil {
		return nil, false
	}
	return candidates, true
}

// materializer tracks placeholder children for one questions stream.
//
// The candidate's index in the parsed array is the definitive, stable
// ordering for children: the repair+reparse step always reconstructs the
// full prefix, so index assignment is deterministic given the final text.
type materializer struct {
	g        *Generator
	parentID string
	created  []string
	written  []string // last question text written per index
}

func newMaterializer(g *Generator, parentID string) *materializer {
	return &materializer{g: g, parentID: parentID}
}

// reconcile aligns placeholder children with the latest parsed array.
//
// New indexes get placeholder nodes; existing indexes get their question
// text overwritten with the latest parsed value, which lets the text
// "type in" as the JSON string value streams. Indexes never shrink: a
// transiently shorter parse cannot delete a materialized child.
func (m *materializer) reconcile(candidates []Candidate) {
	// A parent deleted mid-stream must stay deleted; materializing more
	// children for it would resurrect the branch as orphans.
	if !m.g.store.Exists(m.parentID) {
		return
	}

	for i, c := range candidates {
		if i < len(m.created) {
			if m.written[i] != c.Question {
				q := c.Question
				if err := m.g.store.Update(m.created[i], tree.Patch{Question: &q}); err != nil {
					m.g.logger.Debug("placeholder vanished mid-stream", "node_id", m.created[i])
				}
				m.written[i] = c.Question
			}
			continue
		}

		child := &tree.Node{
			ID:       m.g.newID(),
			Question: c.Question,
			Parent:   m.parentID,
			Type:     tree.TypeLLMQuestion,
		}
		if err := m.g.store.Insert(child); err != nil {
			m.g.logger.Error("insert placeholder child failed",
				"parent_id", m.parentID,
				"error", err,
			)
			continue
		}
		m.created = append(m.created, child.ID)
		m.written = append(m.written, c.Question)
	}
}
