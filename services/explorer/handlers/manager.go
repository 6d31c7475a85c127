// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the exploration engine over HTTP and
// websocket. The Manager owns live sessions; the gin handlers translate
// requests into Manager calls.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/treeline/services/explorer/config"
	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/generator"
	"github.com/AleutianAI/treeline/services/explorer/ingest"
	"github.com/AleutianAI/treeline/services/explorer/observability"
	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/scheduler"
	"github.com/AleutianAI/treeline/services/explorer/session"
	"github.com/AleutianAI/treeline/services/explorer/stream"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrWebpagesDisabled is returned when no fetch service is configured.
var ErrWebpagesDisabled = errors.New("webpage ingestion is not configured")

// LiveSession is one in-memory exploration with its full stack.
type LiveSession struct {
	ID        string
	Name      string
	SeedQuery string
	RootID    string
	Persona   prompts.Persona

	Store     *tree.Store
	Emitter   *events.Emitter
	Scheduler *scheduler.Scheduler

	saver      *session.Autosaver
	cancel     context.CancelFunc
	metricsSub string
}

// Manager owns all live sessions and their shared collaborators.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	client   stream.Client
	sessions *session.Store
	metrics  *observability.Metrics
	webpages *ingest.WebpageClient
	cfg      config.Config
	logger   *slog.Logger

	mu   sync.Mutex
	live map[string]*LiveSession
}

// NewManager creates a session manager.
//
// Inputs:
//
//	client - The streaming model client shared by all sessions.
//	sessions - Snapshot persistence. Required.
//	metrics - Optional metrics. May be nil.
//	webpages - Optional webpage fetch client. Nil disables webpage nodes.
//	cfg - Server configuration.
func NewManager(client stream.Client, sessions *session.Store, metrics *observability.Metrics, webpages *ingest.WebpageClient, cfg config.Config) *Manager {
	return &Manager{
		client:   client,
		sessions: sessions,
		metrics:  metrics,
		webpages: webpages,
		cfg:      cfg,
		logger:   slog.Default(),
		live:     make(map[string]*LiveSession),
	}
}

// Create seeds a new exploration: root node inserted, scheduler started
// and resumed with the first budget increment.
//
// Inputs:
//
//	name - Display name. Empty defaults to the seed query.
//	seedQuery - The root question. Required.
//	persona - Prompt persona. Zero value uses the default persona.
func (m *Manager) Create(name, seedQuery string, persona prompts.Persona) (*LiveSession, error) {
	if seedQuery == "" {
		return nil, fmt.Errorf("seed query is required")
	}
	if persona.Name == "" {
		persona = prompts.DefaultPersona()
	}
	if name == "" {
		name = seedQuery
	}

	renderer, err := prompts.NewRenderer(persona, m.cfg.Generation.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("build prompt renderer: %w", err)
	}

	id := uuid.NewString()
	emitter := events.NewEmitter(events.WithSessionID(id))
	store := tree.NewStore(emitter)

	gen := generator.New(store, m.client, renderer, emitter, generator.Config{
		Model:       m.cfg.Generation.Model,
		Temperature: m.cfg.Generation.Temperature,
	})
	sched := scheduler.New(store, gen, emitter, scheduler.Config{
		Generators:      m.cfg.Generation.Generators,
		ResumeIncrement: m.cfg.Generation.ResumeIncrement,
	})

	rootID := uuid.NewString()
	if err := store.Insert(&tree.Node{
		ID:       rootID,
		Question: seedQuery,
		Type:     tree.TypeRootQuestion,
	}); err != nil {
		return nil, fmt.Errorf("seed root node: %w", err)
	}

	record := &session.Session{
		ID:        id,
		Name:      name,
		SeedQuery: seedQuery,
		Model:     m.cfg.Generation.Model,
		Persona:   persona,
		Tree:      store.Snapshot(),
	}
	// Persist the seeded tree right away: a session with no activity yet
	// must still be listable and reopenable.
	if _, err := m.sessions.Save(record); err != nil {
		m.logger.Warn("initial session save failed", "session_id", id, "error", err)
	}
	saver := session.NewAutosaver(m.sessions, store, emitter, record, m.cfg.Storage.AutosaveInterval)
	saveCtx, cancel := context.WithCancel(context.Background())
	go saver.Run(saveCtx)

	ls := &LiveSession{
		ID:        id,
		Name:      name,
		SeedQuery: seedQuery,
		RootID:    rootID,
		Persona:   persona,
		Store:     store,
		Emitter:   emitter,
		Scheduler: sched,
		saver:     saver,
		cancel:    cancel,
	}
	if m.metrics != nil {
		ls.metricsSub = m.metrics.Observe(emitter)
		m.metrics.SessionOpened()
	}

	m.mu.Lock()
	m.live[id] = ls
	m.mu.Unlock()

	sched.Start()
	sched.Enqueue(rootID)
	sched.Resume()

	m.logger.Info("session created",
		"session_id", id,
		"root_id", rootID,
		"seed", seedQuery,
	)
	return ls, nil
}

// Open revives a persisted session into a live one.
//
// Description:
//
//	Loads the snapshot, restores the tree, and rebuilds the work queue
//	from unresolved nodes in the restored tree. The scheduler comes up
//	paused; the client resumes explicitly when it wants generation to
//	continue. Opening an already-live session returns it unchanged.
//
// Outputs:
//
//	*LiveSession - The revived session.
//	error - ErrSessionNotFound when no snapshot exists.
func (m *Manager) Open(id string) (*LiveSession, error) {
	if ls, err := m.Get(id); err == nil {
		return ls, nil
	}

	record, err := m.sessions.Load(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	persona := record.Persona
	if persona.Name == "" {
		persona = prompts.DefaultPersona()
	}
	renderer, err := prompts.NewRenderer(persona, m.cfg.Generation.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("build prompt renderer: %w", err)
	}

	model := record.Model
	if model == "" {
		model = m.cfg.Generation.Model
	}

	emitter := events.NewEmitter(events.WithSessionID(id))
	store := tree.NewStore(emitter)
	store.Restore(record.Tree)

	gen := generator.New(store, m.client, renderer, emitter, generator.Config{
		Model:       model,
		Temperature: m.cfg.Generation.Temperature,
	})
	sched := scheduler.New(store, gen, emitter, scheduler.Config{
		Generators:      m.cfg.Generation.Generators,
		ResumeIncrement: m.cfg.Generation.ResumeIncrement,
	})

	saver := session.NewAutosaver(m.sessions, store, emitter, record, m.cfg.Storage.AutosaveInterval)
	saveCtx, cancel := context.WithCancel(context.Background())
	go saver.Run(saveCtx)

	ls := &LiveSession{
		ID:        id,
		Name:      record.Name,
		SeedQuery: record.SeedQuery,
		RootID:    store.Root(),
		Persona:   persona,
		Store:     store,
		Emitter:   emitter,
		Scheduler: sched,
		saver:     saver,
		cancel:    cancel,
	}
	if m.metrics != nil {
		ls.metricsSub = m.metrics.Observe(emitter)
		m.metrics.SessionOpened()
	}

	m.mu.Lock()
	if existing, ok := m.live[id]; ok {
		// Lost a concurrent open race; tear down this stack.
		m.mu.Unlock()
		sched.Destroy()
		cancel()
		<-saver.Done()
		if m.metrics != nil {
			emitter.Unsubscribe(ls.metricsSub)
			m.metrics.SessionClosed(id)
		}
		return existing, nil
	}
	m.live[id] = ls
	m.mu.Unlock()

	sched.Start()
	sched.RebuildQueue()

	m.logger.Info("session reopened",
		"session_id", id,
		"root_id", ls.RootID,
		"nodes", store.Len(),
	)
	return ls, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ls, nil
}

// List returns persisted session metadata plus which IDs are live.
func (m *Manager) List() ([]session.Meta, map[string]bool, error) {
	metas, err := m.sessions.List()
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	liveIDs := make(map[string]bool, len(m.live))
	for id := range m.live {
		liveIDs[id] = true
	}
	m.mu.Unlock()
	return metas, liveIDs, nil
}

// Close tears down a live session, flushing a final snapshot. The
// persisted record survives.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	ls, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	ls.Scheduler.Destroy()
	ls.cancel()
	<-ls.saver.Done()

	if m.metrics != nil {
		ls.Emitter.Unsubscribe(ls.metricsSub)
		m.metrics.SessionClosed(id)
	}
	m.logger.Info("session closed", "session_id", id)
	return nil
}

// Delete tears down a live session (if any) and removes its snapshot.
func (m *Manager) Delete(id string) error {
	if err := m.Close(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err := m.sessions.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// AddQuestionNode attaches a user-authored question under a parent.
// User nodes never auto-process; generation waits for an explicit
// trigger.
func (m *Manager) AddQuestionNode(sessionID, parentID, question string) (*tree.Node, error) {
	ls, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	node := &tree.Node{
		ID:       uuid.NewString(),
		Question: question,
		Parent:   parentID,
		Type:     tree.TypeUserQuestion,
	}
	if err := ls.Store.Insert(node); err != nil {
		return nil, err
	}
	return node, nil
}

// AddFileNode validates an upload and attaches it as a user-file node.
// The file content becomes the node's answer so the branch can be
// explored against it.
func (m *Manager) AddFileNode(sessionID, parentID, name, mimeType string, content []byte) (*tree.Node, error) {
	ls, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	info, err := ingest.ValidateFile(name, mimeType, content)
	if err != nil {
		return nil, err
	}

	node := &tree.Node{
		ID:       uuid.NewString(),
		Question: name,
		Answer:   string(content),
		Parent:   parentID,
		Type:     tree.TypeUserFile,
		FileInfo: info,
	}
	if err := ls.Store.Insert(node); err != nil {
		return nil, err
	}
	return node, nil
}

// AddWebpageNode attaches a webpage node and fetches its content in the
// background. Fetch failures land on the node as an error message, never
// in the scheduler.
func (m *Manager) AddWebpageNode(sessionID, parentID, pageURL string) (*tree.Node, error) {
	if m.webpages == nil {
		return nil, ErrWebpagesDisabled
	}
	ls, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	node := &tree.Node{
		ID:        uuid.NewString(),
		Question:  pageURL,
		Parent:    parentID,
		Type:      tree.TypeUserWebpage,
		URL:       pageURL,
		IsLoading: true,
	}
	if err := ls.Store.Insert(node); err != nil {
		return nil, err
	}

	go m.fetchWebpage(ls, node.ID, pageURL)
	return node, nil
}

func (m *Manager) fetchWebpage(ls *LiveSession, nodeID, pageURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Ingest.FetchTimeout)
	defer cancel()

	loading := false
	page, err := m.webpages.Fetch(ctx, pageURL, true)
	if err != nil {
		msg := err.Error()
		if uerr := ls.Store.Update(nodeID, tree.Patch{
			IsLoading:    &loading,
			ErrorMessage: &msg,
		}); uerr != nil {
			m.logger.Debug("webpage node gone before fetch finished", "node_id", nodeID)
		}
		return
	}

	if err := ls.Store.Update(nodeID, tree.Patch{
		IsLoading:  &loading,
		Answer:     &page.Markdown,
		Screenshot: &page.Screenshot,
	}); err != nil {
		m.logger.Debug("webpage node gone before fetch finished", "node_id", nodeID)
	}
}

// Shutdown closes every live session, flushing final snapshots. Used at
// server exit with a deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			if err := m.Close(id); err != nil {
				m.logger.Warn("session close failed at shutdown", "session_id", id, "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with sessions still closing",
			"remaining", len(ids),
			"deadline", time.Now(),
		)
	}
}
