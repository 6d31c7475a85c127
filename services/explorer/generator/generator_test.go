// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/stream"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// newTestGenerator builds a generator over a fake stream client with
// deterministic child IDs.
func newTestGenerator(t *testing.T, store *tree.Store, client stream.Client, emitter *events.Emitter) *Generator {
	t.Helper()
	renderer, err := prompts.NewRenderer(prompts.DefaultPersona(), 4)
	require.NoError(t, err)

	g := New(store, client, renderer, emitter, Config{Model: "test-model", Temperature: 0.7})
	n := 0
	g.newID = func() string {
		n++
		return fmt.Sprintf("child-%d", n)
	}
	return g
}

func seedRoot(t *testing.T, store *tree.Store) {
	t.Helper()
	require.NoError(t, store.Insert(&tree.Node{
		ID:       "root",
		Question: "Why is the sky blue?",
		Type:     tree.TypeRootQuestion,
	}))
	ok, err := store.TryClaim("root", false)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestProcessHappyPath runs both phases and verifies answer accumulation
// and child materialization in candidate order.
func TestProcessHappyPath(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{Chunks: []string{"Rayleigh ", "scattering."}})
	client.Enqueue("root", stream.FakeStream{Chunks: []string{
		`[{"question":"What causes Rayleigh scattering?","score":0.9},`,
		`{"question":"Why is the sunset red?","score":0.8}]`,
	}})

	g := newTestGenerator(t, store, client, nil)
	children, err := g.Process(context.Background(), "root")
	require.NoError(t, err)
	require.Equal(t, []string{"child-1", "child-2"}, children)

	root, _ := store.Get("root")
	assert.Equal(t, "Rayleigh scattering.", root.Answer)
	assert.Equal(t, []string{"child-1", "child-2"}, root.Children)

	c1, _ := store.Get("child-1")
	assert.Equal(t, "What causes Rayleigh scattering?", c1.Question)
	assert.Equal(t, tree.TypeLLMQuestion, c1.Type)
	assert.False(t, c1.StartedProcessing)
}

// TestProcessSpeculativeMaterialization covers the ragged-fragment case: the
// candidate array arrives in two uneven chunks; exactly one child is created
// (not duplicated) and its question text converges to the exact final string.
func TestProcessSpeculativeMaterialization(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{Chunks: []string{"answer"}})
	client.Enqueue("root", stream.FakeStream{Chunks: []string{
		`[{"question":"What ca`,
		`uses Rayleigh scattering?","score":0.9}]`,
	}})

	// Observe the question text after the first fragment.
	var midStream string
	client.BeforeChunk = func(req stream.Request, index int) {
		if index == 1 {
			if n, ok := store.Get("child-1"); ok {
				midStream = n.Question
			}
		}
	}

	g := newTestGenerator(t, store, client, nil)
	children, err := g.Process(context.Background(), "root")
	require.NoError(t, err)

	require.Len(t, children, 1, "placeholder must not be duplicated")
	assert.Equal(t, "What ca", midStream, "partial text should be visible mid-stream")

	child, _ := store.Get("child-1")
	assert.Equal(t, "What causes Rayleigh scattering?", child.Question)

	root, _ := store.Get("root")
	assert.Equal(t, []string{"child-1"}, root.Children)
}

// TestProcessAnswerStreamError verifies an answer-phase failure is terminal:
// partial answer kept, no questions call, error event emitted.
func TestProcessAnswerStreamError(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{
		Chunks: []string{"partial "},
		Err:    fmt.Errorf("connection reset"),
	})

	emitter := events.NewEmitter()
	var errorEvents []events.ErrorData
	emitter.Subscribe(func(ev *events.Event) {
		errorEvents = append(errorEvents, ev.Data.(events.ErrorData))
	}, events.TypeNodeError)

	g := newTestGenerator(t, store, client, emitter)
	children, err := g.Process(context.Background(), "root")

	require.Error(t, err)
	assert.True(t, stream.IsStreamError(err))
	assert.Empty(t, children)

	root, _ := store.Get("root")
	assert.Equal(t, "partial ", root.Answer)
	assert.Empty(t, root.Children)
	assert.NotEmpty(t, root.ErrorMessage)
	assert.True(t, root.StartedProcessing, "claim is never reset")

	// Only the answer phase ran.
	assert.Len(t, client.Requests(), 1)
	require.Len(t, errorEvents, 1)
	assert.Equal(t, PhaseAnswer, errorEvents[0].Phase)
}

// TestProcessMalformedFinalJSON verifies a final-text parse failure keeps
// already-materialized placeholders and does not fail the node.
func TestProcessMalformedFinalJSON(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{Chunks: []string{"answer"}})
	client.Enqueue("root", stream.FakeStream{Chunks: []string{
		`[{"question":"Good one?","score":0.9}`,
		` this is not json anymore`,
	}})

	g := newTestGenerator(t, store, client, nil)
	children, err := g.Process(context.Background(), "root")
	require.NoError(t, err)

	require.Len(t, children, 1)
	child, _ := store.Get("child-1")
	assert.Equal(t, "Good one?", child.Question)
}

// TestProcessDeletedMidStream deletes the node between answer chunks: later
// callbacks must not panic and must not resurrect the node.
func TestProcessDeletedMidStream(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{Chunks: []string{"a", "b", "c"}})
	client.Enqueue("root", stream.FakeStream{Chunks: []string{`[{"question":"q?","score":1}]`}})

	client.BeforeChunk = func(req stream.Request, index int) {
		if index == 1 {
			store.DeleteSubtree("root")
		}
	}

	g := newTestGenerator(t, store, client, nil)
	assert.NotPanics(t, func() {
		_, _ = g.Process(context.Background(), "root")
	})

	assert.False(t, store.Exists("root"))
	assert.Equal(t, 0, store.Len(), "no orphan children may be materialized")
}

// TestProcessAbort cancels the context mid-answer; the stream reports an
// abort and the node keeps only pre-abort chunks.
func TestProcessAbort(t *testing.T) {
	store := tree.NewStore(nil)
	seedRoot(t, store)

	ctx, cancel := context.WithCancel(context.Background())

	client := stream.NewFakeClient()
	client.Enqueue("root", stream.FakeStream{Chunks: []string{"one", "two", "three"}})
	client.BeforeChunk = func(req stream.Request, index int) {
		if index == 1 {
			cancel()
		}
	}

	g := newTestGenerator(t, store, client, nil)
	_, err := g.Process(ctx, "root")
	require.ErrorIs(t, err, stream.ErrAborted)

	root, _ := store.Get("root")
	assert.Equal(t, "one", root.Answer)
	assert.Equal(t, 1, client.Aborts())
}

// TestParseCandidatesCodeFence verifies fenced model output still parses.
func TestParseCandidatesCodeFence(t *testing.T) {
	candidates, ok := parseCandidates("```json\n[{\"question\":\"q?\",\"score\":0.5}]\n```")
	require.True(t, ok)
	require.Len(t, candidates, 1)
	assert.Equal(t, "q?", candidates[0].Question)
}
