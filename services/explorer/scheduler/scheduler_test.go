// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/generator"
	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/stream"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fixture bundles a scheduler over a fake stream with deterministic IDs
// child-1, child-2, ... in creation order.
type fixture struct {
	store  *tree.Store
	client *stream.FakeClient
	sched  *Scheduler
}

func newFixture(t *testing.T, emitter *events.Emitter, cfg Config) *fixture {
	t.Helper()

	store := tree.NewStore(emitter)
	client := stream.NewFakeClient()
	renderer, err := prompts.NewRenderer(prompts.DefaultPersona(), 4)
	require.NoError(t, err)

	n := 0
	gen := generator.New(store, client, renderer, emitter,
		generator.Config{Model: "test-model", Temperature: 0.7},
		generator.WithIDFunc(func() string {
			n++
			return fmt.Sprintf("child-%d", n)
		}),
	)

	sched := New(store, gen, emitter, cfg)
	t.Cleanup(sched.Destroy)

	require.NoError(t, store.Insert(&tree.Node{
		ID:       "root",
		Question: "Why is the sky blue?",
		Type:     tree.TypeRootQuestion,
	}))
	return &fixture{store: store, client: client, sched: sched}
}

// scriptLeaf scripts a node to stream an answer and no follow-ups.
func (f *fixture) scriptLeaf(nodeID, answer string) {
	f.client.Enqueue(nodeID, stream.FakeStream{Chunks: []string{answer}})
	f.client.Enqueue(nodeID, stream.FakeStream{Chunks: []string{`[]`}})
}

// scriptParent scripts a node to stream an answer and n follow-ups.
func (f *fixture) scriptParent(nodeID, answer string, questions ...string) {
	f.client.Enqueue(nodeID, stream.FakeStream{Chunks: []string{answer}})
	payload := "["
	for i, q := range questions {
		if i > 0 {
			payload += ","
		}
		payload += fmt.Sprintf(`{"question":%q,"score":0.9}`, q)
	}
	payload += "]"
	f.client.Enqueue(nodeID, stream.FakeStream{Chunks: []string{payload}})
}

// TestSchedulerProcessesRootFirst verifies the whole pipeline: root is
// processed first, its children are materialized, enqueued FIFO, and
// answered in order.
func TestSchedulerProcessesRootFirst(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.scriptParent("root", "Rayleigh scattering.", "What is Rayleigh scattering?", "Why are sunsets red?")
	f.scriptLeaf("child-1", "answer one")
	f.scriptLeaf("child-2", "answer two")

	f.sched.Start()
	require.True(t, f.sched.Enqueue("root"))
	f.sched.Resume()

	require.Eventually(t, func() bool { return f.sched.Completed() == 3 }, waitFor, tick)

	reqs := f.client.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "root", reqs[0].NodeID, "root is always processed first")

	root, _ := f.store.Get("root")
	assert.Equal(t, "Rayleigh scattering.", root.Answer)
	assert.Equal(t, []string{"child-1", "child-2"}, root.Children)

	c1, _ := f.store.Get("child-1")
	c2, _ := f.store.Get("child-2")
	assert.Equal(t, "answer one", c1.Answer)
	assert.Equal(t, "answer two", c2.Answer)
	assert.Equal(t, 0, f.sched.QueueLen())
}

// TestSchedulerEnqueueDedup verifies the queue never holds an unresolved
// ID twice and rejects claimed or answered nodes.
func TestSchedulerEnqueueDedup(t *testing.T) {
	f := newFixture(t, nil, Config{})

	require.True(t, f.sched.Enqueue("root"))
	assert.False(t, f.sched.Enqueue("root"), "duplicate enqueue must be rejected")
	assert.Equal(t, 1, f.sched.QueueLen())

	require.NoError(t, f.store.Insert(&tree.Node{ID: "answered", Parent: "root", Type: tree.TypeLLMQuestion}))
	require.NoError(t, f.store.AppendAnswerChunk("answered", "done already"))
	assert.False(t, f.sched.Enqueue("answered"))

	require.NoError(t, f.store.Insert(&tree.Node{ID: "claimed", Parent: "root", Type: tree.TypeLLMQuestion}))
	_, err := f.store.TryClaim("claimed", false)
	require.NoError(t, err)
	assert.False(t, f.sched.Enqueue("claimed"))

	require.NoError(t, f.store.Insert(&tree.Node{ID: "manual", Parent: "root", Type: tree.TypeUserQuestion}))
	assert.False(t, f.sched.Enqueue("manual"), "user nodes require an explicit trigger")
	assert.True(t, f.sched.Trigger("manual", false))
}

// TestSchedulerBudgetAutoPause verifies each Resume allows exactly the
// configured increment of nodes before auto-pausing.
func TestSchedulerBudgetAutoPause(t *testing.T) {
	emitter := events.NewEmitter()
	var mu sync.Mutex
	var pauses []events.PauseData
	emitter.Subscribe(func(ev *events.Event) {
		mu.Lock()
		pauses = append(pauses, ev.Data.(events.PauseData))
		mu.Unlock()
	}, events.TypePaused)

	f := newFixture(t, emitter, Config{ResumeIncrement: 1})
	f.scriptParent("root", "a.", "q1?", "q2?")
	f.scriptLeaf("child-1", "b.")
	f.scriptLeaf("child-2", "c.")

	f.sched.Start()
	f.sched.Enqueue("root")
	f.sched.Resume()

	// Budget of 1: only root is processed, then auto-pause.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pauses) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, f.sched.Completed())
	assert.False(t, f.sched.Running())
	assert.Equal(t, 2, f.sched.QueueLen(), "children stay queued across the pause")

	mu.Lock()
	assert.True(t, pauses[0].BudgetExhausted)
	assert.Equal(t, 1, pauses[0].Generated)
	mu.Unlock()

	// Next resume allows one more node.
	f.sched.Resume()
	require.Eventually(t, func() bool {
		return f.sched.Completed() == 2 && !f.sched.Running()
	}, waitFor, tick)

	c1, _ := f.store.Get("child-1")
	c2, _ := f.store.Get("child-2")
	assert.Equal(t, "b.", c1.Answer)
	assert.Empty(t, c2.Answer)
}

// TestSchedulerPauseIsCooperative pauses mid-answer-stream: remaining
// chunks still append (the call is not aborted), but no new queue item is
// popped until Resume.
func TestSchedulerPauseIsCooperative(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.client.Enqueue("root", stream.FakeStream{Chunks: []string{"part one, ", "part two."}})
	f.client.Enqueue("root", stream.FakeStream{Chunks: []string{`[{"question":"next?","score":1}]`}})
	f.scriptLeaf("child-1", "never runs before resume")

	f.client.BeforeChunk = func(req stream.Request, index int) {
		if req.NodeID == "root" && index == 1 {
			f.sched.Pause()
		}
	}

	f.sched.Start()
	f.sched.Enqueue("root")
	f.sched.Resume()

	// Root finishes both phases despite the pause.
	require.Eventually(t, func() bool { return f.sched.Completed() == 1 }, waitFor, tick)

	root, _ := f.store.Get("root")
	assert.Equal(t, "part one, part two.", root.Answer, "pause must not abort the call in flight")

	// The child is enqueued but not popped while paused.
	assert.Equal(t, 1, f.sched.QueueLen())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.sched.Completed())

	f.sched.Resume()
	require.Eventually(t, func() bool { return f.sched.Completed() == 2 }, waitFor, tick)
}

// TestSchedulerDeleteBranchMidStream deletes a node whose answer is
// streaming: the in-flight call is aborted, callbacks do not panic, and
// the node is not resurrected.
func TestSchedulerDeleteBranchMidStream(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.scriptParent("root", "a.", "doomed?")

	started := make(chan struct{})
	release := make(chan struct{})
	f.client.BeforeChunk = func(req stream.Request, index int) {
		if req.NodeID == "child-1" && index == 0 {
			close(started)
			<-release
		}
	}
	f.client.Enqueue("child-1", stream.FakeStream{Chunks: []string{"will ", "never ", "land"}})

	f.sched.Start()
	f.sched.Enqueue("root")
	f.sched.Resume()

	<-started
	removed := f.sched.DeleteBranch("child-1")
	assert.Equal(t, []string{"child-1"}, removed)
	close(release)

	// The worker must survive the abort and keep counting.
	require.Eventually(t, func() bool { return f.sched.Completed() == 2 }, waitFor, tick)

	assert.False(t, f.store.Exists("child-1"))
	root, _ := f.store.Get("root")
	assert.NotContains(t, root.Children, "child-1")
	assert.GreaterOrEqual(t, f.client.Aborts(), 1)
}

// TestSchedulerFocusRestrictsWork focuses one child after the first
// budget pause: the rebuilt queue only contains the focused branch, and
// children spawned inside it keep flowing.
func TestSchedulerFocusRestrictsWork(t *testing.T) {
	f := newFixture(t, nil, Config{ResumeIncrement: 1})
	f.scriptParent("root", "a.", "left?", "right?")
	f.scriptParent("child-1", "left answer", "deeper?")
	f.scriptLeaf("child-3", "deeper answer")

	f.sched.Start()
	f.sched.Enqueue("root")
	f.sched.Resume()
	require.Eventually(t, func() bool {
		return f.sched.Completed() == 1 && !f.sched.Running()
	}, waitFor, tick)

	f.sched.SetFocus("child-1")
	assert.Equal(t, "child-1", f.sched.FocusedID())
	assert.Equal(t, 1, f.sched.QueueLen(), "rebuilt queue holds only the focused branch")

	// Two more: child-1 and its spawned child-3. child-2 stays dormant.
	f.sched.Resume()
	require.Eventually(t, func() bool {
		return f.sched.Completed() == 2 && !f.sched.Running()
	}, waitFor, tick)
	f.sched.Resume()
	require.Eventually(t, func() bool { return f.sched.Completed() == 3 }, waitFor, tick)

	c2, _ := f.store.Get("child-2")
	assert.Empty(t, c2.Answer, "out-of-focus sibling stays dormant")
	c3, _ := f.store.Get("child-3")
	assert.Equal(t, "deeper answer", c3.Answer)

	// Clearing focus re-queues the dormant sibling.
	f.sched.SetFocus("")
	assert.Equal(t, 1, f.sched.QueueLen())
}

// TestSchedulerTriggerRetry verifies a failed node can be explicitly
// retried as a fresh claim.
func TestSchedulerTriggerRetry(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.client.Enqueue("root", stream.FakeStream{
		Chunks: []string{"partial"},
		Err:    fmt.Errorf("gateway exploded"),
	})

	f.sched.Start()
	f.sched.Enqueue("root")
	f.sched.Resume()
	require.Eventually(t, func() bool { return f.sched.Completed() == 1 }, waitFor, tick)

	root, _ := f.store.Get("root")
	assert.NotEmpty(t, root.ErrorMessage)
	assert.True(t, root.StartedProcessing)

	// A plain enqueue is refused; an explicit retry goes through.
	assert.False(t, f.sched.Enqueue("root"))
	f.scriptLeaf("root", "recovered answer")
	require.True(t, f.sched.Trigger("root", true))

	require.Eventually(t, func() bool { return f.sched.Completed() == 2 }, waitFor, tick)
	root, _ = f.store.Get("root")
	assert.Equal(t, "partialrecovered answer", root.Answer)
}

// TestSchedulerDestroyIdempotent verifies teardown is clean and repeatable.
func TestSchedulerDestroyIdempotent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.sched.Start()
	f.sched.Destroy()
	f.sched.Destroy()

	assert.False(t, f.sched.Enqueue("root"), "a destroyed scheduler accepts no work")
}
