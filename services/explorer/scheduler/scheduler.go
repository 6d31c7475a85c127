// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler coordinates tree growth for one exploration session.
//
// The scheduler owns the work queue and one or more question generators.
// Each generator loop pops the queue head, processes exactly one node per
// pop (two sequential streaming calls), enqueues the node's eligible
// children, and blocks on a condition variable while the queue is empty or
// the session is paused. There are no package-level singletons: a
// Scheduler is constructed per session with an explicit lifecycle
// (Start, Pause, Resume, Destroy).
//
// Pause is cooperative. A generator mid-node finishes both streaming calls
// before blocking; pause never kills a call in flight. Branch deletion and
// Destroy are the abort paths: they cancel the per-node context so
// subsequent stream callbacks become no-ops.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/generator"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// DefaultResumeIncrement is the per-resume generation budget used when the
// config leaves it unset. Each Resume allows this many more nodes before
// the scheduler auto-pauses, bounding runaway generation per user action.
const DefaultResumeIncrement = 8

// Config configures a Scheduler.
type Config struct {
	// Generators is the number of concurrent generator loops.
	// Default: 1 (serializing all node processing).
	Generators int

	// ResumeIncrement is the per-resume node budget increment.
	// Default: DefaultResumeIncrement.
	ResumeIncrement int
}

// Scheduler owns the work queue and generator loops for one session.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Scheduler struct {
	store   *tree.Store
	gen     *generator.Generator
	emitter *events.Emitter
	logger  *slog.Logger

	cfg Config

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []string
	queued    map[string]struct{}
	forced    map[string]struct{}
	inflight  map[string]context.CancelFunc
	running   bool
	destroyed bool
	started   bool
	focusedID string
	completed int
	budget    int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a scheduler for a session.
//
// Inputs:
//
//	store - The session's tree store.
//	gen - The question generator shared by all loops.
//	emitter - Optional event emitter. May be nil.
//	cfg - Concurrency and budget policy.
func New(store *tree.Store, gen *generator.Generator, emitter *events.Emitter, cfg Config) *Scheduler {
	if cfg.Generators <= 0 {
		cfg.Generators = 1
	}
	if cfg.ResumeIncrement <= 0 {
		cfg.ResumeIncrement = DefaultResumeIncrement
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		gen:        gen,
		emitter:    emitter,
		logger:     slog.Default(),
		cfg:        cfg,
		queued:     make(map[string]struct{}),
		forced:     make(map[string]struct{}),
		inflight:   make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// emit forwards an event when an emitter is configured.
func (s *Scheduler) emit(t events.Type, data any) {
	if s.emitter != nil {
		s.emitter.Emit(t, data)
	}
}

// Start launches the generator loops, paused. Callers seed the queue with
// the root node and then Resume. Start is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := s.cfg.Generators
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.loop(i)
	}
}

// Enqueue adds a node to the work queue if it is eligible.
//
// Description:
//
//	A node is eligible when it exists, has not been claimed, has no
//	answer yet, is of an auto-processed type, and is not already queued.
//	An unresolved ID is therefore never queued twice simultaneously.
//
// Outputs:
//
//	bool - True if the node was queued.
func (s *Scheduler) Enqueue(id string) bool {
	n, ok := s.store.Get(id)
	if !ok || n.StartedProcessing || n.Answer != "" || !n.Type.AutoProcessed() {
		return false
	}
	return s.push(id, false)
}

// Trigger queues a node for generation regardless of its type, at the
// user's explicit request.
//
// Description:
//
//	Used for user-authored nodes (which never auto-process) and for
//	manual retry of a failed node. With retry true, the pop-time claim
//	ignores a previous StartedProcessing flag and treats the request as
//	a fresh claim.
func (s *Scheduler) Trigger(id string, retry bool) bool {
	n, ok := s.store.Get(id)
	if !ok {
		return false
	}
	if n.StartedProcessing && !retry {
		return false
	}
	return s.push(id, retry)
}

// push appends to the queue with dedup, then wakes a generator.
func (s *Scheduler) push(id string, forced bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}
	if _, dup := s.queued[id]; dup {
		return false
	}
	s.queue = append(s.queue, id)
	s.queued[id] = struct{}{}
	if forced {
		s.forced[id] = struct{}{}
	}
	s.cond.Signal()
	return true
}

// Pause stops popping new work after the current node completes.
//
// Description:
//
//	Sets the running flag false. A generator mid-node finishes its two
//	streaming calls (pause is cooperative, never aborts a call in
//	flight) and then blocks before the next pop.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	alreadyPaused := !s.running
	s.running = false
	completed := s.completed
	s.mu.Unlock()

	if !alreadyPaused {
		s.emit(events.TypePaused, events.PauseData{Generated: completed})
	}
}

// Resume allows generation of another budget increment of nodes.
//
// Description:
//
//	Sets the budget to the current completed count plus the configured
//	increment and wakes the generators. Once the completed count reaches
//	the budget, the scheduler auto-pauses.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.budget = s.completed + s.cfg.ResumeIncrement
	s.cond.Broadcast()
	s.mu.Unlock()

	s.emit(events.TypeResumed, nil)
}

// Running reports whether the scheduler is currently unpaused.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Completed returns the number of nodes processed so far.
func (s *Scheduler) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// QueueLen returns the current queue depth.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FocusedID returns the focused node ID, or empty when unfocused.
func (s *Scheduler) FocusedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusedID
}

// SetFocus changes the focused branch and resynchronizes the queue.
//
// Description:
//
//	The focus filter is applied live at the enqueue-children decision
//	point; it does not retroactively touch nodes already being
//	processed. To resynchronize, the queue is rebuilt from scratch:
//	every unresolved, childless, answerless auto-processed node inside
//	the new focus (or anywhere, when focus is cleared) is re-queued in
//	breadth-first tree order. Passing an empty ID clears focus.
func (s *Scheduler) SetFocus(id string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.focusedID = id
	s.mu.Unlock()

	s.emit(events.TypeFocusChanged, events.FocusData{NodeID: id})
	s.RebuildQueue()
}

// RebuildQueue drops the queue and rescans the tree for eligible work.
func (s *Scheduler) RebuildQueue() {
	root := s.store.Root()

	s.mu.Lock()
	focused := s.focusedID
	s.queue = nil
	s.queued = make(map[string]struct{})
	s.mu.Unlock()

	if root == "" {
		return
	}

	for _, id := range s.store.WalkBFS(root) {
		n, ok := s.store.Get(id)
		if !ok || n.StartedProcessing || n.Answer != "" || len(n.Children) > 0 {
			continue
		}
		if !n.Type.AutoProcessed() {
			continue
		}
		if !s.store.InFocusedBranch(focused, id) {
			continue
		}
		s.push(id, false)
	}
}

// DeleteBranch deletes a node with all descendants and reconciles
// scheduler state.
//
// Description:
//
//	Removes the subtree from the store, cancels in-flight generation for
//	any removed node (subsequent stream callbacks become no-ops), drops
//	removed IDs from the queue, and clears focus if it pointed inside
//	the deleted set.
//
// Outputs:
//
//	[]string - The removed IDs. Empty when the node did not exist.
func (s *Scheduler) DeleteBranch(id string) []string {
	removed := s.store.DeleteSubtree(id)
	if len(removed) == 0 {
		return nil
	}

	removedSet := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		removedSet[r] = struct{}{}
	}

	s.mu.Lock()
	var cancels []context.CancelFunc
	for r := range removedSet {
		if cancel, ok := s.inflight[r]; ok {
			cancels = append(cancels, cancel)
			delete(s.inflight, r)
		}
		delete(s.queued, r)
		delete(s.forced, r)
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if _, gone := removedSet[q]; !gone {
			kept = append(kept, q)
		}
	}
	s.queue = kept
	if _, gone := removedSet[s.focusedID]; gone {
		s.focusedID = ""
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return removed
}

// Destroy tears the scheduler down.
//
// Description:
//
//	Stops the generator loops and aborts any in-flight streaming calls
//	via context cancellation; their remaining callbacks check liveness
//	and mutate nothing. Destroy blocks until all loops have exited.
//	Idempotent.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.running = false
	s.cond.Broadcast()
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
}

// next blocks until work is available or the scheduler is destroyed.
//
// Outputs:
//
//	string - The popped node ID.
//	bool - True when StartedProcessing at pop time should be overridden
//	       (explicit retry).
//	bool - False when the scheduler was destroyed.
func (s *Scheduler) next() (string, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.destroyed {
			return "", false, false
		}
		if s.running && len(s.queue) > 0 {
			id := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.queued, id)
			_, retry := s.forced[id]
			delete(s.forced, id)
			return id, retry, true
		}
		s.cond.Wait()
	}
}

// loop is one generator worker: pop, process one node, repeat.
func (s *Scheduler) loop(worker int) {
	defer s.wg.Done()

	log := s.logger.With("worker", worker)
	for {
		id, retry, ok := s.next()
		if !ok {
			return
		}

		claimed, err := s.store.TryClaim(id, retry)
		if err != nil {
			log.Debug("queued node vanished before claim", "node_id", id)
			continue
		}
		if !claimed {
			// Someone else claimed it between enqueue and pop; the
			// single-writer-per-node rule says we must not touch it.
			continue
		}

		nodeCtx, cancel := context.WithCancel(s.baseCtx)
		s.mu.Lock()
		s.inflight[id] = cancel
		s.mu.Unlock()

		children, procErr := s.gen.Process(nodeCtx, id)

		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()

		if procErr != nil {
			// Terminal for this node only; the loop moves on.
			log.Warn("node generation failed", "node_id", id, "error", procErr)
		}

		s.enqueueChildren(children)
		s.finishOne(id)
	}
}

// enqueueChildren queues newly created children, honoring the focus
// filter at this decision point. Children outside the focused branch are
// deliberately left unqueued: they stay visible but dormant until focus
// changes or is cleared.
func (s *Scheduler) enqueueChildren(children []string) {
	s.mu.Lock()
	focused := s.focusedID
	s.mu.Unlock()

	for _, child := range children {
		if focused != "" && !s.store.InFocusedBranch(focused, child) {
			continue
		}
		s.Enqueue(child)
	}
}

// finishOne counts a processed node against the resume budget and
// auto-pauses when the budget is reached.
func (s *Scheduler) finishOne(id string) {
	s.mu.Lock()
	s.completed++
	completed := s.completed
	exhausted := s.running && s.budget > 0 && completed >= s.budget
	if exhausted {
		s.running = false
	}
	s.mu.Unlock()

	if exhausted {
		s.logger.Info("resume budget exhausted, auto-pausing",
			"completed", completed,
			"last_node", id,
		)
		s.emit(events.TypePaused, events.PauseData{
			BudgetExhausted: true,
			Generated:       completed,
		})
	}
}
