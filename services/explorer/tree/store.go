// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/treeline/services/explorer/events"
)

// Store is the authoritative node map for one exploration session.
//
// Description:
//
//	Store owns all node records and enforces the tree invariants. Write
//	safety across goroutines (generators, HTTP handlers, autosave) comes
//	from an internal mutex; answer-append safety additionally relies on
//	the single-writer-per-node rule, enforced by TryClaim's atomic
//	check-and-set on StartedProcessing.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	rootID  string
	retired map[string]struct{} // IDs that existed once; never reused
	emitter *events.Emitter     // optional; nil disables notifications
	logger  *slog.Logger
}

// NewStore creates an empty store.
//
// Inputs:
//
//	emitter - Optional event emitter for mutation notifications. May be nil.
//
// Outputs:
//
//	*Store - The empty store, ready to be seeded with a root node.
func NewStore(emitter *events.Emitter) *Store {
	return &Store{
		nodes:   make(map[string]*Node),
		retired: make(map[string]struct{}),
		emitter: emitter,
		logger:  slog.Default(),
	}
}

// emit forwards an event when an emitter is configured.
func (s *Store) emit(t events.Type, data any) {
	if s.emitter != nil {
		s.emitter.Emit(t, data)
	}
}

// Insert adds a node to the tree.
//
// Description:
//
//	Fails with DuplicateNodeError if the ID exists or was ever used, and
//	with NodeNotFoundError if the named parent was deleted: a retired
//	parent means the branch is gone, and a child accepted under it would
//	dangle in snapshots while no walk could reach it. On success, if the
//	node names a parent that exists, the new ID is appended to that
//	parent's Children. A parent that is named but absent and never
//	retired is tolerated: generator code may race parent creation, so
//	the insert succeeds as an orphan and the condition is logged. A node
//	with no parent becomes the root; only the first such node is
//	accepted.
//
// Inputs:
//
//	n - The node to insert. Stored by value of a clone; the caller keeps
//	    ownership of its copy.
//
// Outputs:
//
//	error - DuplicateNodeError on ID reuse, nil otherwise.
//
// Thread Safety: safe for concurrent use.
func (s *Store) Insert(n *Node) error {
	s.mu.Lock()

	if _, ok := s.nodes[n.ID]; ok {
		s.mu.Unlock()
		return &DuplicateNodeError{ID: n.ID}
	}
	if _, ok := s.retired[n.ID]; ok {
		s.mu.Unlock()
		return &DuplicateNodeError{ID: n.ID}
	}
	if _, ok := s.retired[n.Parent]; ok {
		// The named parent was deleted, not merely not-yet-created.
		// Accepting the child would plant a dangling node under a
		// removed branch.
		s.mu.Unlock()
		return &NodeNotFoundError{ID: n.Parent}
	}

	stored := n.Clone()
	s.nodes[n.ID] = stored

	if n.Parent == "" {
		if s.rootID == "" {
			s.rootID = n.ID
		}
	} else if parent, ok := s.nodes[n.Parent]; ok {
		parent.Children = append(parent.Children, n.ID)
	} else {
		// Known edge case: parent referenced before creation. The orphan
		// is kept; the symmetric Children entry cannot be maintained.
		s.logger.Warn("orphan insert: parent not present",
			"node_id", n.ID,
			"parent_id", n.Parent,
		)
	}
	s.mu.Unlock()

	s.emit(events.TypeNodeCreated, events.NodeData{
		NodeID:   n.ID,
		Parent:   n.Parent,
		Question: n.Question,
	})
	return nil
}

// Get returns a deep copy of a node.
func (s *Store) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Exists reports whether a node is currently in the tree.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Root returns the root node ID, or empty string before seeding.
func (s *Store) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootID
}

// Len returns the number of live nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Update merges a patch into a node.
//
// Description:
//
//	Fails with NodeNotFoundError if the ID is absent. Set fields replace
//	the node's fields wholesale (shallow, last write wins per field); nil
//	fields are untouched, so ingestion metadata survives partial updates.
//
// Thread Safety: safe for concurrent use.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()

	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return &NodeNotFoundError{ID: id}
	}

	if patch.Question != nil {
		n.Question = *patch.Question
	}
	if patch.Answer != nil {
		n.Answer = *patch.Answer
	}
	if patch.Type != nil {
		n.Type = *patch.Type
	}
	if patch.FileInfo != nil {
		fi := *patch.FileInfo
		n.FileInfo = &fi
	}
	if patch.URL != nil {
		n.URL = *patch.URL
	}
	if patch.Screenshot != nil {
		n.Screenshot = *patch.Screenshot
	}
	if patch.IsLoading != nil {
		n.IsLoading = *patch.IsLoading
	}
	if patch.ErrorMessage != nil {
		n.ErrorMessage = *patch.ErrorMessage
	}
	question := n.Question
	parent := n.Parent
	s.mu.Unlock()

	s.emit(events.TypeNodeUpdated, events.NodeData{
		NodeID:   id,
		Parent:   parent,
		Question: question,
	})
	return nil
}

// AppendAnswerChunk appends streamed text to a node's answer.
//
// Description:
//
//	Fails with NodeNotFoundError if the ID is absent. The answer field is
//	treated as an append-only accumulator; an empty chunk is a no-op that
//	still succeeds.
//
// Thread Safety: safe for concurrent use. Ordering within one node is the
// caller's responsibility (single writer per node).
func (s *Store) AppendAnswerChunk(id, text string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return &NodeNotFoundError{ID: id}
	}
	n.Answer += text
	s.mu.Unlock()

	if text != "" {
		s.emit(events.TypeAnswerChunk, events.ChunkData{NodeID: id, Content: text})
	}
	return nil
}

// TryClaim atomically marks a node as claimed for generation.
//
// Description:
//
//	Check-and-set on StartedProcessing. The claim is what authorizes a
//	generator to append to the node's answer, preserving the
//	single-writer-per-node invariant even with multiple generators.
//
// Inputs:
//
//	id - The node to claim.
//	force - When true, an already-set flag is ignored (explicit user
//	        retry). The flag itself is never cleared.
//
// Outputs:
//
//	bool - True if the claim succeeded.
//	error - NodeNotFoundError if the node is absent.
func (s *Store) TryClaim(id string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false, &NodeNotFoundError{ID: id}
	}
	if n.StartedProcessing && !force {
		return false, nil
	}
	n.StartedProcessing = true
	return true, nil
}

// DeleteSubtree removes a node and all its descendants.
//
// Description:
//
//	No-op for an absent ID. The descendant set is computed by
//	breadth-first traversal of Children, skipping IDs that are already
//	missing. The root of the deleted subtree is detached from its former
//	parent's Children if that parent still exists. Removed IDs are
//	retired so they are never reused.
//
// Outputs:
//
//	[]string - Every removed ID, deletion root first. Empty for a no-op.
//	           Callers use it to reconcile the work queue and clear focus
//	           if it pointed inside the deleted set.
//
// Thread Safety: safe for concurrent use.
func (s *Store) DeleteSubtree(id string) []string {
	s.mu.Lock()

	target, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	parentID := target.Parent

	var removed []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := s.nodes[cur]
		if !ok {
			continue // already gone, tolerate
		}
		removed = append(removed, cur)
		queue = append(queue, n.Children...)
		delete(s.nodes, cur)
		s.retired[cur] = struct{}{}
	}

	// Detach from the former parent, if it survived.
	if parent, ok := s.nodes[parentID]; ok {
		parent.Children = removeID(parent.Children, id)
	}

	if id == s.rootID {
		s.rootID = ""
	}
	s.mu.Unlock()

	s.emit(events.TypeNodeDeleted, events.DeleteData{NodeID: id, Removed: removed})
	return removed
}

// removeID returns ids without the first occurrence of id.
func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Snapshot returns a deep copy of every node, keyed by ID.
//
// Description:
//
//	Used by persistence and by the HTTP surface to project the tree
//	without holding the store lock during serialization.
func (s *Store) Snapshot() map[string]*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Node, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.Clone()
	}
	return out
}

// Restore replaces the store contents with a snapshot.
//
// Description:
//
//	Used when loading a persisted session. The root is recomputed from
//	the single node with an empty Parent. Retired IDs are not restored;
//	a loaded session starts with a clean retirement set.
func (s *Store) Restore(nodes map[string]*Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*Node, len(nodes))
	s.rootID = ""
	for id, n := range nodes {
		s.nodes[id] = n.Clone()
		if n.Parent == "" {
			s.rootID = id
		}
	}
}

// WalkBFS returns node IDs reachable from the given ID in breadth-first
// order, the start node first. Missing child IDs are skipped. A visited
// set guards against corrupted child lists.
func (s *Store) WalkBFS(from string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[from]; !ok {
		return nil
	}

	var order []string
	visited := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := s.nodes[cur]
		if !ok {
			continue
		}
		order = append(order, cur)
		for _, c := range n.Children {
			if _, seen := visited[c]; seen {
				continue
			}
			visited[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return order
}
