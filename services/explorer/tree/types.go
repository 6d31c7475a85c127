// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree implements the authoritative question/answer tree for an
// exploration session.
//
// The tree is the single piece of mutable shared state in the explorer. It
// maps node IDs to node records, enforces the parent/child invariants, and
// broadcasts every mutation through an event emitter so transports and
// persistence can observe changes without coupling to the scheduler.
//
// Invariants maintained by the Store:
//
//   - Exactly one node has an empty Parent (the root); every other node's
//     parent is expected to exist in the map.
//   - A node's Children list mirrors the set of nodes whose Parent is that
//     node; any mutation that sets one side maintains the other.
//   - Node IDs are never reused after deletion.
//   - StartedProcessing is monotonic: it moves false to true and is never
//     reset by the store (an explicit user retry re-claims through the
//     scheduler, not by clearing the flag).
package tree

// NodeType identifies the kind of node and determines whether the node
// participates in automatic generation.
type NodeType string

const (
	// TypeRootQuestion is the seed question that starts a session.
	TypeRootQuestion NodeType = "root-question"

	// TypeLLMQuestion is a follow-up question proposed by the model.
	TypeLLMQuestion NodeType = "llm-question"

	// TypeLLMAnswer is an answer node produced by the model.
	TypeLLMAnswer NodeType = "llm-answer"

	// TypeUserQuestion is a question typed in by the user. It is not
	// processed automatically; generation requires an explicit trigger.
	TypeUserQuestion NodeType = "user-question"

	// TypeUserFile is a user-uploaded file artifact.
	TypeUserFile NodeType = "user-file"

	// TypeUserWebpage is an ingested webpage artifact.
	TypeUserWebpage NodeType = "user-webpage"
)

// AutoProcessed reports whether nodes of this type are eligible for
// automatic generation once enqueued.
func (t NodeType) AutoProcessed() bool {
	switch t {
	case TypeRootQuestion, TypeLLMQuestion:
		return true
	default:
		return false
	}
}

// FileInfo describes an ingested file attached to a user-file node.
type FileInfo struct {
	// Name is the original filename.
	Name string `json:"name"`

	// Type is the MIME type reported at upload.
	Type string `json:"type"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// Node is one entry in the exploration tree.
//
// Answer accumulates by ordered append-only chunk concatenation while the
// model streams; the empty string is the canonical "unanswered" state, not
// absence. Children order reflects the order in which candidate questions
// were parsed out of the model's streamed output; that order is stable and
// drives layout and "first N children" decisions downstream.
type Node struct {
	// ID uniquely identifies the node. Never reused after deletion.
	ID string `json:"id"`

	// Question is the prompt text. Set atomically for generated nodes,
	// streamed in for model-proposed placeholders as their JSON arrives.
	Question string `json:"question"`

	// Answer is the streamed answer text. Empty means unanswered.
	Answer string `json:"answer"`

	// Parent is the parent node ID. Empty only for the root. Immutable
	// after creation.
	Parent string `json:"parent,omitempty"`

	// Children lists child node IDs in parse order.
	Children []string `json:"children,omitempty"`

	// StartedProcessing is true once a generator has claimed this node.
	// Monotonic: false to true, never reset.
	StartedProcessing bool `json:"startedProcessing"`

	// Type is the node variant.
	Type NodeType `json:"nodeType"`

	// FileInfo is present only on user-file nodes.
	FileInfo *FileInfo `json:"fileInfo,omitempty"`

	// URL is present only on user-webpage nodes.
	URL string `json:"url,omitempty"`

	// Screenshot is an optional base64 screenshot for webpage nodes.
	Screenshot string `json:"screenshot,omitempty"`

	// IsLoading marks an ingestion operation still in flight.
	IsLoading bool `json:"isLoading,omitempty"`

	// ErrorMessage records a failed ingestion or generation on this node.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy of the node. Children is copied so callers can
// hold the result across store mutations.
func (n *Node) Clone() *Node {
	c := *n
	if n.Children != nil {
		c.Children = make([]string, len(n.Children))
		copy(c.Children, n.Children)
	}
	if n.FileInfo != nil {
		fi := *n.FileInfo
		c.FileInfo = &fi
	}
	return &c
}

// Patch is a partial update applied by Store.Update. Nil pointer fields are
// left untouched; set fields are merged shallowly, last write wins per
// field. Parent and Children are deliberately absent: structural edges are
// owned by Insert and DeleteSubtree.
type Patch struct {
	Question     *string   `json:"question,omitempty"`
	Answer       *string   `json:"answer,omitempty"`
	Type         *NodeType `json:"nodeType,omitempty"`
	FileInfo     *FileInfo `json:"fileInfo,omitempty"`
	URL          *string   `json:"url,omitempty"`
	Screenshot   *string   `json:"screenshot,omitempty"`
	IsLoading    *bool     `json:"isLoading,omitempty"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
}
