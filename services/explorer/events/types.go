// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides event types and broadcasting for the explorer.
//
// Events let transports (websocket feed), persistence (autosave), and
// metrics observe tree growth and scheduler activity without coupling to
// the generator implementation.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use. Event
//	structs are treated as immutable after creation.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeNodeCreated is emitted when a node is inserted into the tree.
	TypeNodeCreated Type = "node_created"

	// TypeNodeUpdated is emitted when a node's fields are patched.
	TypeNodeUpdated Type = "node_updated"

	// TypeAnswerChunk is emitted for each streamed answer fragment
	// appended to a node.
	TypeAnswerChunk Type = "answer_chunk"

	// TypeNodeDeleted is emitted once per deleted subtree with the full
	// removed ID set.
	TypeNodeDeleted Type = "node_deleted"

	// TypeGenerationStarted is emitted when a generator claims a node.
	TypeGenerationStarted Type = "generation_started"

	// TypeGenerationComplete is emitted when both phases of a node's
	// generation have finished.
	TypeGenerationComplete Type = "generation_complete"

	// TypeNodeError is emitted when generation fails for a node.
	TypeNodeError Type = "node_error"

	// TypePaused is emitted when the scheduler pauses, either by user
	// action or because the resume budget was reached.
	TypePaused Type = "paused"

	// TypeResumed is emitted when the scheduler resumes.
	TypeResumed Type = "resumed"

	// TypeFocusChanged is emitted when the focused branch changes.
	TypeFocusChanged Type = "focus_changed"
)

// Event is one observation of explorer activity.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// SessionID links the event to an exploration session.
	SessionID string `json:"sessionId,omitempty"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Data carries the type-specific payload. Use the typed data structs
	// below when setting it.
	Data any `json:"data,omitempty"`
}

// NodeData is the payload for node lifecycle events.
type NodeData struct {
	// NodeID is the affected node.
	NodeID string `json:"nodeId"`

	// Parent is the node's parent, when relevant.
	Parent string `json:"parent,omitempty"`

	// Question is the node's question text at event time.
	Question string `json:"question,omitempty"`
}

// ChunkData is the payload for TypeAnswerChunk.
type ChunkData struct {
	// NodeID is the node whose answer grew.
	NodeID string `json:"nodeId"`

	// Content is the appended fragment.
	Content string `json:"content"`
}

// DeleteData is the payload for TypeNodeDeleted.
type DeleteData struct {
	// NodeID is the root of the deleted subtree.
	NodeID string `json:"nodeId"`

	// Removed lists every node ID removed, root included.
	Removed []string `json:"removed"`
}

// ErrorData is the payload for TypeNodeError.
type ErrorData struct {
	// NodeID is the node whose generation failed.
	NodeID string `json:"nodeId"`

	// Phase is "answer" or "questions".
	Phase string `json:"phase"`

	// Message is the failure description.
	Message string `json:"message"`
}

// FocusData is the payload for TypeFocusChanged.
type FocusData struct {
	// NodeID is the newly focused node, or empty when focus is cleared.
	NodeID string `json:"nodeId,omitempty"`
}

// PauseData is the payload for TypePaused.
type PauseData struct {
	// BudgetExhausted is true when the pause was triggered by the
	// per-resume generation budget rather than a user action.
	BudgetExhausted bool `json:"budgetExhausted"`

	// Generated is the completed-node count at pause time.
	Generated int `json:"generated"`
}
