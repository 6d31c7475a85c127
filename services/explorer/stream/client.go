// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream abstracts the streaming model invocation consumed by the
// question generator.
//
// One call opens one logical stream: the request carries a prompt and
// sampling parameters, and the transport delivers an ordered sequence of
// chunk events terminated by done or error. Implementations must:
//
//   - reject an out-of-range temperature synchronously, before any I/O
//   - drop events whose node ID differs from the request's (defensive
//     filtering against a shared transport carrying multiplexed traffic)
//   - honor context cancellation as client-initiated abort: after the
//     context is cancelled no further handler invocations may occur, and
//     transport cleanup is fire-and-forget
//   - surface inactivity as a stream error after the configured timeout
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultInactivityTimeout is applied when a config leaves the stream
// inactivity timeout unset.
const DefaultInactivityTimeout = 30 * time.Second

// ErrInvalidTemperature is returned synchronously, before any network
// attempt, when the requested temperature is outside [0, 1].
var ErrInvalidTemperature = errors.New("temperature must be within [0, 1]")

// ErrAborted is returned when the caller cancelled the stream. Partial
// output delivered before the abort remains valid.
var ErrAborted = errors.New("stream aborted by caller")

// Request describes one streaming model invocation.
type Request struct {
	// Prompt is the fully rendered prompt text.
	Prompt string `json:"prompt"`

	// Model names the target model.
	Model string `json:"model"`

	// Temperature is the sampling temperature, [0, 1] inclusive.
	Temperature float32 `json:"temperature"`

	// NodeID ties the stream to a tree node. Events for any other node
	// ID are ignored by the receiver.
	NodeID string `json:"nodeId"`

	// APIKey is honored by gateway transports that carry the key in the
	// request payload (SSEClient). OpenAIClient ignores it: its key is
	// fixed at construction because the underlying client binds
	// authentication per connection, not per call.
	APIKey string `json:"apiKey,omitempty"`
}

// Validate checks request parameters that must fail before I/O.
func (r Request) Validate() error {
	if r.Temperature < 0 || r.Temperature > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidTemperature, r.Temperature)
	}
	return nil
}

// ChunkHandler receives one ordered content fragment. The transport
// guarantees in-order delivery per stream; the handler must not block for
// long, since it runs on the receive path.
type ChunkHandler func(content string)

// Client is the streaming RPC boundary.
//
// Stream blocks until the stream terminates. A nil return corresponds to
// the transport's done event; a *StreamError wraps transport-level
// failures (network failure, malformed response, explicit server error
// event, inactivity timeout). A cancelled context yields ErrAborted.
type Client interface {
	Stream(ctx context.Context, req Request, handle ChunkHandler) error
}

// StreamError is a terminal transport failure for one streaming call.
//
// An answer-phase StreamError leaves the node with whatever partial answer
// was already appended and does not proceed to the questions phase; the
// generator loop still moves on to the next queue item.
type StreamError struct {
	// NodeID is the node the stream belonged to.
	NodeID string

	// Message describes the failure.
	Message string

	// Err is the underlying cause, when one exists.
	Err error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream error for node %s: %s: %v", e.NodeID, e.Message, e.Err)
	}
	return fmt.Sprintf("stream error for node %s: %s", e.NodeID, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *StreamError) Unwrap() error { return e.Err }

// IsStreamError reports whether err is a *StreamError.
func IsStreamError(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}
