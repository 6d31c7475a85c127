// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"sync"
)

// FakeStream scripts one streaming call for tests.
type FakeStream struct {
	// Chunks are delivered in order to the handler.
	Chunks []string

	// Err, when set, terminates the stream after Chunks as a StreamError.
	Err error
}

// FakeClient is an in-memory Client for generator and scheduler tests.
//
// Scripts are enqueued per node ID and consumed in order, so the answer
// phase and the questions phase of one node are two consecutive scripts.
//
// Thread Safety: safe for concurrent use.
type FakeClient struct {
	mu       sync.Mutex
	scripts  map[string][]FakeStream
	requests []Request
	aborts   int

	// BeforeChunk, when set, runs before each chunk is delivered. Tests
	// use it to pause the world mid-stream or to trigger deletions.
	BeforeChunk func(req Request, index int)
}

// NewFakeClient creates an empty fake client.
func NewFakeClient() *FakeClient {
	return &FakeClient{scripts: make(map[string][]FakeStream)}
}

// Enqueue appends a scripted stream for a node ID.
func (f *FakeClient) Enqueue(nodeID string, s FakeStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[nodeID] = append(f.scripts[nodeID], s)
}

// Requests returns a copy of all requests seen so far.
func (f *FakeClient) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Aborts returns how many streams terminated via context cancellation.
func (f *FakeClient) Aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

// Stream implements the Client interface.
func (f *FakeClient) Stream(ctx context.Context, req Request, handle ChunkHandler) error {
	if err := req.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var script FakeStream
	if q := f.scripts[req.NodeID]; len(q) > 0 {
		script = q[0]
		f.scripts[req.NodeID] = q[1:]
	}
	hook := f.BeforeChunk
	f.mu.Unlock()

	for i, chunk := range script.Chunks {
		if hook != nil {
			hook(req, i)
		}
		if ctx.Err() != nil {
			f.mu.Lock()
			f.aborts++
			f.mu.Unlock()
			return ErrAborted
		}
		handle(chunk)
	}

	if ctx.Err() != nil {
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		return ErrAborted
	}

	if script.Err != nil {
		return &StreamError{NodeID: req.NodeID, Message: "scripted failure", Err: script.Err}
	}
	return nil
}
