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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// sseEvent is one wire frame from the model gateway.
//
// The gateway multiplexes traffic for many nodes over a shared transport,
// so every frame carries the node ID it belongs to. Frames for a different
// node than the request's are dropped by the receiver.
type sseEvent struct {
	Type    string `json:"type"` // "chunk" | "done" | "error"
	NodeID  string `json:"nodeId"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// SSEClient streams model output from a gateway speaking server-sent
// events over HTTP POST.
//
// The layering mirrors the rest of the platform's streaming services:
//
//	HTTP response body -> SSE frame parser -> typed events -> ChunkHandler
//
// Thread Safety: safe for concurrent use.
type SSEClient struct {
	httpClient        *http.Client
	endpoint          string
	inactivityTimeout time.Duration
}

// SSEConfig configures an SSEClient.
type SSEConfig struct {
	// Endpoint is the gateway URL, e.g. "http://localhost:8085/v1/stream".
	Endpoint string

	// ConnectTimeout bounds connection establishment. Zero means 10s.
	ConnectTimeout time.Duration

	// InactivityTimeout bounds silence between frames. Zero applies
	// DefaultInactivityTimeout.
	InactivityTimeout time.Duration
}

// NewSSEClient creates a client for an SSE model gateway.
func NewSSEClient(cfg SSEConfig) (*SSEClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 10 * time.Second
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = DefaultInactivityTimeout
	}

	transport := &http.Transport{
		ResponseHeaderTimeout: connect,
	}

	return &SSEClient{
		// No overall client timeout: streams are long-lived. Inactivity
		// is bounded per-frame instead.
		httpClient:        &http.Client{Transport: transport},
		endpoint:          strings.TrimSuffix(cfg.Endpoint, "/"),
		inactivityTimeout: inactivity,
	}, nil
}

// Stream implements the Client interface.
func (c *SSEClient) Stream(ctx context.Context, req Request, handle ChunkHandler) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "SSEClient.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("node.id", req.NodeID),
	)

	// If the abort already happened, do not even dial.
	if ctx.Err() != nil {
		return ErrAborted
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &StreamError{NodeID: req.NodeID, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &StreamError{NodeID: req.NodeID, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ErrAborted
		}
		span.SetStatus(codes.Error, err.Error())
		return &StreamError{NodeID: req.NodeID, Message: "connect", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	// A connection that opens after an abort was requested closes itself
	// immediately rather than consuming any payload.
	if ctx.Err() != nil {
		return ErrAborted
	}

	if resp.StatusCode != http.StatusOK {
		return &StreamError{
			NodeID:  req.NodeID,
			Message: fmt.Sprintf("gateway returned status %d", resp.StatusCode),
		}
	}

	return c.consume(ctx, req.NodeID, resp, handle)
}

// consume reads SSE frames until done, error, or abort.
func (c *SSEClient) consume(ctx context.Context, nodeID string, resp *http.Response, handle ChunkHandler) error {
	type lineResult struct {
		line string
		err  error
	}

	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- lineResult{line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- lineResult{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	timer := time.NewTimer(c.inactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-timer.C:
			return &StreamError{
				NodeID:  nodeID,
				Message: fmt.Sprintf("no activity for %s", c.inactivityTimeout),
			}
		case res, ok := <-lines:
			if !ok {
				// Body ended without a terminal frame.
				return &StreamError{NodeID: nodeID, Message: "stream closed before done event"}
			}
			if res.err != nil {
				return &StreamError{NodeID: nodeID, Message: "read stream", Err: res.err}
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.inactivityTimeout)

			payload, ok := strings.CutPrefix(res.line, "data:")
			if !ok {
				continue // comments, blank keep-alive lines
			}

			var ev sseEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &ev); err != nil {
				return &StreamError{NodeID: nodeID, Message: "malformed frame", Err: err}
			}

			if ev.NodeID != nodeID {
				slog.Debug("dropping frame for foreign node",
					"want", nodeID,
					"got", ev.NodeID,
				)
				continue
			}

			// Re-check the abort flag before mutating shared state.
			if ctx.Err() != nil {
				return ErrAborted
			}

			switch ev.Type {
			case "chunk":
				handle(ev.Content)
			case "done":
				return nil
			case "error":
				return &StreamError{NodeID: nodeID, Message: ev.Message}
			default:
				slog.Warn("unknown frame type", "type", ev.Type)
			}
		}
	}
}
