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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("treeline.stream.openai")

// OpenAIClient streams chat completions from an OpenAI-compatible API.
//
// Thread Safety: safe for concurrent use; each Stream call opens its own
// completion stream.
type OpenAIClient struct {
	client            *openai.Client
	defaultModel      string
	inactivityTimeout time.Duration
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey authenticates against the API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible gateways
	// (e.g. a local inference server). Empty uses the default.
	BaseURL string

	// Model is the default model for requests that leave Model empty.
	Model string

	// InactivityTimeout bounds the silence between consecutive stream
	// events. Zero applies DefaultInactivityTimeout.
	InactivityTimeout time.Duration
}

// NewOpenAIClient creates a streaming client for an OpenAI-compatible API.
//
// Outputs:
//
//	*OpenAIClient - The configured client.
//	error - Non-nil when no API key is available.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("no API key: set OPENAI_API_KEY or OpenAIConfig.APIKey")
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("no default model configured, using fallback", "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}

	slog.Info("initializing OpenAI stream client", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client:            openai.NewClientWithConfig(clientCfg),
		defaultModel:      model,
		inactivityTimeout: timeout,
	}, nil
}

// Stream implements the Client interface.
//
// Description:
//
//	Opens a chat completion stream and forwards content deltas to the
//	handler in arrival order. Each receive is bounded by the inactivity
//	timeout; silence beyond it is surfaced as a StreamError, the same
//	terminal-failure path as any other mid-stream error. When the
//	context is cancelled the handler is never invoked again and the
//	underlying connection is closed as fire-and-forget cleanup.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, handle ChunkHandler) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "OpenAIClient.Stream")
	defer span.End()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.String("node.id", req.NodeID),
	)

	ccr := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Stream: true,
	}

	s, err := c.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		// Abort may win the race against connection setup; in that
		// case there is no stream to close and nothing was delivered.
		if ctx.Err() != nil {
			return ErrAborted
		}
		span.SetStatus(codes.Error, err.Error())
		return &StreamError{NodeID: req.NodeID, Message: "open completion stream", Err: err}
	}
	defer func() {
		// Cleanup must never throw into the caller.
		_ = s.Close()
	}()

	for {
		resp, err := c.recvWithTimeout(ctx, s)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // done
			}
			if errors.Is(err, ErrAborted) {
				return ErrAborted
			}
			span.SetStatus(codes.Error, err.Error())
			return &StreamError{NodeID: req.NodeID, Message: "receive chunk", Err: err}
		}

		// Check the abort flag before touching shared state.
		if ctx.Err() != nil {
			return ErrAborted
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			handle(delta)
		}
	}
}

// recvWithTimeout bounds one Recv call with the inactivity timeout and the
// caller's context.
func (c *OpenAIClient) recvWithTimeout(ctx context.Context, s *openai.ChatCompletionStream) (openai.ChatCompletionStreamResponse, error) {
	type result struct {
		resp openai.ChatCompletionStreamResponse
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		resp, err := s.Recv()
		ch <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(c.inactivityTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return openai.ChatCompletionStreamResponse{}, ErrAborted
	case <-timer.C:
		return openai.ChatCompletionStreamResponse{}, fmt.Errorf("no activity for %s", c.inactivityTimeout)
	}
}
