// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultFetchTimeout bounds one webpage fetch end to end.
const DefaultFetchTimeout = 60 * time.Second

// WebpageConfig configures a WebpageClient.
type WebpageConfig struct {
	// Endpoint is the fetch-and-convert service URL. Required.
	Endpoint string

	// Timeout bounds one fetch. Zero means DefaultFetchTimeout.
	Timeout time.Duration
}

// Webpage is a fetched page converted to prompt-ready markdown.
type Webpage struct {
	// Title is the page title, when the service could extract one.
	Title string `json:"title"`

	// Markdown is the converted page content.
	Markdown string `json:"markdown"`

	// Screenshot is an optional base64-encoded PNG of the rendered page.
	Screenshot string `json:"screenshot,omitempty"`
}

// WebpageClient fetches pages through the external fetch-and-convert
// service.
//
// Description:
//
//	The service renders the page, strips chrome, and converts the body
//	to markdown, optionally with a screenshot. This client only speaks
//	the service's JSON protocol; failures are ordinary errors the
//	caller records on the node, never anything the scheduler sees.
//
// Thread Safety: safe for concurrent use.
type WebpageClient struct {
	cfg        WebpageConfig
	httpClient *http.Client
}

// NewWebpageClient creates a client for the fetch-and-convert service.
func NewWebpageClient(cfg WebpageConfig) (*WebpageClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	return &WebpageClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// fetchRequest is the service's request body.
type fetchRequest struct {
	URL        string `json:"url"`
	Screenshot bool   `json:"screenshot"`
}

// Fetch converts one webpage to markdown.
//
// Inputs:
//
//	ctx - Cancels the fetch.
//	pageURL - Absolute http(s) URL to fetch.
//	screenshot - Whether to request a rendered screenshot.
//
// Outputs:
//
//	*Webpage - The converted page.
//	error - Non-nil on invalid URL, transport failure, or a non-200
//	        service response.
func (c *WebpageClient) Fetch(ctx context.Context, pageURL string, screenshot bool) (*Webpage, error) {
	tracer := otel.Tracer("treeline.ingest.webpage")
	ctx, span := tracer.Start(ctx, "WebpageClient.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("page.url", pageURL))

	parsed, err := url.Parse(pageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		err = fmt.Errorf("invalid webpage URL %q", pageURL)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	body, err := json.Marshal(fetchRequest{URL: pageURL, Screenshot: screenshot})
	if err != nil {
		return nil, fmt.Errorf("marshal fetch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetch service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read fetch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("fetch service failed with status %d: %s", resp.StatusCode, string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var page Webpage
	if err := json.Unmarshal(respBody, &page); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("parse fetch response: %w", err)
	}
	return &page, nil
}
