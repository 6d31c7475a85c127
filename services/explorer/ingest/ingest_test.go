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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		mimeType string
		content  []byte
		wantType string
		wantErr  error
	}{
		{
			name:     "plain text",
			fileName: "notes.txt",
			mimeType: "text/plain",
			content:  []byte("hello"),
			wantType: "text/plain",
		},
		{
			name:     "markdown with charset parameter",
			fileName: "README.md",
			mimeType: "text/markdown; charset=utf-8",
			content:  []byte("# title"),
			wantType: "text/markdown",
		},
		{
			name:     "json by mime",
			fileName: "data.json",
			mimeType: "application/json",
			content:  []byte(`{}`),
			wantType: "application/json",
		},
		{
			name:     "octet-stream rescued by extension",
			fileName: "script.py",
			mimeType: "application/octet-stream",
			content:  []byte("print(1)"),
			wantType: "text/plain",
		},
		{
			name:     "missing mime rescued by extension",
			fileName: "config.yaml",
			mimeType: "",
			content:  []byte("key: value"),
			wantType: "text/plain",
		},
		{
			name:     "binary rejected",
			fileName: "photo.png",
			mimeType: "image/png",
			content:  []byte{0x89, 0x50},
			wantErr:  &UnsupportedFileError{},
		},
		{
			name:     "unknown extension rejected",
			fileName: "blob.bin",
			mimeType: "application/octet-stream",
			content:  []byte{0x00},
			wantErr:  &UnsupportedFileError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ValidateFile(tt.fileName, tt.mimeType, tt.content)
			if tt.wantErr != nil {
				require.Error(t, err)
				var unsupported *UnsupportedFileError
				assert.True(t, errors.As(err, &unsupported))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.fileName, info.Name)
			assert.Equal(t, tt.wantType, info.Type)
			assert.Equal(t, int64(len(tt.content)), info.Size)
		})
	}
}

func TestValidateFileTooLarge(t *testing.T) {
	big := make([]byte, MaxFileSize+1)
	_, err := ValidateFile("huge.txt", "text/plain", big)
	require.Error(t, err)

	var tooLarge *FileTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, "huge.txt", tooLarge.Name)
	assert.Equal(t, int64(MaxFileSize+1), tooLarge.Size)
}

func TestWebpageClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req fetchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/article", req.URL)
		assert.True(t, req.Screenshot)

		_ = json.NewEncoder(w).Encode(Webpage{
			Title:      "An Article",
			Markdown:   "# An Article\n\nBody.",
			Screenshot: "aGk=",
		})
	}))
	defer srv.Close()

	client, err := NewWebpageClient(WebpageConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	page, err := client.Fetch(context.Background(), "https://example.com/article", true)
	require.NoError(t, err)
	assert.Equal(t, "An Article", page.Title)
	assert.Contains(t, page.Markdown, "Body.")
	assert.Equal(t, "aGk=", page.Screenshot)
}

func TestWebpageClientRejectsBadURL(t *testing.T) {
	client, err := NewWebpageClient(WebpageConfig{Endpoint: "http://localhost:1"})
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), "ftp://example.com", false)
	assert.Error(t, err)

	_, err = client.Fetch(context.Background(), "not a url", false)
	assert.Error(t, err)
}

func TestWebpageClientServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "render timed out", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewWebpageClient(WebpageConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), "https://example.com", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
