// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest brings user material into an exploration tree: uploaded
// text files and fetched webpages. It validates at the boundary so the
// tree only ever holds content the rest of the pipeline can prompt with.
package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// MaxFileSize is the upload ceiling. Larger files are rejected before
// any content is read into the tree.
const MaxFileSize = 5 << 20 // 5 MiB

// textExtensions are accepted when the reported MIME type is not
// conclusive. Keys are lower-case extensions with the leading dot.
var textExtensions = map[string]struct{}{
	".txt":  {},
	".md":   {},
	".json": {},
	".yaml": {},
	".yml":  {},
	".toml": {},
	".csv":  {},
	".log":  {},
	".xml":  {},
	".html": {},
	".go":   {},
	".py":   {},
	".js":   {},
	".ts":   {},
	".sh":   {},
}

// FileTooLargeError reports a rejected oversized upload.
type FileTooLargeError struct {
	Name string
	Size int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file %q is %d bytes, limit is %d", e.Name, e.Size, MaxFileSize)
}

// UnsupportedFileError reports a rejected non-text upload.
type UnsupportedFileError struct {
	Name string
	MIME string
}

func (e *UnsupportedFileError) Error() string {
	return fmt.Sprintf("file %q (%s) is not a supported text type", e.Name, e.MIME)
}

// ValidateFile checks an upload and returns the metadata to attach to a
// user-file node.
//
// Description:
//
//	Accepts text content only: a text/* or JSON-ish MIME type, or a
//	known text extension when the MIME type is generic. Rejects
//	anything over MaxFileSize. Validation runs on metadata plus the
//	already-read content length; it never touches the filesystem.
//
// Inputs:
//
//	name - The original filename.
//	mimeType - The reported content type. May be empty.
//	content - The full file content.
//
// Outputs:
//
//	*tree.FileInfo - Name, resolved type, and size for the node.
//	error - FileTooLargeError or UnsupportedFileError on rejection.
func ValidateFile(name, mimeType string, content []byte) (*tree.FileInfo, error) {
	size := int64(len(content))
	if size > MaxFileSize {
		return nil, &FileTooLargeError{Name: name, Size: size}
	}

	resolved := resolveType(name, mimeType)
	if resolved == "" {
		return nil, &UnsupportedFileError{Name: name, MIME: mimeType}
	}

	return &tree.FileInfo{
		Name: name,
		Type: resolved,
		Size: size,
	}, nil
}

// resolveType returns the effective MIME type, or empty when the file is
// not text.
func resolveType(name, mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case strings.HasPrefix(mt, "text/"):
		return mt
	case mt == "application/json",
		mt == "application/xml",
		mt == "application/x-yaml",
		mt == "application/toml":
		return mt
	}

	// Generic or missing MIME type: fall back to the extension.
	if mt == "" || mt == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := textExtensions[ext]; ok {
			return "text/plain"
		}
	}
	return ""
}
