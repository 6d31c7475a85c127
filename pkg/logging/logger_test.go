// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "LEVEL(99)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("Level(%d).toSlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	defer logger.Close()

	if logger.slog == nil {
		t.Fatal("expected non-nil slog logger")
	}
	if logger.file != nil {
		t.Error("expected no file handle without LogDir")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "treeline-test",
	})

	logger.Info("file log entry", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := filepath.Join(dir, "treeline-test_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", want, err)
	}

	var entry map[string]any
	line := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("file log is not JSON: %v", err)
	}
	if entry["msg"] != "file log entry" {
		t.Errorf("msg = %v, want %q", entry["msg"], "file log entry")
	}
	if entry["service"] != "treeline-test" {
		t.Errorf("service = %v, want %q", entry["service"], "treeline-test")
	}
}

func TestNew_WithLogDir_DefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir})
	logger.Info("entry")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := filepath.Join(dir, "treeline_"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected default-named log file at %s: %v", want, err)
	}
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "treeline-test",
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("exported message", "node_id", "root")

	// Export runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Message != "exported message" {
		t.Errorf("Message = %q", entries[0].Message)
	}
	if entries[0].Service != "treeline-test" {
		t.Errorf("Service = %q", entries[0].Service)
	}
	if entries[0].Attrs["node_id"] != "root" {
		t.Errorf("Attrs[node_id] = %v", entries[0].Attrs["node_id"])
	}
}

func TestLogger_ExporterHonorsLevelFilter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("filtered")
	logger.Info("filtered too")
	logger.Warn("kept")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Level != LevelWarn {
		t.Errorf("Level = %v, want LevelWarn", entries[0].Level)
	}
}

func TestLogger_With_SharesResources(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "parent"})
	child := logger.With("request_id", "r1")

	if child.file != logger.file {
		t.Error("child should share the parent's file handle")
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestLogger_SetAsDefault(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	logger := New(Config{Quiet: true})
	defer logger.Close()
	logger.SetAsDefault()

	if slog.Default() != logger.slog {
		t.Error("SetAsDefault did not install the logger")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &NopExporter{}})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("concurrent", "worker", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()
}

func TestMultiHandler_FansOut(t *testing.T) {
	a := &recordingHandler{}
	b := &recordingHandler{}
	h := &multiHandler{handlers: []slog.Handler{a, b}}

	logger := slog.New(h)
	logger.Info("fan out")

	if a.count != 1 || b.count != 1 {
		t.Errorf("handler counts = %d, %d; want 1, 1", a.count, b.count)
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", "dangling"})
	if m["a"] != 1 || m["b"] != "two" {
		t.Errorf("argsToMap = %v", m)
	}
	if _, ok := m["dangling"]; ok {
		t.Error("dangling key should be dropped")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

// recordingHandler counts handled records.
type recordingHandler struct {
	count int
	attrs []slog.Attr
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.count++
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{attrs: append(h.attrs, attrs...)}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }
