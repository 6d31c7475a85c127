// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8714, cfg.Server.Port)
	assert.Equal(t, float32(0.7), cfg.Generation.Temperature)
	assert.Equal(t, 8, cfg.Generation.ResumeIncrement)
	assert.Equal(t, 4, cfg.Generation.MaxCandidates)
	assert.Equal(t, 30*time.Second, cfg.Generation.InactivityTimeout)
	assert.NotEmpty(t, cfg.Storage.DataDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TREELINE_PORT", "9000")
	t.Setenv("TREELINE_MODEL", "gpt-4o")
	t.Setenv("TREELINE_TEMPERATURE", "0.2")
	t.Setenv("TREELINE_RESUME_INCREMENT", "3")
	t.Setenv("TREELINE_INACTIVITY_TIMEOUT", "45s")
	t.Setenv("TREELINE_FETCH_ENDPOINT", "http://localhost:7000/fetch")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.Generation.Model)
	assert.Equal(t, float32(0.2), cfg.Generation.Temperature)
	assert.Equal(t, 3, cfg.Generation.ResumeIncrement)
	assert.Equal(t, 45*time.Second, cfg.Generation.InactivityTimeout)
	assert.Equal(t, "http://localhost:7000/fetch", cfg.Ingest.FetchEndpoint)
}

func TestLoadMalformedOverrideKeepsDefault(t *testing.T) {
	t.Setenv("TREELINE_PORT", "not-a-port")
	t.Setenv("TREELINE_TEMPERATURE", "hot")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8714, cfg.Server.Port)
	assert.Equal(t, float32(0.7), cfg.Generation.Temperature)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("TREELINE_PORT", "70000")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeTemperature(t *testing.T) {
	t.Setenv("TREELINE_TEMPERATURE", "1.5")
	_, err := Load()
	assert.Error(t, err)
}
