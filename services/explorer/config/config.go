// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates server configuration.
//
// Defaults first, then TREELINE_* environment overrides, then struct
// validation. Invalid values fail startup rather than surfacing later as
// runtime misbehavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var configValidate = validator.New()

// Config is the full server configuration.
//
// Thread Safety: safe to read concurrently. Not safe to modify after
// Load.
type Config struct {
	// Server contains HTTP listener settings.
	Server ServerConfig `json:"server"`

	// Generation contains model and scheduling policy.
	Generation GenerationConfig `json:"generation"`

	// Storage contains session persistence settings.
	Storage StorageConfig `json:"storage"`

	// Ingest contains webpage fetch settings.
	Ingest IngestConfig `json:"ingest"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `json:"host" validate:"required"`

	// Port is the listen port.
	Port int `json:"port" validate:"gt=0,lte=65535"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `json:"shutdown_grace" validate:"gt=0"`
}

// GenerationConfig contains model and scheduling policy.
type GenerationConfig struct {
	// Model is the chat model used for both phases.
	Model string `json:"model" validate:"required"`

	// Temperature is the sampling temperature for all streams.
	Temperature float32 `json:"temperature" validate:"gte=0,lte=1"`

	// ResumeIncrement is how many nodes each resume allows before
	// auto-pause.
	ResumeIncrement int `json:"resume_increment" validate:"gt=0"`

	// Generators is the number of concurrent generator loops per
	// session.
	Generators int `json:"generators" validate:"gt=0"`

	// MaxCandidates is the follow-up question count requested per node.
	MaxCandidates int `json:"max_candidates" validate:"gt=0,lte=10"`

	// InactivityTimeout aborts a stream with no chunks for this long.
	InactivityTimeout time.Duration `json:"inactivity_timeout" validate:"gt=0"`

	// APIBase overrides the model provider base URL. Empty uses the
	// provider default.
	APIBase string `json:"api_base"`
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	// DataDir is the directory for the session database.
	DataDir string `json:"data_dir" validate:"required"`

	// AutosaveInterval is the live-tree snapshot cadence.
	AutosaveInterval time.Duration `json:"autosave_interval" validate:"gt=0"`
}

// IngestConfig contains webpage fetch settings.
type IngestConfig struct {
	// FetchEndpoint is the fetch-and-convert service URL. Empty
	// disables webpage nodes.
	FetchEndpoint string `json:"fetch_endpoint"`

	// FetchTimeout bounds one webpage fetch.
	FetchTimeout time.Duration `json:"fetch_timeout" validate:"gt=0"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8714,
			ShutdownGrace: 10 * time.Second,
		},
		Generation: GenerationConfig{
			Model:             "gpt-4o-mini",
			Temperature:       0.7,
			ResumeIncrement:   8,
			Generators:        1,
			MaxCandidates:     4,
			InactivityTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			AutosaveInterval: 10 * time.Second,
		},
		Ingest: IngestConfig{
			FetchTimeout: 60 * time.Second,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.treeline"
	}
	return "./.treeline"
}

// Load builds the configuration: defaults, environment overrides,
// validation.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil when an override fails validation.
func Load() (Config, error) {
	cfg := Default()
	loadFromEnv(&cfg)

	if err := configValidate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("TREELINE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TREELINE_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("TREELINE_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownGrace = d
		}
	}
	if v := os.Getenv("TREELINE_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("TREELINE_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Generation.Temperature = float32(f)
		}
	}
	if v := os.Getenv("TREELINE_RESUME_INCREMENT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Generation.ResumeIncrement = i
		}
	}
	if v := os.Getenv("TREELINE_GENERATORS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Generation.Generators = i
		}
	}
	if v := os.Getenv("TREELINE_MAX_CANDIDATES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Generation.MaxCandidates = i
		}
	}
	if v := os.Getenv("TREELINE_INACTIVITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Generation.InactivityTimeout = d
		}
	}
	if v := os.Getenv("TREELINE_API_BASE"); v != "" {
		cfg.Generation.APIBase = v
	}
	if v := os.Getenv("TREELINE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TREELINE_AUTOSAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.AutosaveInterval = d
		}
	}
	if v := os.Getenv("TREELINE_FETCH_ENDPOINT"); v != "" {
		cfg.Ingest.FetchEndpoint = v
	}
	if v := os.Getenv("TREELINE_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.FetchTimeout = d
		}
	}
}
