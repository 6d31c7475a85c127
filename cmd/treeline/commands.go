// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/treeline/services/explorer/config"
)

const version = "1.0.0"

// --- Global Command Variables ---
var (
	logLevel string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "treeline",
		Short: "An interactive explorer that grows LLM answers into a living mind map",
		Long: `Treeline streams answers from an LLM into a tree of questions,
speculatively expanding follow-up branches while you read. Sessions
persist locally; no data leaves your machine except model calls.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loaded, err := config.Load()
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
			cfg = loaded
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the treeline HTTP service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved exploration sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Run:   runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a saved session and its tree",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsDelete, // Defined in cmd_sessions.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the treeline version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("treeline", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(serveCmd, sessionsCmd, versionCmd)
}
