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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/treeline/pkg/logging"
	"github.com/AleutianAI/treeline/services/explorer/handlers"
	"github.com/AleutianAI/treeline/services/explorer/ingest"
	"github.com/AleutianAI/treeline/services/explorer/observability"
	"github.com/AleutianAI/treeline/services/explorer/routes"
	"github.com/AleutianAI/treeline/services/explorer/session"
	"github.com/AleutianAI/treeline/services/explorer/stream"
)

// runServe wires the full service and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) {
	logger := newLogger()
	logger.SetAsDefault()
	defer logger.Close()

	if parseLogLevel(logLevel) == logging.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.DefaultTracingConfig())
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		return
	}

	dbCfg := session.DefaultDBConfig(cfg.Storage.DataDir)
	dbCfg.Logger = logger.Slog()
	db, err := session.OpenDB(dbCfg)
	if err != nil {
		logger.Error("Failed to open session database", "error", err, "dir", cfg.Storage.DataDir)
		return
	}
	defer db.Close()
	sessions := session.NewStore(db)

	client, err := stream.NewOpenAIClient(stream.OpenAIConfig{
		BaseURL:           cfg.Generation.APIBase,
		Model:             cfg.Generation.Model,
		InactivityTimeout: cfg.Generation.InactivityTimeout,
	})
	if err != nil {
		logger.Error("Failed to create LLM client", "error", err)
		return
	}

	var webpages *ingest.WebpageClient
	if cfg.Ingest.FetchEndpoint != "" {
		webpages, err = ingest.NewWebpageClient(ingest.WebpageConfig{
			Endpoint: cfg.Ingest.FetchEndpoint,
			Timeout:  cfg.Ingest.FetchTimeout,
		})
		if err != nil {
			logger.Error("Failed to create webpage fetcher", "error", err)
			return
		}
		logger.Info("Webpage ingestion enabled", "endpoint", cfg.Ingest.FetchEndpoint)
	}

	metrics := observability.NewMetrics()
	mgr := handlers.NewManager(client, sessions, metrics, webpages, cfg)
	h := handlers.NewHandlers(mgr)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("treeline"))
	routes.Register(router, h, metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting treeline server",
			"address", srv.Addr,
			"model", cfg.Generation.Model,
			"data_dir", cfg.Storage.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	// Sessions first so in-flight generation aborts and autosavers flush
	// before the listener stops accepting the websocket drains.
	mgr.Shutdown(shutCtx)
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}
	if err := shutdownTracing(shutCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", "error", err)
	}
	logger.Info("Shutdown complete")
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:   parseLogLevel(logLevel),
		Service: "treeline",
		JSON:    logJSON,
	})
}

func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	case "info":
		return logging.LevelInfo
	default:
		log.Printf("Unknown log level %q, using info", s)
		return logging.LevelInfo
	}
}
