// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the exploration API onto a gin router.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/treeline/services/explorer/handlers"
)

// Register registers all exploration routes.
//
// Description:
//
//	Mounts the session API under /v1 plus the operational endpoints at
//	the root. The metrics handler is optional.
//
// Endpoints:
//
//	POST   /v1/sessions - Seed a new exploration
//	GET    /v1/sessions - List sessions
//	GET    /v1/sessions/:id - Session state with full tree
//	POST   /v1/sessions/:id/open - Revive a persisted session
//	DELETE /v1/sessions/:id - Destroy a session and its snapshot
//	POST   /v1/sessions/:id/pause - Pause generation
//	POST   /v1/sessions/:id/resume - Resume with a fresh budget
//	PUT    /v1/sessions/:id/focus - Focus a branch (empty body clears)
//	POST   /v1/sessions/:id/nodes - Attach a question/file/webpage node
//	DELETE /v1/sessions/:id/nodes/:nodeId - Delete a branch
//	POST   /v1/sessions/:id/nodes/:nodeId/generate - Explicit trigger / retry
//	GET    /v1/sessions/:id/ws - Websocket event feed
//	GET    /health - Liveness check
//	GET    /metrics - Prometheus exposition (when metricsHandler set)
func Register(router *gin.Engine, h *handlers.Handlers, metricsHandler http.Handler) {
	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.HandleCreateSession)
			sessions.GET("", h.HandleListSessions)
			sessions.GET("/:id", h.HandleGetSession)
			sessions.POST("/:id/open", h.HandleOpenSession)
			sessions.DELETE("/:id", h.HandleDeleteSession)

			sessions.POST("/:id/pause", h.HandlePause)
			sessions.POST("/:id/resume", h.HandleResume)
			sessions.PUT("/:id/focus", h.HandleSetFocus)

			sessions.POST("/:id/nodes", h.HandleAddNode)
			sessions.DELETE("/:id/nodes/:nodeId", h.HandleDeleteNode)
			sessions.POST("/:id/nodes/:nodeId/generate", h.HandleGenerateNode)

			sessions.GET("/:id/ws", h.HandleEventFeed)
		}
	}

	router.GET("/health", h.HandleHealth)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
}
