// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/treeline/services/explorer/ingest"
	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/session"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// Handlers serves the exploration API.
type Handlers struct {
	mgr *Manager
}

// NewHandlers creates handlers over a session manager.
func NewHandlers(mgr *Manager) *Handlers {
	return &Handlers{mgr: mgr}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// getOrCreateRequestID returns the X-Request-ID header or a fresh UUID.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// CreateSessionRequest is the body for POST /v1/sessions.
type CreateSessionRequest struct {
	Name      string           `json:"name"`
	SeedQuery string           `json:"seedQuery" binding:"required"`
	Persona   *prompts.Persona `json:"persona"`
}

// SessionResponse describes one live session.
type SessionResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	SeedQuery string                `json:"seedQuery"`
	RootID    string                `json:"rootId"`
	FocusedID string                `json:"focusedId,omitempty"`
	Running   bool                  `json:"running"`
	Completed int                   `json:"completed"`
	QueueLen  int                   `json:"queueLen"`
	Tree      map[string]*tree.Node `json:"tree,omitempty"`
}

func sessionResponse(ls *LiveSession, withTree bool) SessionResponse {
	resp := SessionResponse{
		ID:        ls.ID,
		Name:      ls.Name,
		SeedQuery: ls.SeedQuery,
		RootID:    ls.RootID,
		FocusedID: ls.Scheduler.FocusedID(),
		Running:   ls.Scheduler.Running(),
		Completed: ls.Scheduler.Completed(),
		QueueLen:  ls.Scheduler.QueueLen(),
	}
	if withTree {
		resp.Tree = ls.Store.Snapshot()
	}
	return resp
}

// HandleCreateSession handles POST /v1/sessions.
//
// Response:
//
//	201 Created: SessionResponse
//	400 Bad Request: missing seed query
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCreateSession")

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	persona := prompts.DefaultPersona()
	if req.Persona != nil {
		persona = *req.Persona
	}

	ls, err := h.mgr.Create(req.Name, req.SeedQuery, persona)
	if err != nil {
		logger.Error("Session creation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "CREATE_FAILED",
		})
		return
	}

	logger.Info("Session created", "session_id", ls.ID)
	c.JSON(http.StatusCreated, sessionResponse(ls, true))
}

// SessionListEntry is one row of GET /v1/sessions.
type SessionListEntry struct {
	session.Meta
	Live bool `json:"live"`
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleListSessions")

	metas, liveIDs, err := h.mgr.List()
	if err != nil {
		logger.Error("List failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_FAILED",
		})
		return
	}

	out := make([]SessionListEntry, 0, len(metas))
	for _, meta := range metas {
		out = append(out, SessionListEntry{Meta: meta, Live: liveIDs[meta.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// HandleGetSession handles GET /v1/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "session not found",
			Code:  "SESSION_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(ls, true))
}

// HandleOpenSession handles POST /v1/sessions/:id/open.
//
// Description:
//
//	Revives a persisted session: the snapshot tree becomes live again
//	and the work queue is rebuilt from its unresolved nodes. The
//	scheduler stays paused until the client resumes. Idempotent for an
//	already-live session.
//
// Response:
//
//	200 OK: SessionResponse with the restored tree
//	404 Not Found: no snapshot with that ID
func (h *Handlers) HandleOpenSession(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleOpenSession")

	id := c.Param("id")
	ls, err := h.mgr.Open(id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "session not found",
				Code:  "SESSION_NOT_FOUND",
			})
			return
		}
		logger.Error("Session open failed", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "OPEN_FAILED",
		})
		return
	}

	logger.Info("Session opened", "session_id", id)
	c.JSON(http.StatusOK, sessionResponse(ls, true))
}

// HandleDeleteSession handles DELETE /v1/sessions/:id.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleDeleteSession")

	id := c.Param("id")
	if err := h.mgr.Delete(id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "session not found",
				Code:  "SESSION_NOT_FOUND",
			})
			return
		}
		logger.Error("Delete failed", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "DELETE_FAILED",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePause handles POST /v1/sessions/:id/pause.
func (h *Handlers) HandlePause(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}
	ls.Scheduler.Pause()
	c.JSON(http.StatusOK, sessionResponse(ls, false))
}

// HandleResume handles POST /v1/sessions/:id/resume.
func (h *Handlers) HandleResume(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}
	ls.Scheduler.Resume()
	c.JSON(http.StatusOK, sessionResponse(ls, false))
}

// FocusRequest is the body for PUT /v1/sessions/:id/focus. An empty or
// absent node ID clears focus.
type FocusRequest struct {
	NodeID string `json:"nodeId"`
}

// HandleSetFocus handles PUT /v1/sessions/:id/focus.
func (h *Handlers) HandleSetFocus(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}

	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if req.NodeID != "" && !ls.Store.Exists(req.NodeID) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "node not found", Code: "NODE_NOT_FOUND"})
		return
	}

	ls.Scheduler.SetFocus(req.NodeID)
	c.JSON(http.StatusOK, sessionResponse(ls, false))
}

// HandleDeleteNode handles DELETE /v1/sessions/:id/nodes/:nodeId.
func (h *Handlers) HandleDeleteNode(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleDeleteNode")

	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}

	nodeID := c.Param("nodeId")
	removed := ls.Scheduler.DeleteBranch(nodeID)
	if len(removed) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "node not found", Code: "NODE_NOT_FOUND"})
		return
	}

	logger.Info("Branch deleted", "session_id", ls.ID, "node_id", nodeID, "removed", len(removed))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// AddNodeRequest is the body for POST /v1/sessions/:id/nodes.
//
// Kind selects the node type: "question" (text required), "file" (name
// and content required) or "webpage" (url required).
type AddNodeRequest struct {
	Kind     string `json:"kind" binding:"required"`
	ParentID string `json:"parentId" binding:"required"`
	Question string `json:"question"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
	URL      string `json:"url"`
}

// HandleAddNode handles POST /v1/sessions/:id/nodes.
func (h *Handlers) HandleAddNode(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleAddNode")

	var req AddNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	sessionID := c.Param("id")
	var node *tree.Node
	var err error
	switch req.Kind {
	case "question":
		node, err = h.mgr.AddQuestionNode(sessionID, req.ParentID, req.Question)
	case "file":
		node, err = h.mgr.AddFileNode(sessionID, req.ParentID, req.Name, req.MimeType, []byte(req.Content))
	case "webpage":
		node, err = h.mgr.AddWebpageNode(sessionID, req.ParentID, req.URL)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown node kind", Code: "INVALID_KIND"})
		return
	}

	if err != nil {
		status := http.StatusBadRequest
		code := "ADD_NODE_FAILED"

		var tooLarge *ingest.FileTooLargeError
		var unsupported *ingest.UnsupportedFileError
		switch {
		case errors.Is(err, ErrSessionNotFound):
			status = http.StatusNotFound
			code = "SESSION_NOT_FOUND"
		case errors.Is(err, ErrWebpagesDisabled):
			status = http.StatusNotImplemented
			code = "WEBPAGES_DISABLED"
		case errors.As(err, &tooLarge):
			status = http.StatusRequestEntityTooLarge
			code = "FILE_TOO_LARGE"
		case errors.As(err, &unsupported):
			status = http.StatusUnsupportedMediaType
			code = "UNSUPPORTED_FILE"
		case tree.IsDuplicate(err):
			status = http.StatusConflict
			code = "DUPLICATE_NODE"
		}

		logger.Warn("Add node failed", "session_id", sessionID, "kind", req.Kind, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusCreated, node)
}

// GenerateRequest is the body for POST /v1/sessions/:id/nodes/:nodeId/generate.
type GenerateRequest struct {
	Retry bool `json:"retry"`
}

// HandleGenerateNode handles explicit generation triggers: user-authored
// nodes and retries of failed nodes.
func (h *Handlers) HandleGenerateNode(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}

	nodeID := c.Param("nodeId")
	if !ls.Store.Exists(nodeID) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "node not found", Code: "NODE_NOT_FOUND"})
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	if !ls.Scheduler.Trigger(nodeID, req.Retry) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "node is already queued or processed",
			Code:  "ALREADY_PROCESSED",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"nodeId": nodeID, "queued": true})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
