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
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/treeline/services/explorer/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local-first service; the browser UI is served from localhost.
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleEventFeed handles GET /v1/sessions/:id/ws.
//
// Description:
//
//	Streams the session's event feed as JSON frames: first the replay
//	buffer (so a reconnecting client catches up on tree state), then
//	live events as they happen. A failed write tears the subscription
//	down; the emitter itself never blocks on a slow client because
//	writes are handed to a single writer goroutine over a buffered
//	channel, dropping the connection when the channel backs up.
func (h *Handlers) HandleEventFeed(c *gin.Context) {
	ls, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "SESSION_NOT_FOUND"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session_id", ls.ID, "error", err)
		return
	}
	defer ws.Close()

	logger := slog.With("session_id", ls.ID, "remote", ws.RemoteAddr().String())
	logger.Info("event feed connected")

	feed := make(chan *events.Event, 256)
	overflow := make(chan struct{})
	var once sync.Once

	// Subscribe before replaying so nothing emitted mid-replay is lost:
	// such events land in the feed channel and drain after the replay.
	// An event can appear in both the buffer and the subscription;
	// clients dedupe on event ID.
	subID := ls.Emitter.Subscribe(func(ev *events.Event) {
		select {
		case feed <- ev:
		default:
			// Slow client: better to drop the connection than to
			// stall or buffer unboundedly.
			once.Do(func() { close(overflow) })
		}
	})
	defer ls.Emitter.Unsubscribe(subID)

	for _, ev := range ls.Emitter.Buffer() {
		if err := ws.WriteJSON(ev); err != nil {
			logger.Info("event feed dropped during replay", "error", err)
			return
		}
	}

	// Reader goroutine only detects disconnects; the feed is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-feed:
			if err := ws.WriteJSON(ev); err != nil {
				logger.Info("event feed disconnected", "error", err)
				return
			}
		case <-overflow:
			logger.Warn("event feed dropped, client too slow")
			return
		case <-done:
			logger.Info("event feed closed by client")
			return
		}
	}
}
