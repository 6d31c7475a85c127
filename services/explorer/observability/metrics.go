// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes Prometheus metrics for the exploration
// engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/treeline/services/explorer/events"
)

// Metrics holds the engine's Prometheus collectors.
//
// Each server owns one Metrics on its own registry, so tests never
// collide on the default global registry.
//
// Thread Safety: safe for concurrent use; Prometheus collectors are
// internally synchronized.
type Metrics struct {
	registry *prometheus.Registry

	nodesGenerated prometheus.Counter
	nodesDeleted   prometheus.Counter
	answerChunks   prometheus.Counter
	streamErrors   *prometheus.CounterVec
	activeSessions prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		nodesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "treeline_nodes_generated_total",
			Help: "Nodes whose generation completed, across all sessions.",
		}),
		nodesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "treeline_nodes_deleted_total",
			Help: "Nodes removed by branch deletion, descendants included.",
		}),
		answerChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "treeline_answer_chunks_total",
			Help: "Answer chunks appended across all streams.",
		}),
		streamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treeline_stream_errors_total",
			Help: "Terminal node generation failures by phase.",
		}, []string{"phase"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "treeline_active_sessions",
			Help: "Sessions currently loaded in memory.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treeline_queue_depth",
			Help: "Unresolved nodes queued for generation, per session.",
		}, []string{"session"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the collectors to a session's event stream.
//
// Outputs:
//
//	string - The subscription ID, for Unsubscribe on session teardown.
func (m *Metrics) Observe(emitter *events.Emitter) string {
	return emitter.Subscribe(func(ev *events.Event) {
		switch ev.Type {
		case events.TypeGenerationComplete:
			m.nodesGenerated.Inc()
		case events.TypeAnswerChunk:
			m.answerChunks.Inc()
		case events.TypeNodeDeleted:
			if data, ok := ev.Data.(events.DeleteData); ok {
				m.nodesDeleted.Add(float64(len(data.Removed)))
			}
		case events.TypeNodeError:
			phase := "unknown"
			if data, ok := ev.Data.(events.ErrorData); ok && data.Phase != "" {
				phase = data.Phase
			}
			m.streamErrors.WithLabelValues(phase).Inc()
		}
	},
		events.TypeGenerationComplete,
		events.TypeAnswerChunk,
		events.TypeNodeDeleted,
		events.TypeNodeError,
	)
}

// SessionOpened records a session coming into memory.
func (m *Metrics) SessionOpened() {
	m.activeSessions.Inc()
}

// SessionClosed records a session leaving memory and drops its queue
// gauge.
func (m *Metrics) SessionClosed(sessionID string) {
	m.activeSessions.Dec()
	m.queueDepth.DeleteLabelValues(sessionID)
}

// SetQueueDepth records a session's current queue depth.
func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	m.queueDepth.WithLabelValues(sessionID).Set(float64(depth))
}
