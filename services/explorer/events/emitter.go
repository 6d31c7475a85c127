// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter determines whether an event should reach a handler.
type Filter func(event *Event) bool

// subscription pairs a handler with its filters.
type subscription struct {
	id      string
	handler Handler
	filter  Filter
	types   []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded replay
// buffer so late-joining websocket clients can catch up.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
	sessionID     string
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithBufferSize sets the replay buffer size. Default is 1000.
func WithBufferSize(size int) Option {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithSessionID stamps every emitted event with a session ID.
func WithSessionID(id string) Option {
	return func(e *Emitter) {
		e.sessionID = id
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		bufferSize:    1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given event types.
//
// Inputs:
//
//	handler - Function called for each matching event.
//	types - Event types to receive (none = all types).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with an additional custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		types:   types,
	}
	e.subscriptions[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Creates the event, appends it to the replay buffer (evicting the
//	oldest entry when full), then invokes matching handlers. Handler
//	panics are recovered so one misbehaving subscriber cannot take down
//	the emitter or starve other subscribers.
//
// Inputs:
//
//	eventType - The kind of event.
//	data - Type-specific payload (use the typed structs from types.go).
//
// Thread Safety: safe for concurrent use.
func (e *Emitter) Emit(eventType Type, data any) {
	e.mu.RLock()
	sessionID := e.sessionID
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	e.mu.Unlock()

	for _, sub := range subs {
		if e.shouldHandle(sub, &event) {
			e.safeInvoke(sub.handler, &event)
		}
	}
}

// safeInvoke calls a handler with panic recovery.
func (e *Emitter) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle applies type and custom filters.
func (e *Emitter) shouldHandle(sub *subscription, event *Event) bool {
	if len(sub.types) > 0 {
		match := false
		for _, t := range sub.types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.filter != nil && !sub.filter(event) {
		return false
	}
	return true
}

// Buffer returns a copy of the replay buffer.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferSince returns buffered events newer than the given time.
func (e *Emitter) BufferSince(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset clears all subscriptions and the replay buffer.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
}
