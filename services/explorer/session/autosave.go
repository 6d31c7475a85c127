// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/treeline/services/explorer/events"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// DefaultAutosaveInterval is the snapshot cadence used when the config
// leaves it unset.
const DefaultAutosaveInterval = 10 * time.Second

// Autosaver persists a live tree at a fixed cadence.
//
// Description:
//
//	Subscribes to tree mutation events and marks the session dirty on
//	each one. A ticker goroutine snapshots and saves only when dirty, so
//	an idle session costs nothing. A final save runs on shutdown when
//	unsaved changes remain.
//
// Thread Safety: safe for concurrent use.
type Autosaver struct {
	store    *Store
	treeSt   *tree.Store
	emitter  *events.Emitter
	session  *Session
	interval time.Duration
	logger   *slog.Logger

	dirty  atomic.Bool
	subID  string
	doneCh chan struct{}
}

// NewAutosaver creates an autosaver for one session.
//
// Inputs:
//
//	store - The snapshot store.
//	treeSt - The live tree to snapshot.
//	emitter - Emits the mutation events that mark the session dirty.
//	sess - Identity and settings written into every snapshot. The Tree
//	       field is overwritten on each save.
//	interval - Snapshot cadence. Zero means DefaultAutosaveInterval.
func NewAutosaver(store *Store, treeSt *tree.Store, emitter *events.Emitter, sess *Session, interval time.Duration) *Autosaver {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	return &Autosaver{
		store:    store,
		treeSt:   treeSt,
		emitter:  emitter,
		session:  sess,
		interval: interval,
		logger:   slog.Default(),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, saving dirty snapshots on each tick
// and once more at shutdown.
func (a *Autosaver) Run(ctx context.Context) {
	defer close(a.doneCh)

	a.subID = a.emitter.Subscribe(func(*events.Event) {
		a.dirty.Store(true)
	},
		events.TypeNodeCreated,
		events.TypeNodeUpdated,
		events.TypeAnswerChunk,
		events.TypeNodeDeleted,
	)
	defer a.emitter.Unsubscribe(a.subID)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return
		case <-ticker.C:
			if a.dirty.Swap(false) {
				a.save()
			}
		}
	}
}

// Flush saves immediately when unsaved changes remain.
func (a *Autosaver) Flush() {
	if a.dirty.Swap(false) {
		a.save()
	}
}

// Done is closed when Run has exited.
func (a *Autosaver) Done() <-chan struct{} {
	return a.doneCh
}

func (a *Autosaver) save() {
	a.session.Tree = a.treeSt.Snapshot()
	a.session.Date = time.Now().UTC()
	if _, err := a.store.Save(a.session); err != nil {
		a.logger.Error("autosave failed",
			"session_id", a.session.ID,
			"error", err,
		)
		// Keep the dirty flag so the next tick retries.
		a.dirty.Store(true)
	}
}
