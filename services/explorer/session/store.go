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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/treeline/services/explorer/prompts"
	"github.com/AleutianAI/treeline/services/explorer/tree"
)

// keyPrefix namespaces session records in the shared database.
const keyPrefix = "session/"

// ErrNotFound is returned when a session ID does not exist.
var ErrNotFound = errors.New("session not found")

// Session is a full snapshot of one exploration.
//
// The Tree field carries every node verbatim, so a load restores answers,
// error states, and structure exactly as they were saved.
type Session struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Date      time.Time             `json:"date"`
	SeedQuery string                `json:"seedQuery"`
	Model     string                `json:"model"`
	Persona   prompts.Persona       `json:"persona"`
	Tree      map[string]*tree.Node `json:"tree"`
}

// Meta is the listing view of a session, cheap enough to return for
// every stored session at once.
type Meta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	SeedQuery string    `json:"seedQuery"`
	NodeCount int       `json:"nodeCount"`
}

// Store persists session snapshots in BadgerDB.
//
// Thread Safety: safe for concurrent use; Badger transactions provide
// isolation.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

// Save writes a session snapshot, assigning an ID and date if missing.
//
// Outputs:
//
//	string - The session ID (generated when the record had none).
//	error - Non-nil on serialization or storage failure.
func (s *Store) Save(sess *Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Date.IsZero() {
		sess.Date = time.Now().UTC()
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(sess.ID), payload)
	})
	if err != nil {
		return "", fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return sess.ID, nil
}

// Load reads one session snapshot.
//
// Outputs:
//
//	*Session - The stored snapshot.
//	error - ErrNotFound when the ID is unknown.
func (s *Store) Load(id string) (*Session, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns metadata for every stored session, newest first.
func (s *Store) List() ([]Meta, error) {
	var out []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sess Session
				if err := json.Unmarshal(val, &sess); err != nil {
					return err
				}
				out = append(out, Meta{
					ID:        sess.ID,
					Name:      sess.Name,
					Date:      sess.Date,
					SeedQuery: sess.SeedQuery,
					NodeCount: len(sess.Tree),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

// Delete removes a session snapshot.
//
// Outputs:
//
//	error - ErrNotFound when the ID is unknown.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key(id))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
