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
	"errors"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/treeline/services/explorer/session"
)

// openSessionStore opens the on-disk store the serve command uses.
// Badger holds an exclusive lock, so these commands fail while the
// server is running against the same data directory.
func openSessionStore() (*session.Store, func() error) {
	db, err := session.OpenDB(session.DefaultDBConfig(cfg.Storage.DataDir))
	if err != nil {
		log.Fatalf("Error opening session database at %s: %v", cfg.Storage.DataDir, err)
	}
	return session.NewStore(db), db.Close
}

func runSessionsList(cmd *cobra.Command, args []string) {
	store, closeDB := openSessionStore()
	defer closeDB()

	metas, err := store.List()
	if err != nil {
		log.Fatalf("Error listing sessions: %v", err)
	}
	if len(metas) == 0 {
		fmt.Println("No saved sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tNODES\tSAVED\tSEED QUERY")
	for _, m := range metas {
		seed := m.SeedQuery
		if len(seed) > 60 {
			seed = seed[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Name, m.NodeCount, m.Date.Format("2006-01-02 15:04"), seed)
	}
	w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, args []string) {
	store, closeDB := openSessionStore()
	defer closeDB()

	id := args[0]
	if err := store.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Fatalf("No session with ID %s", id)
		}
		log.Fatalf("Error deleting session %s: %v", id, err)
	}
	fmt.Println("Deleted session", id)
}
