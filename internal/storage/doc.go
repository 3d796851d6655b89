// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage archives conversations in SQLite.
//
// The archive lets conversations outlive the in-memory session that owns
// them. It uses the pure Go modernc.org/sqlite driver in WAL mode and keeps
// at most DefaultMaxConversations rows, pruning the least recently updated.
// WithOnPrune reports pruned ids so an in-memory copy can follow.
//
// # Key Types
//
//   - Archive: the SQLite-backed conversation store
//   - Meta: listing metadata without message bodies
//
// # Usage
//
//	arc, err := storage.Open(filepath.Join(dir, "conversations.db"))
//	if err != nil {
//	    return err
//	}
//	defer arc.Close()
//
//	if err := arc.Save(ctx, conv); err != nil {
//	    return err
//	}
//	convs, err := arc.All(ctx)
package storage
