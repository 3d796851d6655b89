// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks authenticated sessions and the conversations they own.
//
// A Manager holds zero or more sessions, exactly one of which is current.
// Conversation operations target the current session and keep its token
// total equal to the sum of its conversations' tokens.
//
// # Key Types
//
//   - Manager: session set, conversation store and refresh sweep
//   - Session: snapshot of one session (kind, tokens, expiry, totals)
//   - Conversation: ordered chat turns with token accounting
//   - CredentialSink: receives credentials on every session change
//
// # Usage
//
//	mgr := session.NewManager(session.OptionsFromConfig(cfg),
//	    session.WithSink(client), session.WithLogger(logger))
//	if _, err := mgr.Authenticate(ctx, email, password); err != nil {
//	    return err
//	}
//	mgr.Start(ctx)
//	defer mgr.Stop()
//
// # Refresh
//
// The sweep runs every RefreshInterval. When the current session's time to
// expiry falls under RefreshThreshold it is refreshed; sessions already past
// expiry are removed. Manual and timer refreshes share a single in-flight
// call.
package session
