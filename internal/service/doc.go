// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service is the adapter façade.
//
// A Service wires the config store, transport client, session manager,
// error classifier and optional conversation archive together and exposes
// the operations the command layer uses: Initialize, Authenticate, Chat,
// Status, configuration updates and backups, conversation management and
// Destroy.
//
// # Lifecycle
//
//	uninitialized -> initializing -> ready
//	                              \-> error
//	any -> destroyed
//
// # Key Types
//
//   - Service: the façade
//   - ChatOptions / ChatResponse: one chat turn
//   - Status: point-in-time view for display
//   - UsageStats: running token usage, reset daily
//
// # Usage
//
//	path, _ := config.DefaultPath()
//	store, err := config.NewStore(path, config.WithSecretKey(key))
//	if err != nil {
//	    return err
//	}
//	svc := service.New(store, service.WithLogger(logger))
//	if err := svc.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer svc.Destroy()
//
//	resp, err := svc.Chat(ctx, "Hello", service.ChatOptions{})
//
// # Events
//
// Subscribe receives the service's own lifecycle events (init, auth, chat)
// and every event published by the components it owns.
package service
