// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package recovery classifies failures into a closed set of kinds and
// derives recovery actions for them.
//
// Classification order: provider responses (*cloud.APIError) by status and
// code, sentinel errors from the config and session packages, transport
// failures (timeouts, DNS, refused connections), then keyword inspection of
// the message. Anything left over is KindUnknown.
//
// # Key Types
//
//   - Classifier: classifies errors and keeps a bounded history
//   - Error: a classified failure carrying kind, actions and a user message
//   - Action: a ranked remediation step, automatic or manual
//   - Matcher: ordered keyword patterns, first match wins
//
// # Usage
//
//	rc := recovery.New(recovery.WithLogger(logger))
//	if err != nil {
//	    rerr := rc.Classify(err, map[string]any{"op": "chat"})
//	    if rerr.ShouldRetry() {
//	        // retry once
//	    }
//	    fmt.Println(rerr.UserMessage)
//	}
package recovery
