// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the HTTP transport to the chat-completion provider.
//
// Every request goes through the same pipeline: wait for the rate budget and
// the pacing limiter, attach credentials for the configured mode, send with a
// per-attempt timeout, refresh the budget from the x-ratelimit-* headers, and
// retry transient failures.
//
// # Key Types
//
//   - Client: the transport; Do, ChatCompletion, Ping
//   - RequestSpec / Result: one logical request and its successful response
//   - RateBudget: the request budget for the current window
//   - APIError: a non-2xx provider response
//
// # Retry Policy
//
//   - 429: sleep for Retry-After (seconds or HTTP date, default 60s)
//   - 5xx, timeouts, connection failures: min(1s*2^n, 30s) plus up to 1s jitter
//   - 401, 403 and other 4xx: returned immediately
//
// When every attempt fails the error wraps ErrRetriesExhausted.
//
// # Usage
//
//	client := cloud.New(cloud.OptionsFromConfig(cfg),
//	    cloud.WithCredentials(cloud.Credentials{APIKey: cfg.APIKey}),
//	    cloud.WithLogger(logger))
//	resp, err := client.ChatCompletion(ctx, cloud.ChatRequest{
//	    Model:    cfg.Model,
//	    Messages: []cloud.ChatMessage{cloud.NewUserMessage("Hello")},
//	})
//
// # Security
//
// API keys are never logged (only their fingerprint), the Authorization
// header is cleared after each request, TLS 1.2 is the minimum and response
// bodies are capped at MaxResponseSize.
package cloud
