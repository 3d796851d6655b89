// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate limit response headers. The "-requests" variants come first.
var (
	limitHeaders     = []string{"x-ratelimit-limit-requests", "x-ratelimit-limit"}
	remainingHeaders = []string{"x-ratelimit-remaining-requests", "x-ratelimit-remaining"}
	resetHeaders     = []string{"x-ratelimit-reset-requests", "x-ratelimit-reset"}
)

// RateBudget is a snapshot of the request budget for the current window.
type RateBudget struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Used returns the requests spent in the current window.
func (b RateBudget) Used() int {
	return b.Limit - b.Remaining
}

// budget tracks the request window. Remaining never goes below zero.
type budget struct {
	mu        sync.Mutex
	limit     int
	remaining int
	reset     time.Time
	window    time.Duration
}

func newBudget(limit int, window time.Duration) *budget {
	return &budget{limit: limit, remaining: limit, window: window}
}

func (b *budget) snapshot() RateBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RateBudget{Limit: b.limit, Remaining: b.remaining, Reset: b.reset}
}

// reserve rolls the window if it has passed and reports how long the caller
// must wait before sending. Zero means go.
func (b *budget) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reset.IsZero() || !now.Before(b.reset) {
		b.remaining = b.limit
		b.reset = now.Add(b.window)
	}
	if b.remaining > 0 {
		return 0
	}
	return b.reset.Sub(now)
}

// observe updates the budget from response headers, or spends one request
// locally when the server sent none.
func (b *budget) observe(h http.Header, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, ok := headerInt(h, remainingHeaders)
	if !ok {
		if b.remaining > 0 {
			b.remaining--
		}
		return
	}
	if limit, ok := headerInt(h, limitHeaders); ok && limit > 0 {
		b.limit = limit
	}
	b.remaining = max(0, min(remaining, b.limit))
	if reset, ok := headerReset(h, resetHeaders, now); ok {
		b.reset = reset
	}
}

func (b *budget) setLimit(limit int, window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
	b.window = window
	if b.remaining > limit {
		b.remaining = limit
	}
}

func (b *budget) exhausted(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining == 0 && now.Before(b.reset)
}

func headerInt(h http.Header, names []string) (int, bool) {
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// headerReset accepts a Go-style duration ("6m0s", "20ms"), seconds, or a
// unix timestamp.
func headerReset(h http.Header, names []string, now time.Time) (time.Time, bool) {
	for _, name := range names {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return now.Add(d), true
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if secs > 1e9 {
				return time.Unix(int64(secs), 0), true
			}
			return now.Add(time.Duration(secs * float64(time.Second))), true
		}
	}
	return time.Time{}, false
}

// =============================================================================
// BACKOFF
// =============================================================================

const (
	backoffBase = 1000 * time.Millisecond
	backoffMax  = 30000 * time.Millisecond

	// MaxJitter bounds the random delay added to every backoff.
	MaxJitter = 1000 * time.Millisecond
)

// Backoff returns the delay before retry number attempt (zero-based),
// without jitter: min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return backoffMax
	}
	return min(backoffBase<<uint(attempt), backoffMax)
}
