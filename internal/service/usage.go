// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"sync"
	"time"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
)

// UsageResetInterval is how long usage accumulates before it resets itself.
const UsageResetInterval = 24 * time.Hour

// UsageStats is the running request and token usage.
type UsageStats struct {
	Requests         int
	Errors           int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LastReset        time.Time
}

// Zero reports whether every counter is zero.
func (u UsageStats) Zero() bool {
	return u.Requests == 0 && u.Errors == 0 &&
		u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

type usageTracker struct {
	mu    sync.Mutex
	stats UsageStats
	now   func() time.Time
}

func newUsageTracker(now func() time.Time) *usageTracker {
	return &usageTracker{stats: UsageStats{LastReset: now()}, now: now}
}

// rollLocked resets the counters once a full interval has passed.
func (u *usageTracker) rollLocked() {
	now := u.now()
	if now.Sub(u.stats.LastReset) >= UsageResetInterval {
		u.stats = UsageStats{LastReset: now}
	}
}

func (u *usageTracker) record(usage cloud.Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked()
	u.stats.Requests++
	u.stats.PromptTokens += usage.PromptTokens
	u.stats.CompletionTokens += usage.CompletionTokens
	u.stats.TotalTokens += usage.TotalTokens
}

func (u *usageTracker) recordError() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked()
	u.stats.Errors++
}

func (u *usageTracker) snapshot() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked()
	return u.stats
}

func (u *usageTracker) reset() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats = UsageStats{LastReset: u.now()}
	return u.stats
}
