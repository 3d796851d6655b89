// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownKind is returned by AddPattern for a kind outside the taxonomy.
var ErrUnknownKind = errors.New("unknown error kind")

// =============================================================================
// KEYWORD PATTERNS
// =============================================================================

// Pattern maps message keywords to a kind. Any keyword match triggers.
type Pattern struct {
	Keywords []string
	Kind     Kind
}

// Matcher classifies plain error messages by keyword. Patterns are tried
// in registration order and the first match wins, so more specific
// patterns must be added first.
type Matcher struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// NewMatcher creates a matcher with the default patterns.
func NewMatcher() *Matcher {
	m := &Matcher{}
	m.registerDefaultPatterns()
	return m
}

func (m *Matcher) registerDefaultPatterns() {
	m.patterns = []Pattern{
		{
			Kind:     KindNetwork,
			Keywords: []string{"network", "connection", "no such host", "dns", "unreachable", "econnrefused", "econnreset"},
		},
		{
			Kind:     KindTimeout,
			Keywords: []string{"timeout", "timed out", "deadline exceeded"},
		},
		{
			Kind:     KindAuthentication,
			Keywords: []string{"auth", "login", "credential", "unauthorized"},
		},
		{
			Kind:     KindConfiguration,
			Keywords: []string{"config", "setting"},
		},
		{
			Kind:     KindRateLimitExceeded,
			Keywords: []string{"rate limit", "rate_limit", "too many requests"},
		},
		{
			Kind:     KindQuotaExceeded,
			Keywords: []string{"quota", "billing"},
		},
		{
			Kind:     KindContentFilter,
			Keywords: []string{"content filter", "content_filter", "filtered"},
		},
	}
}

// AddPattern appends p after the existing patterns.
func (m *Matcher) AddPattern(p Pattern) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, p)
	return nil
}

// Match returns the kind of the first pattern matching msg, or KindUnknown.
func (m *Matcher) Match(msg string) Kind {
	if msg == "" {
		return KindUnknown
	}
	lower := strings.ToLower(msg)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patterns {
		for _, kw := range p.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return p.Kind
			}
		}
	}
	return KindUnknown
}
