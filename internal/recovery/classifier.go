// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/session"
)

// DefaultHistorySize is the default capacity of the error history.
const DefaultHistorySize = 100

// =============================================================================
// CLASSIFIER
// =============================================================================

// Option customises a Classifier.
type Option func(*Classifier)

// WithCapacity sets the history capacity. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		c.logger = logging.OrNop(l)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMatcher replaces the keyword matcher.
func WithMatcher(m *Matcher) Option {
	return func(c *Classifier) {
		if m != nil {
			c.matcher = m
		}
	}
}

// Classifier turns errors into *Error records and keeps a bounded history.
type Classifier struct {
	mu       sync.Mutex
	ring     []*Error
	next     int
	full     bool
	capacity int

	matcher *Matcher
	logger  *zap.Logger
	hub     *event.Hub
	now     func() time.Time
}

// New creates a classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		capacity: DefaultHistorySize,
		matcher:  NewMatcher(),
		logger:   zap.NewNop(),
		hub:      event.NewHub("recovery"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.ring = make([]*Error, c.capacity)
	return c
}

// Subscribe registers an observer for error.classified events.
func (c *Classifier) Subscribe(o event.Observer) func() {
	return c.hub.Subscribe(o)
}

// Classify converts err into an *Error, records it and returns it. details
// is attached to the record. A nil err returns nil. An err that is already
// an *Error is returned unchanged and not recorded again.
func (c *Classifier) Classify(err error, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	kind, status := c.kindOf(err)
	rec := &Error{
		Kind:        kind,
		Message:     err.Error(),
		UserMessage: UserMessage(kind),
		Details:     cloneDetails(details),
		Retryable:   kind.Retryable(),
		Status:      status,
		Timestamp:   c.now(),
		Actions:     ActionsFor(kind),
		cause:       err,
	}
	c.record(rec)

	c.logger.Warn("error classified",
		zap.String("kind", string(kind)),
		zap.Bool("retryable", rec.Retryable),
		zap.Int("status", status),
		zap.Error(err))
	c.hub.Emit(event.ErrorClassified, map[string]any{
		"kind":      string(kind),
		"retryable": rec.Retryable,
		"status":    status,
	})
	return rec
}

// Kind classifies err without recording it.
func (c *Classifier) Kind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing.Kind
	}
	k, _ := c.kindOf(err)
	return k
}

// kindOf applies the rules in order: provider status, package sentinels,
// transport failures, then message keywords.
func (c *Classifier) kindOf(err error) (Kind, int) {
	var apiErr *cloud.APIError
	if errors.As(err, &apiErr) {
		return kindForAPIError(apiErr), apiErr.Status
	}
	if k, ok := kindForSentinel(err); ok {
		return k, 0
	}
	if k, ok := kindForTransport(err); ok {
		return k, 0
	}
	return c.matcher.Match(err.Error()), 0
}

func kindForAPIError(e *cloud.APIError) Kind {
	code := strings.ToLower(e.Code + " " + e.Type)
	switch {
	case strings.Contains(code, "content_filter"):
		return KindContentFilter
	case strings.Contains(code, "content_policy"):
		return KindPolicyViolation
	case strings.Contains(code, "insufficient_quota"):
		return KindQuotaExceeded
	case strings.Contains(code, "invalid_api_key"):
		return KindInvalidCredentials
	}

	switch s := e.Status; {
	case s == http.StatusBadRequest:
		return KindInvalidRequest
	case s == http.StatusUnauthorized:
		return KindAuthentication
	case s == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case s == http.StatusForbidden:
		return KindAccessDenied
	case s == http.StatusTooManyRequests:
		return KindRateLimitExceeded
	case s == http.StatusServiceUnavailable && strings.Contains(strings.ToLower(e.Message), "maintenance"):
		return KindMaintenance
	case s >= 500:
		return KindServiceUnavailable
	default:
		return KindAPI
	}
}

func kindForSentinel(err error) (Kind, bool) {
	var verrs config.ValidateErrors
	switch {
	case errors.As(err, &verrs):
		return KindInvalidConfig, true
	case errors.Is(err, config.ErrSecretKeyRequired):
		return KindConfiguration, true
	case errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrNoActiveSession):
		return KindSessionExpired, true
	case errors.Is(err, session.ErrNotSupported):
		return KindAuthentication, true
	case errors.Is(err, session.ErrWrongMode):
		return KindConfiguration, true
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrConversationNotFound):
		return KindInvalidRequest, true
	case errors.Is(err, cloud.ErrEmptyResponse),
		errors.Is(err, cloud.ErrResponseTooLarge):
		return KindAPI, true
	case errors.Is(err, cloud.ErrResponseInterrupted):
		return KindConnection, true
	}
	return "", false
}

func kindForTransport(err error) (Kind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return KindNetwork, true
	}
	return "", false
}

func cloneDetails(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// =============================================================================
// HISTORY
// =============================================================================

func (c *Classifier) record(e *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = e
	c.next = (c.next + 1) % c.capacity
	if c.next == 0 {
		c.full = true
	}
}

// History returns the recorded errors, oldest first.
func (c *Classifier) History() []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.full {
		return append([]*Error(nil), c.ring[:c.next]...)
	}
	out := make([]*Error, 0, c.capacity)
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Len returns the number of recorded errors.
func (c *Classifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return c.capacity
	}
	return c.next
}

// ClearHistory drops every recorded error.
func (c *Classifier) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = make([]*Error, c.capacity)
	c.next = 0
	c.full = false
}

// Stats summarises the history.
type Stats struct {
	Total          int
	ByKind         map[Kind]int
	MostCommon     Kind
	RetryableRatio float64
}

// Stats computes statistics over the current history. Ties for MostCommon
// go to the kind declared first.
func (c *Classifier) Stats() Stats {
	hist := c.History()
	st := Stats{Total: len(hist), ByKind: make(map[Kind]int)}
	if len(hist) == 0 {
		return st
	}

	retryable := 0
	for _, e := range hist {
		st.ByKind[e.Kind]++
		if e.Retryable {
			retryable++
		}
	}
	best := 0
	for _, k := range allKinds {
		if n := st.ByKind[k]; n > best {
			best = n
			st.MostCommon = k
		}
	}
	st.RetryableRatio = float64(retryable) / float64(len(hist))
	return st
}
