// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/security"
)

// =============================================================================
// OPTIONS
// =============================================================================

// CredentialSink receives the credential set of the current session.
// *cloud.Client satisfies it.
type CredentialSink interface {
	SetCredentials(cloud.Credentials)
}

// Options configures a Manager.
type Options struct {
	Mode   config.Mode
	APIKey string

	// RefreshInterval is the sweep period.
	RefreshInterval time.Duration
	// RefreshThreshold is the time-to-expiry under which the sweep refreshes.
	RefreshThreshold time.Duration
	// DefaultLifetime applies when the server declares none.
	DefaultLifetime time.Duration
}

// OptionsFromConfig derives manager options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:             cfg.Mode,
		APIKey:           cfg.APIKey,
		RefreshInterval:  cfg.RefreshInterval(),
		RefreshThreshold: cfg.RefreshThreshold(),
		DefaultLifetime:  cfg.SessionLifetime(),
	}
}

func (o Options) normalized() Options {
	if o.Mode == "" {
		o.Mode = config.ModePublic
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = config.DefaultRefreshIntervalSecs * time.Second
	}
	if o.RefreshThreshold <= 0 {
		o.RefreshThreshold = config.DefaultRefreshThresholdSecs * time.Second
	}
	if o.DefaultLifetime <= 0 {
		o.DefaultLifetime = config.DefaultSessionLifetimeSecs * time.Second
	}
	return o
}

// Option customises a Manager.
type Option func(*Manager)

// WithSink sets the credential sink updated on every session change.
func WithSink(s CredentialSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrNop(l)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns sessions, their conversations and the refresh sweep.
// Methods are safe for concurrent use; the lock is never held while
// calling the sink or publishing events.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*record
	current  string

	sink    CredentialSink
	logger  *zap.Logger
	hub     *event.Hub
	now     func() time.Time
	refresh singleflight.Group

	stop context.CancelFunc
	done chan struct{}
}

// NewManager creates a manager with no sessions.
func NewManager(opts Options, options ...Option) *Manager {
	m := &Manager{
		opts:     opts.normalized(),
		sessions: make(map[string]*record),
		logger:   zap.NewNop(),
		hub:      event.NewHub("session"),
		now:      time.Now,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Subscribe registers an observer for session events.
func (m *Manager) Subscribe(o event.Observer) func() {
	return m.hub.Subscribe(o)
}

// Reconfigure replaces the options. The current session is kept; the sink
// is refreshed so a changed API key takes effect.
func (m *Manager) Reconfigure(opts Options) {
	m.mu.Lock()
	m.opts = opts.normalized()
	creds := m.credentialsLocked()
	m.mu.Unlock()
	m.push(creds)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate establishes an API-key session for identity and makes it
// current. The secret argument is accepted for parity with password login,
// which is not implemented, and is ignored.
func (m *Manager) Authenticate(ctx context.Context, identity, _ string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if m.opts.Mode != config.ModeAuthenticated {
		m.mu.Unlock()
		return Session{}, ErrWrongMode
	}
	if m.opts.APIKey == "" {
		m.mu.Unlock()
		return Session{}, ErrNotSupported
	}
	rec := m.newRecordLocked(KindAPIKey, identity, m.opts.DefaultLifetime)
	rec.apiKey = m.opts.APIKey
	snap, creds := m.activateLocked(rec)
	m.mu.Unlock()

	m.push(creds)
	m.logger.Info("session authenticated",
		zap.String("session_id", snap.ID),
		zap.String("kind", string(snap.Kind)),
		zap.String("key", security.Fingerprint(rec.apiKey)))
	m.hub.Emit(event.SessionCreated, map[string]any{"session_id": snap.ID, "kind": string(snap.Kind)})
	return snap, nil
}

// AdoptTokens registers a session from tokens obtained outside the adapter,
// such as a browser login stored in the configuration. lifetime <= 0 uses
// the default lifetime. Such sessions cannot be refreshed.
func (m *Manager) AdoptTokens(email string, tokens Tokens, lifetime time.Duration) (Session, error) {
	if tokens.Empty() {
		return Session{}, fmt.Errorf("adopt tokens: %w", ErrNotSupported)
	}

	m.mu.Lock()
	if m.opts.Mode != config.ModeAuthenticated {
		m.mu.Unlock()
		return Session{}, ErrWrongMode
	}
	if lifetime <= 0 {
		lifetime = m.opts.DefaultLifetime
	}
	rec := m.newRecordLocked(KindPassword, email, lifetime)
	rec.Tokens = tokens
	snap, creds := m.activateLocked(rec)
	m.mu.Unlock()

	m.push(creds)
	m.logger.Info("session adopted", zap.String("session_id", snap.ID))
	m.hub.Emit(event.SessionCreated, map[string]any{"session_id": snap.ID, "kind": string(snap.Kind)})
	return snap, nil
}

// StartAnonymous creates a non-expiring session so conversations have an
// owner in public mode.
func (m *Manager) StartAnonymous() Session {
	m.mu.Lock()
	rec := m.newRecordLocked(KindAnonymous, "", 0)
	snap, creds := m.activateLocked(rec)
	m.mu.Unlock()

	m.push(creds)
	m.logger.Debug("anonymous session started", zap.String("session_id", snap.ID))
	m.hub.Emit(event.SessionCreated, map[string]any{"session_id": snap.ID, "kind": string(snap.Kind)})
	return snap
}

func (m *Manager) newRecordLocked(kind Kind, email string, lifetime time.Duration) *record {
	now := m.now()
	rec := &record{
		Session: Session{
			ID:           uuid.NewString(),
			UserID:       email,
			Email:        email,
			Kind:         kind,
			State:        StateAuthenticating,
			CreatedAt:    now,
			LastActivity: now,
		},
		conversations: make(map[string]*Conversation),
	}
	if lifetime > 0 {
		rec.ExpiresAt = now.Add(lifetime)
	}
	return rec
}

func (m *Manager) activateLocked(rec *record) (Session, cloud.Credentials) {
	rec.State = StateActive
	m.sessions[rec.ID] = rec
	m.current = rec.ID
	return rec.snapshot(), m.credentialsLocked()
}

// credentialsLocked returns the credential set for the current session.
// Without one the configured API key is used.
func (m *Manager) credentialsLocked() cloud.Credentials {
	rec := m.sessions[m.current]
	if rec == nil {
		return cloud.Credentials{APIKey: m.opts.APIKey}
	}
	switch rec.Kind {
	case KindAPIKey:
		return cloud.Credentials{APIKey: rec.apiKey}
	case KindPassword:
		return cloud.Credentials{
			AccessToken:  rec.Tokens.AccessToken,
			SessionToken: rec.Tokens.SessionToken,
		}
	default:
		return cloud.Credentials{APIKey: m.opts.APIKey}
	}
}

func (m *Manager) push(creds cloud.Credentials) {
	if m.sink != nil {
		m.sink.SetCredentials(creds)
	}
}

// =============================================================================
// REFRESH
// =============================================================================

// RefreshSession refreshes the current session. API-key sessions bump their
// activity and slide their expiry; anonymous sessions only bump activity;
// token sessions fail with ErrRefreshUnsupported. Concurrent calls share
// one in-flight refresh.
func (m *Manager) RefreshSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	v, err, _ := m.refresh.Do("current", func() (any, error) {
		return m.refreshCurrent()
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (m *Manager) refreshCurrent() (Session, error) {
	m.mu.Lock()
	rec := m.sessions[m.current]
	if rec == nil {
		m.mu.Unlock()
		return Session{}, ErrNoActiveSession
	}
	now := m.now()
	switch rec.Kind {
	case KindAPIKey:
		rec.LastActivity = now
		rec.ExpiresAt = now.Add(m.opts.DefaultLifetime)
		rec.State = StateActive
	case KindAnonymous:
		rec.LastActivity = now
	default:
		rec.State = StateExpiring
		m.mu.Unlock()
		return Session{}, ErrRefreshUnsupported
	}
	snap := rec.snapshot()
	m.mu.Unlock()

	m.logger.Debug("session refreshed",
		zap.String("session_id", snap.ID),
		zap.Time("expires_at", snap.ExpiresAt))
	m.hub.Emit(event.SessionRefreshed, map[string]any{"session_id": snap.ID, "expires_at": snap.ExpiresAt})
	return snap, nil
}

// Sweep runs one pass of the background maintenance: it refreshes the
// current session when its time-to-expiry is under the threshold, then
// removes sessions that have already expired.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	due := false
	if rec := m.sessions[m.current]; rec != nil && !rec.ExpiresAt.IsZero() {
		left := rec.ExpiresAt.Sub(now)
		due = left > 0 && left < m.opts.RefreshThreshold
	}
	m.mu.Unlock()

	if due {
		if _, err := m.RefreshSession(ctx); err != nil {
			m.logger.Warn("session refresh failed", zap.Error(err))
		}
	}
	m.removeExpired(now)
}

func (m *Manager) removeExpired(now time.Time) {
	m.mu.Lock()
	var removed []string
	clearedCurrent := false
	for id, rec := range m.sessions {
		if !rec.Expired(now) {
			continue
		}
		delete(m.sessions, id)
		removed = append(removed, id)
		if id == m.current {
			m.current = ""
			clearedCurrent = true
		}
	}
	var creds cloud.Credentials
	if clearedCurrent {
		creds = m.credentialsLocked()
	}
	m.mu.Unlock()

	if clearedCurrent {
		m.push(creds)
	}
	sort.Strings(removed)
	for _, id := range removed {
		m.logger.Info("session expired", zap.String("session_id", id))
		m.hub.Emit(event.SessionExpired, map[string]any{"session_id": id, "current": clearedCurrent})
	}
}

// Start launches the sweep goroutine. It is a no-op if already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stop, m.done = cancel, done
	interval := m.opts.RefreshInterval
	m.mu.Unlock()

	go m.sweepLoop(ctx, interval, done)
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stop halts the sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// =============================================================================
// SESSION SET
// =============================================================================

// SwitchSession makes id current and pushes its credentials to the sink.
func (m *Manager) SwitchSession(id string) (Session, error) {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	prev := m.current
	m.current = id
	rec.LastActivity = m.now()
	snap := rec.snapshot()
	creds := m.credentialsLocked()
	m.mu.Unlock()

	m.push(creds)
	m.hub.Emit(event.SessionSwitched, map[string]any{"session_id": id, "previous": prev})
	return snap, nil
}

// Current returns the current session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.sessions[m.current]
	if rec == nil {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// Active reports whether a current session exists and has not expired.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.sessions[m.current]
	return rec != nil && !rec.Expired(m.now())
}

// Authenticated reports whether the current session was established by
// authentication rather than anonymously.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.sessions[m.current]
	return rec != nil && rec.Kind != KindAnonymous && !rec.Expired(m.now())
}

// Sessions returns every session, oldest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ClearSession removes id. Clearing the current session leaves none current.
func (m *Manager) ClearSession(id string) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	rec.State = StateCleared
	delete(m.sessions, id)
	wasCurrent := id == m.current
	if wasCurrent {
		m.current = ""
	}
	creds := m.credentialsLocked()
	m.mu.Unlock()

	if wasCurrent {
		m.push(creds)
	}
	m.hub.Emit(event.SessionCleared, map[string]any{"session_id": id})
	return nil
}

// ClearAll removes every session.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, rec := range m.sessions {
		rec.State = StateCleared
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*record)
	m.current = ""
	creds := m.credentialsLocked()
	m.mu.Unlock()

	m.push(creds)
	sort.Strings(ids)
	for _, id := range ids {
		m.hub.Emit(event.SessionCleared, map[string]any{"session_id": id})
	}
}
