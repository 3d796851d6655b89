// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
)

// =============================================================================
// HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sinkRecorder struct {
	mu  sync.Mutex
	got []cloud.Credentials
}

func (s *sinkRecorder) SetCredentials(c cloud.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, c)
}

func (s *sinkRecorder) last() cloud.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return cloud.Credentials{}
	}
	return s.got[len(s.got)-1]
}

func authOptions() Options {
	return Options{Mode: config.ModeAuthenticated, APIKey: "sk-test-key"}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeClock, *sinkRecorder, *event.Recorder) {
	t.Helper()
	clock := newFakeClock()
	sink := &sinkRecorder{}
	rec := &event.Recorder{}
	m := NewManager(opts, WithClock(clock.Now), WithSink(sink))
	m.Subscribe(rec)
	return m, clock, sink, rec
}

// =============================================================================
// AUTHENTICATION TESTS
// =============================================================================

func TestAuthenticate_WrongMode(t *testing.T) {
	m, _, _, _ := newTestManager(t, Options{Mode: config.ModePublic, APIKey: "sk-x"})

	_, err := m.Authenticate(context.Background(), "a@b.c", "pw")
	assert.ErrorIs(t, err, ErrWrongMode)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestAuthenticate_NoKeyNotSupported(t *testing.T) {
	m, _, _, _ := newTestManager(t, Options{Mode: config.ModeAuthenticated})

	_, err := m.Authenticate(context.Background(), "a@b.c", "pw")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestAuthenticate_APIKey(t *testing.T) {
	m, clock, sink, rec := newTestManager(t, authOptions())

	s, err := m.Authenticate(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, KindAPIKey, s.Kind)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, "a@b.c", s.Email)
	assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, s.ID, cur.ID)
	assert.True(t, m.Authenticated())
	assert.Equal(t, cloud.Credentials{APIKey: "sk-test-key"}, sink.last())
	assert.Equal(t, 1, rec.Count(event.SessionCreated))
}

func TestAuthenticate_CanceledContext(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Authenticate(ctx, "a@b.c", "pw")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdoptTokens(t *testing.T) {
	m, clock, sink, _ := newTestManager(t, Options{Mode: config.ModeAuthenticated})

	_, err := m.AdoptTokens("a@b.c", Tokens{}, 0)
	assert.ErrorIs(t, err, ErrNotSupported)

	s, err := m.AdoptTokens("a@b.c", Tokens{AccessToken: "at", SessionToken: "st"}, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, KindPassword, s.Kind)
	assert.Equal(t, clock.Now().Add(10*time.Minute), s.ExpiresAt)
	assert.Equal(t, cloud.Credentials{AccessToken: "at", SessionToken: "st"}, sink.last())
}

func TestStartAnonymous(t *testing.T) {
	m, _, sink, _ := newTestManager(t, Options{Mode: config.ModePublic, APIKey: "sk-pub"})

	s := m.StartAnonymous()
	assert.Equal(t, KindAnonymous, s.Kind)
	assert.True(t, s.ExpiresAt.IsZero())
	assert.Equal(t, time.Duration(-1), s.TimeToExpiry(time.Now()))
	assert.True(t, m.Active())
	assert.False(t, m.Authenticated())
	assert.Equal(t, cloud.Credentials{APIKey: "sk-pub"}, sink.last())
}

// =============================================================================
// REFRESH TESTS
// =============================================================================

func TestRefreshSession_APIKeySlidesExpiry(t *testing.T) {
	m, clock, _, rec := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	s, err := m.RefreshSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, clock.Now(), s.LastActivity)
	assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, 1, rec.Count(event.SessionRefreshed))
}

func TestRefreshSession_TokenSessionUnsupported(t *testing.T) {
	m, _, _, _ := newTestManager(t, Options{Mode: config.ModeAuthenticated})
	_, err := m.AdoptTokens("", Tokens{AccessToken: "at"}, 0)
	require.NoError(t, err)

	_, err = m.RefreshSession(context.Background())
	assert.ErrorIs(t, err, ErrRefreshUnsupported)

	cur, _ := m.Current()
	assert.Equal(t, StateExpiring, cur.State)
}

func TestRefreshSession_NoSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())

	_, err := m.RefreshSession(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestRefreshSession_Concurrent(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RefreshSession(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

// =============================================================================
// SWEEP TESTS
// =============================================================================

func TestSweep_RefreshesSessionNearExpiry(t *testing.T) {
	m, clock, _, rec := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)

	// Four minutes left, under the five minute threshold.
	clock.Advance(56 * time.Minute)
	m.Sweep(context.Background())

	assert.Equal(t, 1, rec.Count(event.SessionRefreshed))
	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Hour), cur.ExpiresAt)
}

func TestSweep_NotDueOutsideThreshold(t *testing.T) {
	m, clock, _, rec := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	m.Sweep(context.Background())

	assert.Zero(t, rec.Count(event.SessionRefreshed))
}

func TestSweep_RemovesExpiredSessions(t *testing.T) {
	m, clock, sink, rec := newTestManager(t, Options{Mode: config.ModeAuthenticated, APIKey: ""})
	s, err := m.AdoptTokens("a@b.c", Tokens{AccessToken: "at"}, 10*time.Minute)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	m.Sweep(context.Background())

	_, ok := m.Current()
	assert.False(t, ok)
	assert.Empty(t, m.Sessions())
	assert.Equal(t, cloud.Credentials{}, sink.last())
	require.Equal(t, 1, rec.Count(event.SessionExpired))
	for _, e := range rec.Events() {
		if e.Kind == event.SessionExpired {
			assert.Equal(t, s.ID, e.Attr("session_id"))
		}
	}
}

func TestStartStop_SweepLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := authOptions()
	opts.RefreshInterval = 5 * time.Millisecond
	m, clock, _, rec := newTestManager(t, opts)
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)
	clock.Advance(56 * time.Minute)

	m.Start(context.Background())
	m.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool {
		return rec.Count(event.SessionRefreshed) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

// =============================================================================
// SESSION SET TESTS
// =============================================================================

func TestSwitchSession(t *testing.T) {
	m, _, sink, rec := newTestManager(t, authOptions())
	first, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)
	second, err := m.AdoptTokens("x@y.z", Tokens{AccessToken: "at2"}, 0)
	require.NoError(t, err)

	_, err = m.SwitchSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := m.SwitchSession(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, cloud.Credentials{APIKey: "sk-test-key"}, sink.last())

	_, err = m.SwitchSession(second.ID)
	require.NoError(t, err)
	assert.Equal(t, cloud.Credentials{AccessToken: "at2"}, sink.last())
	assert.Equal(t, 2, rec.Count(event.SessionSwitched))
	assert.Len(t, m.Sessions(), 2)
}

func TestClearSession(t *testing.T) {
	m, _, _, rec := newTestManager(t, authOptions())
	s, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.ClearSession("missing"), ErrSessionNotFound)
	require.NoError(t, m.ClearSession(s.ID))

	_, ok := m.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, rec.Count(event.SessionCleared))
}

func TestClearAll(t *testing.T) {
	m, _, sink, rec := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)
	m.StartAnonymous()

	m.ClearAll()
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 2, rec.Count(event.SessionCleared))
	assert.Equal(t, cloud.Credentials{APIKey: "sk-test-key"}, sink.last())
}

func TestReconfigurePushesNewKey(t *testing.T) {
	m, _, sink, _ := newTestManager(t, Options{Mode: config.ModePublic, APIKey: "old"})
	m.StartAnonymous()

	m.Reconfigure(Options{Mode: config.ModePublic, APIKey: "new"})
	assert.Equal(t, cloud.Credentials{APIKey: "new"}, sink.last())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "sk"
	opts := OptionsFromConfig(cfg)

	assert.Equal(t, config.ModePublic, opts.Mode)
	assert.Equal(t, "sk", opts.APIKey)
	assert.Equal(t, time.Minute, opts.RefreshInterval)
	assert.Equal(t, 5*time.Minute, opts.RefreshThreshold)
	assert.Equal(t, time.Hour, opts.DefaultLifetime)
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_NoSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())

	_, err := m.AddConversation(NewConversation("t", "m"))
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Nil(t, m.Conversations())
}

func TestConversation_ExpiredSession(t *testing.T) {
	m, clock, _, _ := newTestManager(t, authOptions())
	_, err := m.Authenticate(context.Background(), "a@b.c", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = m.AddConversation(NewConversation("t", "m"))
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestConversation_TokenAccounting(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	m.StartAnonymous()

	a := NewConversation("a", "m")
	a.TotalTokens = 100
	b := NewConversation("b", "m")
	b.TotalTokens = 50

	_, err := m.AddConversation(a)
	require.NoError(t, err)
	_, err = m.AddConversation(b)
	require.NoError(t, err)
	assert.Equal(t, 150, m.TotalTokens())

	a.TotalTokens = 120
	require.NoError(t, m.UpdateConversation(a))
	assert.Equal(t, 170, m.TotalTokens())

	deleted, err := m.DeleteConversation(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, deleted.TotalTokens)
	assert.Equal(t, 120, m.TotalTokens())

	_, err = m.DeleteConversation(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalTokens())

	_, err = m.DeleteConversation(a.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, m.UpdateConversation(a), ErrConversationNotFound)
}

func TestConversation_DeleteNeverBelowZero(t *testing.T) {
	m, _, _, rec := newTestManager(t, authOptions())
	m.StartAnonymous()

	c := NewConversation("a", "m")
	c.TotalTokens = 40
	_, err := m.AddConversation(c)
	require.NoError(t, err)

	// Drift the session total below the conversation's count.
	m.mu.Lock()
	m.sessions[m.current].TotalTokens = 10
	m.mu.Unlock()

	_, err = m.DeleteConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalTokens())
	assert.Equal(t, 1, rec.Count(event.ConversationDeleted))
	assert.Zero(t, clampTokens(-5))
}

func TestConversation_DuplicateID(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	m.StartAnonymous()

	c := NewConversation("a", "m")
	_, err := m.AddConversation(c)
	require.NoError(t, err)
	_, err = m.AddConversation(c)
	assert.True(t, errors.Is(err, ErrConversationExists))
}

func TestConversation_DeepCopies(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	m.StartAnonymous()

	c := NewConversation("a", "m")
	c.Append("user", "hello", time.Now())
	stored, err := m.AddConversation(c)
	require.NoError(t, err)

	stored.Messages[0].Content = "mutated"
	c.Messages[0].Content = "mutated too"

	got, err := m.Conversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestConversations_NewestFirst(t *testing.T) {
	m, _, _, _ := newTestManager(t, authOptions())
	m.StartAnonymous()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		title  string
		offset time.Duration
	}{
		{"old", 0},
		{"new", 2 * time.Hour},
		{"mid", time.Hour},
	} {
		c := NewConversation(tc.title, "m")
		c.UpdatedAt = base.Add(tc.offset)
		_, err := m.AddConversation(c)
		require.NoError(t, err)
	}

	var titles []string
	for _, c := range m.Conversations() {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, titles)

	cur, _ := m.Current()
	assert.Equal(t, 3, cur.ConversationCount)
}
