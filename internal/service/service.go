// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/recovery"
	"github.com/jeranaias/rigrun-adapter/internal/session"
	"github.com/jeranaias/rigrun-adapter/internal/storage"
)

// =============================================================================
// STATE
// =============================================================================

// State is the service lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateError         State = "error"
	StateDestroyed     State = "destroyed"
)

var (
	// ErrNotReady is returned by operations that need a successful Initialize.
	ErrNotReady = errors.New("service not initialized")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("service destroyed")

	// ErrDisabled is returned by Chat when the adapter is disabled in config.
	ErrDisabled = errors.New("adapter is disabled")

	// ErrEmptyMessage is returned by Chat for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger. Child components log under named loggers.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logging.OrNop(l)
	}
}

// WithClock replaces time.Now for sessions, usage and error timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper replaces the wait before the application-level retry.
func WithSleeper(sl cloud.Sleeper) Option {
	return func(s *Service) {
		if sl != nil {
			s.sleep = sl
		}
	}
}

// WithHTTPClient sets the HTTP client used by the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		s.transportOpts = append(s.transportOpts, cloud.WithHTTPClient(hc))
	}
}

// WithTransportOptions appends options for the transport client.
func WithTransportOptions(opts ...cloud.Option) Option {
	return func(s *Service) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// WithArchiveOptions appends options for the conversation archive.
func WithArchiveOptions(opts ...storage.Option) Option {
	return func(s *Service) {
		s.archiveOpts = append(s.archiveOpts, opts...)
	}
}

// WithConfigWatch reloads the configuration when its file changes on disk.
func WithConfigWatch() Option {
	return func(s *Service) { s.watch = true }
}

// =============================================================================
// SERVICE
// =============================================================================

// Service composes the config store, transport, session manager, error
// classifier and conversation archive behind one façade.
type Service struct {
	store         *config.Store
	logger        *zap.Logger
	hub           *event.Hub
	now           func() time.Time
	sleep         cloud.Sleeper
	transportOpts []cloud.Option
	archiveOpts   []storage.Option
	watch         bool

	recovery *recovery.Classifier
	usage    *usageTracker

	mu       sync.Mutex
	state    State
	initErr  error
	cfg      *config.Config
	client   *cloud.Client
	sessions *session.Manager
	archive  *storage.Archive
	unsubs   []func()
	cancel   context.CancelFunc
}

// New creates a service around store. Call Initialize before use.
func New(store *config.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		hub:    event.NewHub("service"),
		now:    time.Now,
		sleep:  sleepContext,
		state:  StateUninitialized,
	}
	for _, o := range opts {
		o(s)
	}
	s.recovery = recovery.New(
		recovery.WithLogger(s.logger.Named("recovery")),
		recovery.WithClock(s.now))
	s.usage = newUsageTracker(s.now)
	s.unsubs = append(s.unsubs,
		s.recovery.Subscribe(s.hub.Forward()),
		s.store.Subscribe(s.hub.Forward()))
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe registers o for service events, including those forwarded from
// the config store, transport, session manager and classifier.
func (s *Service) Subscribe(o event.Observer) func() {
	return s.hub.Subscribe(o)
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the service in StateError.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// =============================================================================
// INITIALIZE
// =============================================================================

// Initialize loads the configuration, builds the components, authenticates
// when stored credentials exist and starts the refresh sweep. Calling it on
// a ready service is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateDestroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case StateInitializing:
		s.mu.Unlock()
		return fmt.Errorf("initialize: already in progress")
	}
	s.state = StateInitializing
	s.mu.Unlock()

	s.hub.Emit(event.InitStart, nil)

	cfg, err := s.store.Load()
	if err != nil {
		return s.fail(fmt.Errorf("load config: %w", err))
	}

	client := cloud.New(cloud.OptionsFromConfig(cfg), append([]cloud.Option{
		cloud.WithLogger(s.logger.Named("transport")),
		cloud.WithCredentials(cloud.Credentials{APIKey: cfg.APIKey}),
	}, s.transportOpts...)...)
	sessions := session.NewManager(session.OptionsFromConfig(cfg),
		session.WithSink(client),
		session.WithLogger(s.logger.Named("session")),
		session.WithClock(s.now))

	var archive *storage.Archive
	if cfg.Storage.ArchivePath != "" {
		archive, err = storage.Open(cfg.Storage.ArchivePath, append([]storage.Option{
			storage.WithLogger(s.logger.Named("storage")),
			storage.WithOnPrune(func(ids []string) { s.forgetPruned(sessions, ids) }),
		}, s.archiveOpts...)...)
		if err != nil {
			return s.fail(fmt.Errorf("open archive: %w", err))
		}
	}

	unsubs := []func(){
		client.Subscribe(s.hub.Forward()),
		sessions.Subscribe(s.hub.Forward()),
	}

	if err := s.establishSession(ctx, cfg, sessions); err != nil {
		for _, u := range unsubs {
			u()
		}
		if archive != nil {
			archive.Close()
		}
		return s.fail(err)
	}

	if archive != nil {
		s.restoreArchive(ctx, archive, sessions)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sessions.Start(runCtx)

	s.mu.Lock()
	s.cfg = cfg
	s.client = client
	s.sessions = sessions
	s.archive = archive
	s.cancel = cancel
	s.unsubs = append(s.unsubs, unsubs...)
	s.state = StateReady
	s.initErr = nil
	s.mu.Unlock()

	if s.watch {
		unsub := s.store.Subscribe(event.ObserverFunc(s.onConfigEvent))
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
		if err := s.store.Watch(runCtx); err != nil {
			s.logger.Warn("config watch unavailable", zap.Error(err))
		}
	}

	s.logger.Info("service ready",
		zap.String("mode", string(cfg.Mode)),
		zap.String("model", cfg.Model))
	s.hub.Emit(event.InitDone, map[string]any{"mode": string(cfg.Mode)})
	return nil
}

// establishSession authenticates with stored credentials in authenticated
// mode and starts an anonymous session otherwise.
func (s *Service) establishSession(ctx context.Context, cfg *config.Config, sessions *session.Manager) error {
	if !cfg.IsAuthenticated() || cfg.Credentials == nil {
		sessions.StartAnonymous()
		return nil
	}

	creds := cfg.Credentials
	s.hub.Emit(event.AuthStart, map[string]any{"auto": true})
	_, err := sessions.Authenticate(ctx, creds.Email, creds.Password)
	if errors.Is(err, session.ErrNotSupported) {
		tokens := session.Tokens{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			SessionToken: creds.SessionToken,
		}
		if !tokens.Empty() {
			_, err = sessions.AdoptTokens(creds.Email, tokens, 0)
		}
	}
	if err != nil {
		rerr := s.recovery.Classify(err, map[string]any{"op": "auto_authenticate"})
		s.hub.Emit(event.AuthFailure, map[string]any{"kind": string(rerr.Kind), "auto": true})
		return fmt.Errorf("auto-authenticate: %w", rerr)
	}
	s.hub.Emit(event.AuthSuccess, map[string]any{"auto": true})
	return nil
}

func (s *Service) restoreArchive(ctx context.Context, archive *storage.Archive, sessions *session.Manager) {
	convs, err := archive.All(ctx)
	if err != nil {
		s.logger.Warn("failed to read conversation archive", zap.Error(err))
		return
	}
	restored := 0
	for _, c := range convs {
		if _, err := sessions.AddConversation(c); err != nil {
			s.logger.Warn("failed to restore conversation",
				zap.String("conversation_id", c.ID), zap.Error(err))
			continue
		}
		restored++
	}
	s.logger.Debug("conversations restored", zap.Int("count", restored))
}

// forgetPruned drops conversations removed by the archive's retention limit
// so the session and the archive hold the same set.
func (s *Service) forgetPruned(sessions *session.Manager, ids []string) {
	for _, id := range ids {
		if _, err := sessions.DeleteConversation(id); err != nil && !errors.Is(err, session.ErrConversationNotFound) {
			s.logger.Warn("failed to drop pruned conversation",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.state = StateError
	s.initErr = err
	s.mu.Unlock()

	s.logger.Error("initialization failed", zap.Error(err))
	s.hub.Emit(event.InitError, map[string]any{"error": err.Error()})
	return err
}

// components returns the wired components, or ErrNotReady.
func (s *Service) components() (*config.Config, *cloud.Client, *session.Manager, *storage.Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return s.cfg.Clone(), s.client, s.sessions, s.archive, nil
	case StateDestroyed:
		return nil, nil, nil, nil, ErrDestroyed
	default:
		return nil, nil, nil, nil, ErrNotReady
	}
}

// =============================================================================
// AUTHENTICATION / SESSIONS
// =============================================================================

// Authenticate establishes a session for identity. Failures are returned as
// *recovery.Error.
func (s *Service) Authenticate(ctx context.Context, identity, secret string) (session.Session, error) {
	_, _, sessions, _, err := s.components()
	if err != nil {
		return session.Session{}, err
	}

	s.hub.Emit(event.AuthStart, map[string]any{"identity": identity != ""})
	sess, err := sessions.Authenticate(ctx, identity, secret)
	if err != nil {
		rerr := s.recovery.Classify(err, map[string]any{"op": "authenticate"})
		s.hub.Emit(event.AuthFailure, map[string]any{"kind": string(rerr.Kind)})
		return session.Session{}, rerr
	}
	s.hub.Emit(event.AuthSuccess, map[string]any{"session_id": sess.ID})
	return sess, nil
}

// SwitchSession makes id the current session.
func (s *Service) SwitchSession(id string) (session.Session, error) {
	_, _, sessions, _, err := s.components()
	if err != nil {
		return session.Session{}, err
	}
	sess, err := sessions.SwitchSession(id)
	if err != nil {
		return session.Session{}, s.recovery.Classify(err, map[string]any{"op": "switch_session"})
	}
	return sess, nil
}

// Sessions returns every session, oldest first.
func (s *Service) Sessions() []session.Session {
	_, _, sessions, _, err := s.components()
	if err != nil {
		return nil
	}
	return sessions.Sessions()
}

// Conversations returns the current session's conversations, newest first.
func (s *Service) Conversations() []*session.Conversation {
	_, _, sessions, _, err := s.components()
	if err != nil {
		return nil
	}
	return sessions.Conversations()
}

// SearchConversations returns the current session's conversations whose
// title or messages contain query, case-insensitively, newest first. The
// archive answers the match when one is open.
func (s *Service) SearchConversations(ctx context.Context, query string) ([]*session.Conversation, error) {
	_, _, sessions, archive, err := s.components()
	if err != nil {
		return nil, err
	}
	convs := sessions.Conversations()
	if strings.TrimSpace(query) == "" {
		return convs, nil
	}

	var match func(*session.Conversation) bool
	if archive != nil {
		metas, err := archive.Search(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search archive: %w", err)
		}
		ids := make(map[string]bool, len(metas))
		for _, m := range metas {
			ids[m.ID] = true
		}
		match = func(c *session.Conversation) bool { return ids[c.ID] }
	} else {
		q := strings.ToLower(query)
		match = func(c *session.Conversation) bool {
			if strings.Contains(strings.ToLower(c.Title), q) {
				return true
			}
			for _, m := range c.Messages {
				if strings.Contains(strings.ToLower(m.Content), q) {
					return true
				}
			}
			return false
		}
	}

	out := convs[:0]
	for _, c := range convs {
		if match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteConversation removes id from the current session and the archive.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	_, _, sessions, archive, err := s.components()
	if err != nil {
		return err
	}
	if _, err := sessions.DeleteConversation(id); err != nil {
		return s.recovery.Classify(err, map[string]any{"op": "delete_conversation", "conversation_id": id})
	}
	if archive != nil {
		if err := archive.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrConversationNotFound) {
			s.logger.Warn("failed to delete archived conversation", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// UpdateConfiguration merges p into the configuration, persists it and
// applies it to the running components.
func (s *Service) UpdateConfiguration(p *config.Patch) (*config.Config, error) {
	cfg, err := s.store.Update(p)
	if err != nil {
		return nil, s.recovery.Classify(err, map[string]any{"op": "update_config"})
	}
	s.apply(cfg)
	return cfg, nil
}

// BackupConfiguration snapshots the config file and returns the backup path.
func (s *Service) BackupConfiguration() (string, error) {
	path, err := s.store.Backup()
	if err != nil {
		return "", s.recovery.Classify(err, map[string]any{"op": "backup_config"})
	}
	return path, nil
}

// RestoreConfiguration validates and activates a backup.
func (s *Service) RestoreConfiguration(file string) (*config.Config, error) {
	cfg, err := s.store.Restore(file)
	if err != nil {
		return nil, s.recovery.Classify(err, map[string]any{"op": "restore_config"})
	}
	s.apply(cfg)
	return cfg, nil
}

// ListBackups returns the config backups, newest first.
func (s *Service) ListBackups() ([]config.BackupInfo, error) {
	return s.store.ListBackups()
}

// Config returns a copy of the active configuration.
func (s *Service) Config() *config.Config {
	return s.store.Config()
}

// apply pushes cfg into the running components. Before Initialize it only
// affects the stored file.
func (s *Service) apply(cfg *config.Config) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.cfg = cfg.Clone()
	client, sessions := s.client, s.sessions
	s.mu.Unlock()

	client.Reconfigure(cloud.OptionsFromConfig(cfg))
	sessions.Reconfigure(session.OptionsFromConfig(cfg))
	s.logger.Debug("configuration applied", zap.String("mode", string(cfg.Mode)))
}

func (s *Service) onConfigEvent(e event.Event) {
	if e.Kind == event.ConfigReloaded {
		s.apply(s.store.Config())
	}
}

// =============================================================================
// STATUS
// =============================================================================

// TokenTotals groups token counters for Status.
type TokenTotals struct {
	Session    int
	Prompt     int
	Completion int
	Total      int
}

// Status is a point-in-time view of the service.
type Status struct {
	State             State
	Mode              config.Mode
	Enabled           bool
	Model             string
	Authenticated     bool
	SessionActive     bool
	ConversationCount int
	TokenTotals       TokenTotals
	RateLimited       bool
	RateBudget        cloud.RateBudget
	ErrorCount        int
}

// Status reports the service state. It is safe to call in any state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state}
	cfg, client, sessions := s.cfg, s.client, s.sessions
	ready := s.state == StateReady
	s.mu.Unlock()

	if cfg == nil {
		cfg = s.store.Config()
	}
	st.Mode = cfg.Mode
	st.Enabled = cfg.Enabled
	st.Model = cfg.Model
	st.ErrorCount = s.recovery.Len()

	usage := s.usage.snapshot()
	st.TokenTotals = TokenTotals{
		Prompt:     usage.PromptTokens,
		Completion: usage.CompletionTokens,
		Total:      usage.TotalTokens,
	}
	if ready {
		st.Authenticated = sessions.Authenticated()
		st.SessionActive = sessions.Active()
		if cur, ok := sessions.Current(); ok {
			st.ConversationCount = cur.ConversationCount
			st.TokenTotals.Session = cur.TotalTokens
		}
		st.RateLimited = client.RateLimited()
		st.RateBudget = client.Budget()
	}
	return st
}

// TestConnection pings the provider and reports whether it answered.
func (s *Service) TestConnection(ctx context.Context) bool {
	_, client, _, _, err := s.components()
	if err != nil {
		return false
	}
	if err := client.Ping(ctx); err != nil {
		s.recovery.Classify(err, map[string]any{"op": "test_connection"})
		return false
	}
	return true
}

// UsageStats returns the running usage counters.
func (s *Service) UsageStats() UsageStats {
	return s.usage.snapshot()
}

// ResetUsageStats zeroes the usage counters and returns the result.
func (s *Service) ResetUsageStats() UsageStats {
	return s.usage.reset()
}

// ErrorStats summarises the classified error history.
func (s *Service) ErrorStats() recovery.Stats {
	return s.recovery.Stats()
}

// ErrorHistory returns the classified errors, oldest first.
func (s *Service) ErrorHistory() []*recovery.Error {
	return s.recovery.History()
}

// =============================================================================
// DESTROY
// =============================================================================

// Destroy stops background work, closes the archive and detaches
// observers. It is idempotent.
func (s *Service) Destroy() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDestroyed
	cancel, sessions, archive, unsubs := s.cancel, s.sessions, s.archive, s.unsubs
	s.cancel, s.unsubs = nil, nil
	s.mu.Unlock()

	if sessions != nil {
		sessions.Stop()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if archive != nil {
		err = archive.Close()
	}

	s.logger.Info("service destroyed")
	s.hub.Emit(event.Destroyed, nil)
	for _, u := range unsubs {
		u()
	}
	return err
}
