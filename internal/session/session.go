// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrWrongMode is returned by Authenticate outside authenticated mode.
	ErrWrongMode = errors.New("authentication requires authenticated mode")

	// ErrNotSupported is returned when no API key is configured. Password
	// login through the web flow is not implemented.
	ErrNotSupported = errors.New("password login not supported: configure an api_key")

	// ErrRefreshUnsupported is returned when the current session cannot be
	// refreshed in place.
	ErrRefreshUnsupported = errors.New("session refresh not supported for this session kind")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActiveSession is returned when an operation needs a current session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionExpired is returned when the current session has passed its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists is returned when adding a conversation whose id is taken.
	ErrConversationExists = errors.New("conversation already exists")
)

// =============================================================================
// SESSION
// =============================================================================

// Kind identifies how a session was established.
type Kind string

const (
	KindAPIKey    Kind = "api_key"
	KindPassword  Kind = "password"
	KindAnonymous Kind = "anonymous"
)

// State is a session lifecycle state.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateExpiring       State = "expiring"
	StateCleared        State = "cleared"
)

// Tokens is the token set issued for a session.
type Tokens struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	SessionToken string `json:"-"`
}

// Empty reports whether no token is set.
func (t Tokens) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == "" && t.SessionToken == ""
}

// Session is a snapshot of one authenticated context. A zero ExpiresAt
// means the session does not expire.
type Session struct {
	ID           string
	UserID       string
	Email        string
	Kind         Kind
	State        State
	Tokens       Tokens
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time

	TotalTokens       int
	ConversationCount int
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// TimeToExpiry returns the time left before expiry, or -1 for sessions
// without one.
func (s Session) TimeToExpiry(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() {
		return -1
	}
	return s.ExpiresAt.Sub(now)
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Message is one chat turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered sequence of turns plus token accounting.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Model       string    `json:"model"`
	TotalTokens int       `json:"total_tokens"`
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation(title, model string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}

// Append adds a turn and bumps UpdatedAt.
func (c *Conversation) Append(role, content string, at time.Time) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content, CreatedAt: at})
	c.UpdatedAt = at
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// record is the manager's private session state.
type record struct {
	Session
	apiKey        string
	conversations map[string]*Conversation
}

func (r *record) snapshot() Session {
	s := r.Session
	s.ConversationCount = len(r.conversations)
	return s
}
