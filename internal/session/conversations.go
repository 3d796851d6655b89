// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/event"
)

// =============================================================================
// CONVERSATIONS
// =============================================================================

// currentLocked returns the current session record or an error.
func (m *Manager) currentLocked() (*record, error) {
	rec := m.sessions[m.current]
	if rec == nil {
		return nil, ErrNoActiveSession
	}
	if rec.Expired(m.now()) {
		return nil, ErrSessionExpired
	}
	return rec, nil
}

// AddConversation stores a copy of c in the current session. An empty ID
// is filled in. The session total grows by c.TotalTokens.
func (m *Manager) AddConversation(c *Conversation) (*Conversation, error) {
	if c == nil {
		return nil, fmt.Errorf("add conversation: nil conversation")
	}
	cp := c.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.TotalTokens < 0 {
		cp.TotalTokens = 0
	}

	m.mu.Lock()
	rec, err := m.currentLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, exists := rec.conversations[cp.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationExists, cp.ID)
	}
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	rec.conversations[cp.ID] = cp
	rec.TotalTokens += cp.TotalTokens
	rec.LastActivity = now
	out := cp.Clone()
	m.mu.Unlock()

	return out, nil
}

// UpdateConversation replaces the stored conversation with the same ID.
// The session total moves by the change in the conversation's tokens.
func (m *Manager) UpdateConversation(c *Conversation) error {
	if c == nil {
		return fmt.Errorf("update conversation: nil conversation")
	}
	cp := c.Clone()
	if cp.TotalTokens < 0 {
		cp.TotalTokens = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.currentLocked()
	if err != nil {
		return err
	}
	old, ok := rec.conversations[cp.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, cp.ID)
	}
	rec.conversations[cp.ID] = cp
	rec.TotalTokens = clampTokens(rec.TotalTokens + cp.TotalTokens - old.TotalTokens)
	rec.LastActivity = m.now()
	return nil
}

// DeleteConversation removes id from the current session and returns it.
// The session total drops by its tokens, never below zero.
func (m *Manager) DeleteConversation(id string) (*Conversation, error) {
	m.mu.Lock()
	rec, err := m.currentLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conv, ok := rec.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(rec.conversations, id)
	rec.TotalTokens = clampTokens(rec.TotalTokens - conv.TotalTokens)
	sessionID := rec.ID
	m.mu.Unlock()

	m.logger.Debug("conversation deleted",
		zap.String("session_id", sessionID),
		zap.String("conversation_id", id),
		zap.Int("tokens", conv.TotalTokens))
	m.hub.Emit(event.ConversationDeleted, map[string]any{
		"session_id":      sessionID,
		"conversation_id": id,
		"tokens":          conv.TotalTokens,
	})
	return conv, nil
}

// Conversation returns a copy of id from the current session.
func (m *Manager) Conversation(id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.currentLocked()
	if err != nil {
		return nil, err
	}
	conv, ok := rec.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv.Clone(), nil
}

// Conversations returns copies of the current session's conversations,
// most recently updated first. Without a current session it returns nil.
func (m *Manager) Conversations() []*Conversation {
	m.mu.Lock()
	rec := m.sessions[m.current]
	if rec == nil {
		m.mu.Unlock()
		return nil
	}
	out := make([]*Conversation, 0, len(rec.conversations))
	for _, c := range rec.conversations {
		out = append(out, c.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// TotalTokens returns the current session's token total.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.sessions[m.current]; rec != nil {
		return rec.TotalTokens
	}
	return 0
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
