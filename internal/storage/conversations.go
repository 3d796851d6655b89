// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/session"
	"github.com/jeranaias/rigrun-adapter/internal/util"
)

// ErrConversationNotFound is returned when an archived conversation does not exist.
var ErrConversationNotFound = errors.New("archived conversation not found")

// DefaultMaxConversations bounds the archive size.
const DefaultMaxConversations = 100

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	model        TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	messages     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// =============================================================================
// META
// =============================================================================

// Meta summarises an archived conversation for listing.
type Meta struct {
	ID           string
	Title        string
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TotalTokens  int
	MessageCount int
}

// =============================================================================
// ARCHIVE
// =============================================================================

// Option customises an Archive.
type Option func(*Archive)

// WithMaxConversations sets the retention limit. 0 means unlimited.
func WithMaxConversations(n int) Option {
	return func(a *Archive) {
		if n >= 0 {
			a.maxConversations = n
		}
	}
}

// WithOnPrune registers fn to receive the ids removed by the retention
// limit, so callers holding the same conversations in memory can drop them.
func WithOnPrune(fn func(ids []string)) Option {
	return func(a *Archive) {
		a.onPrune = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archive) {
		a.logger = logging.OrNop(l)
	}
}

// Archive persists conversations in a SQLite database so they survive
// restarts.
type Archive struct {
	db               *sql.DB
	path             string
	maxConversations int
	onPrune          func(ids []string)
	logger           *zap.Logger
}

// Open opens or creates the archive at path.
func Open(path string, opts ...Option) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a := &Archive{
		db:               db,
		path:             path,
		maxConversations: DefaultMaxConversations,
		logger:           zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	// SECURITY: conversations may contain sensitive prompts
	if err := os.Chmod(path, 0600); err != nil {
		a.logger.Warn("failed to restrict archive permissions", zap.Error(err))
	}
	return a, nil
}

// Path returns the database path.
func (a *Archive) Path() string {
	return a.path
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Save inserts or replaces c. An empty title is derived from the first
// user message.
func (a *Archive) Save(ctx context.Context, c *session.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("save conversation: missing id")
	}
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	title := c.Title
	if title == "" {
		title = Title(c.Messages)
	}
	created, updated := c.CreatedAt, c.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, updated_at, total_tokens, message_count, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			updated_at = excluded.updated_at,
			total_tokens = excluded.total_tokens,
			message_count = excluded.message_count,
			messages = excluded.messages`,
		c.ID, title, c.Model, created.UnixNano(), updated.UnixNano(),
		c.TotalTokens, len(c.Messages), string(msgs))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}

	if a.maxConversations > 0 {
		a.enforceLimit(ctx)
	}
	return nil
}

// enforceLimit removes the least recently updated conversations over the
// limit and reports their ids to the prune hook.
func (a *Archive) enforceLimit(ctx context.Context) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id FROM conversations ORDER BY updated_at DESC, id DESC LIMIT -1 OFFSET ?`,
		a.maxConversations)
	if err != nil {
		a.logger.Warn("archive retention failed", zap.Error(err))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			a.logger.Warn("archive retention failed", zap.Error(err))
			return
		}
		ids = append(ids, id)
	}
	// Close before writing: the pool holds a single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		a.logger.Warn("archive retention failed", zap.Error(err))
		return
	}

	pruned := ids[:0]
	for _, id := range ids {
		if _, err := a.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
			a.logger.Warn("archive retention failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		pruned = append(pruned, id)
	}
	if len(pruned) == 0 {
		return
	}
	a.logger.Debug("archive pruned", zap.Int("removed", len(pruned)))
	if a.onPrune != nil {
		a.onPrune(pruned)
	}
}

// Delete removes id.
func (a *Archive) Delete(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// Clear removes every conversation.
func (a *Archive) Clear(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, "DELETE FROM conversations")
	return err
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Load returns the conversation with id.
func (a *Archive) Load(ctx context.Context, id string) (*session.Conversation, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at, total_tokens, messages
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, err
}

// All returns every archived conversation, most recently updated first.
func (a *Archive) All(ctx context.Context) ([]*session.Conversation, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, model, created_at, updated_at, total_tokens, messages
		FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*session.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// List returns metadata for every conversation, most recently updated first.
func (a *Archive) List(ctx context.Context) ([]Meta, error) {
	return a.queryMeta(ctx, `
		SELECT id, title, model, created_at, updated_at, total_tokens, message_count
		FROM conversations ORDER BY updated_at DESC, id ASC`)
}

// Search returns conversations whose title or messages contain query,
// case-insensitively.
func (a *Archive) Search(ctx context.Context, query string) ([]Meta, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return a.queryMeta(ctx, `
		SELECT id, title, model, created_at, updated_at, total_tokens, message_count
		FROM conversations
		WHERE lower(title) LIKE ? ESCAPE '\' OR lower(messages) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, id ASC`, pattern, pattern)
}

// Count returns the number of archived conversations.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n)
	return n, err
}

func (a *Archive) queryMeta(ctx context.Context, query string, args ...any) ([]Meta, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Title, &m.Model, &created, &updated, &m.TotalTokens, &m.MessageCount); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		m.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*session.Conversation, error) {
	var c session.Conversation
	var created, updated int64
	var msgs string
	if err := s.Scan(&c.ID, &c.Title, &c.Model, &created, &updated, &c.TotalTokens, &msgs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", c.ID, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// TITLES
// =============================================================================

const maxTitleRunes = 50

// Title derives a conversation title from the first user message.
func Title(msgs []session.Message) string {
	for _, msg := range msgs {
		if msg.Role != "user" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		content := strings.ReplaceAll(msg.Content, "\r", "")
		content = strings.ReplaceAll(content, "\n", " ")
		return util.TruncateRunes(strings.TrimSpace(content), maxTitleRunes)
	}
	return "New conversation"
}
