// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists conversations, global system configuration, and
// per-conversation cache settings in SQLite.
package store

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

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/chatrelay/internal/message"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrStaleConversation rejects a save that would shrink a stored
	// conversation; appends only.
	ErrStaleConversation = errors.New("conversation save is stale")
)

// =============================================================================
// TYPES
// =============================================================================

// SystemConfig is the single-row global configuration.
type SystemConfig struct {
	Directives   string `json:"system_directives"`
	CacheContext string `json:"cache_context"`
}

// ConversationCache is the per-conversation pinned context.
type ConversationCache struct {
	CacheText   string                    `json:"cache_text"`
	CachedFiles []*message.NormalizedFile `json:"cached_files"`
}

// DefaultDirectives seeds the system_config row on first open.
const DefaultDirectives = "You are a helpful assistant. Be clear and concise."

// =============================================================================
// STORE
// =============================================================================

// Schema creates the three tables. Messages and cached files are stored
// as JSON text.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	messages   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS system_config (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	system_directives TEXT NOT NULL DEFAULT '',
	cache_context     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conversation_cache (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
	cache_text      TEXT NOT NULL DEFAULT '',
	cached_files    TEXT NOT NULL DEFAULT '[]'
);
`

// Store wraps the SQLite database. Safe for concurrent use; the
// connection pool is capped at one writer, matching SQLite's model.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema and the default system configuration.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO system_config (id, system_directives, cache_context) VALUES (1, ?, '')`,
		DefaultDirectives,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed system config: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports datastore connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Conversations returns every conversation's messages keyed by id,
// ordered by most recently updated first. Order returns the ids in that
// ordering since map iteration loses it.
func (s *Store) Conversations(ctx context.Context) (map[string][]message.Message, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, messages FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	byID := make(map[string][]message.Message)
	var order []string
	for rows.Next() {
		var id, rawMessages string
		if err := rows.Scan(&id, &rawMessages); err != nil {
			return nil, nil, fmt.Errorf("scan conversation: %w", err)
		}
		var msgs []message.Message
		if err := json.Unmarshal([]byte(rawMessages), &msgs); err != nil {
			return nil, nil, fmt.Errorf("decode conversation %s: %w", id, err)
		}
		byID[id] = msgs
		order = append(order, id)
	}
	return byID, order, rows.Err()
}

// SaveConversation upserts a conversation's full message list and bumps
// updated_at. A save holding fewer messages than the stored row is
// rejected as stale: appends never shrink history.
func (s *Store) SaveConversation(ctx context.Context, id string, msgs []message.Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	payload := sanitizeText(string(raw))
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT messages FROM conversations WHERE id = ?`, id).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, messages, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			id, payload, now, now); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	default:
		var stored []message.Message
		if json.Unmarshal([]byte(existing), &stored) == nil && len(msgs) < len(stored) {
			return fmt.Errorf("%w: %d messages held, %d offered", ErrStaleConversation, len(stored), len(msgs))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET messages = ?, updated_at = ? WHERE id = ?`,
			payload, now, id); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteConversation removes a conversation; its cache row cascades.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// SYSTEM CONFIG
// =============================================================================

// SystemConfig returns the global directives and cache context.
func (s *Store) SystemConfig(ctx context.Context) (SystemConfig, error) {
	var cfg SystemConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT system_directives, cache_context FROM system_config WHERE id = 1`).
		Scan(&cfg.Directives, &cfg.CacheContext)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("load system config: %w", err)
	}
	return cfg, nil
}

// SaveSystemConfig replaces the global configuration.
func (s *Store) SaveSystemConfig(ctx context.Context, cfg SystemConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_config SET system_directives = ?, cache_context = ? WHERE id = 1`,
		sanitizeText(cfg.Directives), sanitizeText(cfg.CacheContext))
	if err != nil {
		return fmt.Errorf("save system config: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSATION CACHE
// =============================================================================

// ConversationCache returns the per-conversation pinned context,
// creating an empty default row on first access.
func (s *Store) ConversationCache(ctx context.Context, conversationID string) (ConversationCache, error) {
	var cacheText, rawFiles string
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_text, cached_files FROM conversation_cache WHERE conversation_id = ?`,
		conversationID).Scan(&cacheText, &rawFiles)
	if err == sql.ErrNoRows {
		// Best-effort default row. The conversation may not be saved yet,
		// in which case the foreign key rejects this and the row is
		// created by the first explicit save instead.
		_, _ = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_cache (conversation_id) VALUES (?)`,
			conversationID)
		return ConversationCache{CachedFiles: []*message.NormalizedFile{}}, nil
	}
	if err != nil {
		return ConversationCache{}, fmt.Errorf("load conversation cache: %w", err)
	}

	cache := ConversationCache{CacheText: cacheText}
	if err := json.Unmarshal([]byte(rawFiles), &cache.CachedFiles); err != nil {
		return ConversationCache{}, fmt.Errorf("decode cached files: %w", err)
	}
	if cache.CachedFiles == nil {
		cache.CachedFiles = []*message.NormalizedFile{}
	}
	return cache, nil
}

// SaveConversationCache upserts the per-conversation pinned context.
func (s *Store) SaveConversationCache(ctx context.Context, conversationID string, cache ConversationCache) error {
	rawFiles, err := json.Marshal(cache.CachedFiles)
	if err != nil {
		return fmt.Errorf("encode cached files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_cache (conversation_id, cache_text, cached_files)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id)
		DO UPDATE SET cache_text = excluded.cache_text, cached_files = excluded.cached_files`,
		conversationID, sanitizeText(cache.CacheText), sanitizeText(string(rawFiles)))
	if err != nil {
		return fmt.Errorf("save conversation cache: %w", err)
	}
	return nil
}

// sanitizeText strips NUL bytes, which SQLite text columns reject in
// some drivers and which never belong in stored content.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
