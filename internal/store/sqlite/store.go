// Package sqlite backs the conversation store with a local SQLite file
// (standalone mode).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Store implements store.ConversationStore on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the database file at dbPath.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		user_key    TEXT NOT NULL UNIQUE,
		platform    TEXT NOT NULL,
		chat_id     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		tokens          INTEGER DEFAULT 0,
		metadata        TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) GetOrCreate(ctx context.Context, userKey, platform, chatID string) (*store.Conversation, error) {
	now := time.Now()
	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, user_key, platform, chat_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, userKey, platform, chatID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var conv store.Conversation
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_key, platform, chat_id, created_at, updated_at
		 FROM conversations WHERE user_key = ?`, userKey,
	).Scan(&conv.ID, &conv.UserKey, &conv.Platform, &conv.ChatID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string, tokens int64, metadata map[string]string) error {
	var metaJSON []byte
	if len(metadata) > 0 {
		metaJSON, _ = json.Marshal(metadata)
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tokens, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, role, content, tokens, nullBytes(metaJSON), now,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

func (s *Store) LoadHistory(ctx context.Context, conversationID string, maxTurns int) ([]store.StoredMessage, error) {
	limit := maxTurns
	if limit <= 0 {
		limit = 50
	}

	// Newest first for the LIMIT, reversed below so callers get
	// chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []store.StoredMessage
	for rows.Next() {
		var m store.StoredMessage
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &metaJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Clear(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ store.ConversationStore = (*Store)(nil)
