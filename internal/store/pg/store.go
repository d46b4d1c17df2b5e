// Package pg backs the conversation store with Postgres (managed mode).
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Store implements store.ConversationStore on Postgres via pgx's
// database/sql driver.
type Store struct {
	db *sql.DB
}

// OpenDB opens and pings a Postgres connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New opens a Postgres-backed conversation store and ensures the schema.
func New(dsn string) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
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
		id          UUID PRIMARY KEY,
		user_key    TEXT NOT NULL UNIQUE,
		platform    TEXT NOT NULL,
		chat_id     TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		tokens          BIGINT NOT NULL DEFAULT 0,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) GetOrCreate(ctx context.Context, userKey, platform, chatID string) (*store.Conversation, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_key, platform, chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_key) DO NOTHING`,
		uuid.Must(uuid.NewV7()), userKey, platform, chatID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var conv store.Conversation
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_key, platform, chat_id, created_at, updated_at
		 FROM conversations WHERE user_key = $1`, userKey,
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, role, content, tokens, nullBytes(metaJSON), now,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, now, conversationID)
	return err
}

func (s *Store) LoadHistory(ctx context.Context, conversationID string, maxTurns int) ([]store.StoredMessage, error) {
	limit := maxTurns
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens, metadata, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY id DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []store.StoredMessage
	for rows.Next() {
		var m store.StoredMessage
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &metaJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &m.Metadata)
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
		`DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	return err
}

func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`, cutoff)
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
