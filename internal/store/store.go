// Package store defines the optional persistent conversation store consumed
// by the controller, and a factory selecting the backing engine from
// configuration. The in-memory conversation state in internal/conversation
// stays authoritative for the pipeline; this store is a durable write-through.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound distinguishes "no such conversation" from real failures.
var ErrNotFound = errors.New("store: conversation not found")

// Conversation is one durable conversation record.
type Conversation struct {
	ID        string
	UserKey   string
	Platform  string
	ChatID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is one durable message row.
type StoredMessage struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	Tokens         int64
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ConversationStore is the durable storage contract. Implementations:
// SQLite (standalone) and Postgres (managed).
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userKey, platform, chatID string) (*Conversation, error)
	SaveMessage(ctx context.Context, conversationID, role, content string, tokens int64, metadata map[string]string) error
	LoadHistory(ctx context.Context, conversationID string, maxTurns int) ([]StoredMessage, error)
	Clear(ctx context.Context, conversationID string) error
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Close() error
}
