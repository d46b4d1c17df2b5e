// Package message defines the canonical message model shared by every stage
// of the pipeline. Platform parsers produce one Message per inbound event;
// the controller, command interpreter, and conversation store all consume it.
//
// A Message is immutable once constructed. Code that needs a modified copy
// (e.g. with the bot mention stripped from the content) must use Clone and
// mutate the copy before handing it on.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the source messaging platform.
type Platform string

const (
	PlatformLark   Platform = "lark"
	PlatformOneBot Platform = "onebot"
)

// ChatType distinguishes the kind of conversation a message arrived in.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Message is the platform-agnostic representation of one inbound chat event.
type Message struct {
	// ID is the platform-native message identifier.
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	ChatType ChatType `json:"chat_type"`

	// ChatID is the group/channel identifier. Empty for private chats.
	ChatID     string `json:"chat_id,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`

	// Content is the extracted plain-text body. Rich content (Lark post
	// segments, OneBot segment arrays) is flattened here; the original
	// structure survives verbatim in RawPayload.
	Content string `json:"content"`

	// Mentions lists mentioned user identifiers. Order is not significant.
	Mentions []string `json:"mentions,omitempty"`

	// MentionsBot reports whether the configured bot identity appears in
	// Mentions (or the platform's inline marker equivalent).
	MentionsBot bool `json:"is_mentioning_bot"`

	ReplyToID string `json:"reply_to_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`

	// Timestamp is the message creation time; parsers fall back to the
	// ingestion time when the source omits or mangles it.
	Timestamp time.Time `json:"timestamp"`

	// RawPayload is the untouched platform event. Never interpreted
	// downstream; carried for consumers that need platform specifics.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	// Metadata carries platform-specific extras (event sub-type, event ID).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UserKey returns the stable composite identity used to key conversation
// state: platform + chat type + sender.
func (m *Message) UserKey() string {
	return fmt.Sprintf("%s:%s:%s", m.Platform, m.ChatType, m.SenderID)
}

// IsPrivate reports whether the message arrived in a private (direct) chat.
func (m *Message) IsPrivate() bool { return m.ChatType == ChatPrivate }

// Clone returns a deep copy of the message. Mentions and Metadata are
// copied so mutating the clone never aliases the original.
func (m *Message) Clone() *Message {
	out := *m
	if m.Mentions != nil {
		out.Mentions = make([]string, len(m.Mentions))
		copy(out.Mentions, m.Mentions)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.RawPayload != nil {
		out.RawPayload = make(json.RawMessage, len(m.RawPayload))
		copy(out.RawPayload, m.RawPayload)
	}
	return &out
}

// Mentioned reports whether userID appears in the mention set.
func (m *Message) Mentioned(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
