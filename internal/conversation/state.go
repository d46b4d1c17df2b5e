// Package conversation maintains per-user conversational state: an in-memory
// keyed store with idle expiry, usage counters, and serialized mutation.
package conversation

import (
	"time"
)

// Turn is one exchanged message (user or assistant) in a conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State holds everything tracked for one user key. Instances are owned by a
// Store; all mutation goes through Store methods so per-user ordering holds
// under concurrent ingestion.
type State struct {
	UserKey      string
	Turns        []Turn
	CreatedAt    time.Time
	LastActivity time.Time
	InputTokens  int64
	OutputTokens int64
	MessageCount int64

	// Context is a free-form side channel for cross-turn data
	// (e.g. the persona or model selected via a command).
	Context map[string]string

	// Summary optionally holds a condensed representation of a long
	// conversation, set by whatever compacts it.
	Summary string
}

// Recent returns the most recent 2*maxTurns raw entries, or the full history
// if smaller. The multiplier approximates "turn pairs" (user + assistant per
// exchange); it is a deliberate heuristic, not an exact pairing — interleaved
// system or tool entries can skew it.
func (s *State) Recent(maxTurns int) []Turn {
	if maxTurns <= 0 {
		return nil
	}
	n := 2 * maxTurns
	turns := s.Turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Snapshot is the transport-neutral serialized form of a State. Timestamps
// travel as RFC 3339 strings so non-Go consumers can read them.
type Snapshot struct {
	UserKey      string            `json:"user_key"`
	Turns        []TurnSnapshot    `json:"messages,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
	LastActivity string            `json:"last_activity,omitempty"`
	InputTokens  int64             `json:"input_tokens,omitempty"`
	OutputTokens int64             `json:"output_tokens,omitempty"`
	MessageCount int64             `json:"message_count,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// TurnSnapshot mirrors Turn with a string timestamp.
type TurnSnapshot struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Export serializes the state. The receiver is read under the owning
// store's lock; see Store.Export.
func (s *State) export() Snapshot {
	snap := Snapshot{
		UserKey:      s.UserKey,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		LastActivity: s.LastActivity.Format(time.RFC3339),
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		MessageCount: s.MessageCount,
		Summary:      s.Summary,
	}
	if len(s.Context) > 0 {
		snap.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			snap.Context[k] = v
		}
	}
	for _, t := range s.Turns {
		snap.Turns = append(snap.Turns, TurnSnapshot{
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: t.Timestamp.Format(time.RFC3339),
		})
	}
	return snap
}

// fromSnapshot rebuilds a State, defaulting any missing optional field.
func fromSnapshot(snap Snapshot, now time.Time) *State {
	s := &State{
		UserKey:      snap.UserKey,
		CreatedAt:    parseRFC3339(snap.CreatedAt, now),
		LastActivity: parseRFC3339(snap.LastActivity, now),
		InputTokens:  snap.InputTokens,
		OutputTokens: snap.OutputTokens,
		MessageCount: snap.MessageCount,
		Summary:      snap.Summary,
		Context:      map[string]string{},
	}
	for k, v := range snap.Context {
		s.Context[k] = v
	}
	for _, t := range snap.Turns {
		s.Turns = append(s.Turns, Turn{
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: parseRFC3339(t.Timestamp, now),
		})
	}
	return s
}

func parseRFC3339(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}

// clone returns a deep copy for read access outside the store lock.
func (s *State) clone() *State {
	out := &State{
		UserKey:      s.UserKey,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		MessageCount: s.MessageCount,
		Summary:      s.Summary,
	}
	if len(s.Turns) > 0 {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	if len(s.Context) > 0 {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}
