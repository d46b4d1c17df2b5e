package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned for lookups on user keys with no conversation yet,
// so callers (the history/stats commands) can render a friendly message
// instead of an error.
var ErrNotFound = errors.New("conversation not found")

// Store owns the keyed conversation collection. One mutex serializes every
// externally visible mutation, which is what preserves per-user append
// ordering under concurrent ingestion. Construct once and pass by reference;
// the background sweeper is owned by the store, not ambient.
type Store struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// GetOrCreate returns the state for userKey, creating it lazily on first
// lookup. The returned pointer is stable for the lifetime of the entry.
func (s *Store) GetOrCreate(userKey string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(userKey)
}

func (s *Store) getOrCreateLocked(userKey string) *State {
	if st, ok := s.states[userKey]; ok {
		return st
	}
	now := s.now()
	st := &State{
		UserKey:      userKey,
		CreatedAt:    now,
		LastActivity: now,
		Context:      map[string]string{},
	}
	s.states[userKey] = st
	return st
}

// Append adds turns to a conversation and bumps the usage counters.
// Creates the conversation if it does not exist yet.
func (s *Store) Append(userKey string, turns []Turn, inputTokens, outputTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(userKey)
	st.Turns = append(st.Turns, turns...)
	st.InputTokens += inputTokens
	st.OutputTokens += outputTokens
	st.MessageCount += int64(len(turns))
	st.LastActivity = s.now()
}

// Recent returns the most recent 2*maxTurns entries for userKey.
// See State.Recent for the heuristic. ErrNotFound when no conversation exists.
func (s *Store) Recent(userKey string, maxTurns int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userKey]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Recent(maxTurns), nil
}

// Get returns a deep copy of the state for read access, or ErrNotFound.
func (s *Store) Get(userKey string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userKey]
	if !ok {
		return nil, ErrNotFound
	}
	return st.clone(), nil
}

// SetContext writes one key into a conversation's context bag.
func (s *Store) SetContext(userKey, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(userKey)
	st.Context[key] = value
	st.LastActivity = s.now()
}

// ClearContext empties only the cross-turn context bag, leaving history
// and counters intact.
func (s *Store) ClearContext(userKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userKey]
	if !ok {
		return
	}
	st.Context = map[string]string{}
	st.LastActivity = s.now()
}

// Clear empties a conversation's history and counters but keeps the entry
// (and its creation time) alive.
func (s *Store) Clear(userKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userKey]
	if !ok {
		return
	}
	st.Turns = nil
	st.Summary = ""
	st.InputTokens = 0
	st.OutputTokens = 0
	st.MessageCount = 0
	st.Context = map[string]string{}
	st.LastActivity = s.now()
}

// Delete removes a conversation entirely.
func (s *Store) Delete(userKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userKey)
}

// SweepExpired removes every conversation whose last activity is older than
// idleTimeout and returns how many were removed.
func (s *Store) SweepExpired(idleTimeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idleTimeout)
	removed := 0
	for key, st := range s.states {
		if st.LastActivity.Before(cutoff) {
			delete(s.states, key)
			removed++
		}
	}
	return removed
}

// Stats aggregates usage counters across all live conversations.
type Stats struct {
	Conversations int
	Messages      int64
	InputTokens   int64
	OutputTokens  int64
}

// Stats returns aggregate counters for the whole store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{Conversations: len(s.states)}
	for _, st := range s.states {
		out.Messages += st.MessageCount
		out.InputTokens += st.InputTokens
		out.OutputTokens += st.OutputTokens
	}
	return out
}

// Export serializes one conversation, or ErrNotFound.
func (s *Store) Export(userKey string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userKey]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return st.export(), nil
}

// Import installs a conversation from its serialized form, replacing any
// existing entry for the same user key. Missing optional fields default.
func (s *Store) Import(snap Snapshot) error {
	if snap.UserKey == "" {
		return errors.New("snapshot missing user_key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[snap.UserKey] = fromSnapshot(snap, s.now())
	return nil
}

// StartSweeper launches the recurring expiry sweep. It runs until ctx is
// cancelled or StopSweeper is called. Each pass holds the store lock only
// for the duration of one sweep, so unrelated GetOrCreate calls block for
// at most one pass.
func (s *Store) StartSweeper(ctx context.Context, interval, idleTimeout time.Duration) {
	if interval <= 0 || idleTimeout <= 0 {
		return
	}

	s.mu.Lock()
	if s.sweepCancel != nil {
		s.mu.Unlock()
		return // already running
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel
	done := make(chan struct{})
	s.sweepDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Debug("conversation sweeper started", "interval", interval, "idle_timeout", idleTimeout)
		for {
			select {
			case <-sweepCtx.Done():
				slog.Debug("conversation sweeper stopped")
				return
			case <-ticker.C:
				if removed := s.SweepExpired(idleTimeout); removed > 0 {
					slog.Info("expired conversations removed", "count", removed)
				}
			}
		}
	}()
}

// StopSweeper cancels the background sweep and waits for it to exit.
func (s *Store) StopSweeper() {
	s.mu.Lock()
	cancel := s.sweepCancel
	done := s.sweepDone
	s.sweepCancel = nil
	s.sweepDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
