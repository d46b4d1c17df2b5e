// Package platform defines the capability interface every platform parser
// implements, plus the registry that probes parsers in order for a raw
// payload. Parsing logic per platform shares no common algorithm, only this
// common shape, so each platform is an independent implementation rather
// than a subclass of anything.
package platform

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// Parser translates raw platform event payloads into canonical messages.
//
// CanParse must be a cheap, side-effect-free structural probe (typically a
// type/event-type field check) so the registry can try parsers in sequence.
// Parse never panics on malformed input; it logs and returns nil, letting
// the caller try the next parser or drop the event.
type Parser interface {
	Platform() message.Platform
	CanParse(payload []byte) bool
	Parse(payload []byte) *message.Message
}

// Registry holds an ordered list of parsers and resolves the first one
// whose probe accepts a payload.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a registry probing parsers in the given order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Register appends a parser to the probe order.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Resolve returns the first parser accepting the payload, or nil.
func (r *Registry) Resolve(payload []byte) Parser {
	for _, p := range r.parsers {
		if p.CanParse(payload) {
			return p
		}
	}
	return nil
}

// Parse probes parsers in order and returns the canonical message from the
// first successful parse. Returns nil when no parser accepts the payload or
// the accepting parser fails on it.
func (r *Registry) Parse(payload []byte) *message.Message {
	for _, p := range r.parsers {
		if !p.CanParse(payload) {
			continue
		}
		if msg := p.Parse(payload); msg != nil {
			return msg
		}
		// A probe match with a failed parse is unusual enough to log,
		// but the next parser still gets a chance.
		slog.Debug("parser accepted payload but failed to parse", "platform", p.Platform())
	}
	return nil
}

// ParseTimestamp interprets a platform timestamp field that may arrive as
// epoch seconds, epoch milliseconds, or an RFC 3339 string. Anything
// unparseable falls back to now — a bad timestamp never fails the parse.
func ParseTimestamp(v interface{}, now time.Time) time.Time {
	switch t := v.(type) {
	case nil:
		return now
	case float64:
		return epochToTime(int64(t), now)
	case int64:
		return epochToTime(t, now)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return now
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n, now)
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
		return now
	default:
		return now
	}
}

// epochToTime treats values above 1e12 as milliseconds, otherwise seconds.
// Epoch seconds won't cross 1e12 until the year 33658.
func epochToTime(n int64, now time.Time) time.Time {
	if n <= 0 {
		return now
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
