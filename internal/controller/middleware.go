package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// ChatContext bundles everything middleware and dispatch need for one
// inbound message. Ephemeral — one per message, never persisted.
type ChatContext struct {
	Message  *message.Message
	UserKey  string
	Platform message.Platform

	// Metadata is a scratch bag middleware can use to pass data down the
	// chain (e.g. a dedupe marker, rate-limit diagnostics).
	Metadata map[string]string
}

// Middleware runs before dispatch. Returning false stops processing for the
// message without error. Panics are recovered and treated as continue —
// cross-cutting concerns must not be able to crash the pipeline.
type Middleware func(ctx context.Context, cc *ChatContext) bool

// runMiddleware applies the chain in order.
func (c *Controller) runMiddleware(ctx context.Context, cc *ChatContext) bool {
	for i, mw := range c.middlewares {
		if !c.runOne(ctx, cc, mw, i) {
			return false
		}
	}
	return true
}

func (c *Controller) runOne(ctx context.Context, cc *ChatContext, mw Middleware, idx int) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("middleware panicked, continuing", "index", idx, "panic", r)
			cont = true
		}
	}()
	return mw(ctx, cc)
}

// --- Built-in middleware ---

// LoggingMiddleware logs every message entering the pipeline.
func LoggingMiddleware() Middleware {
	return func(_ context.Context, cc *ChatContext) bool {
		slog.Info("message received",
			"platform", cc.Platform,
			"chat_type", cc.Message.ChatType,
			"user_key", cc.UserKey,
			"message_id", cc.Message.ID,
			"mentions_bot", cc.Message.MentionsBot,
		)
		return true
	}
}

// RateLimitMiddleware drops messages from user keys exceeding a per-minute
// budget. One token bucket per user key, pruned when it grows too large.
func RateLimitMiddleware(perMinute int, burst int) Middleware {
	if perMinute <= 0 {
		return func(context.Context, *ChatContext) bool { return true }
	}
	if burst <= 0 {
		burst = perMinute
	}

	const maxTrackedKeys = 4096
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(_ context.Context, cc *ChatContext) bool {
		mu.Lock()
		lim, ok := limiters[cc.UserKey]
		if !ok {
			if len(limiters) >= maxTrackedKeys {
				// Drop all tracked buckets rather than leak unboundedly.
				limiters = make(map[string]*rate.Limiter)
			}
			lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
			limiters[cc.UserKey] = lim
		}
		mu.Unlock()

		if !lim.Allow() {
			slog.Debug("message rate limited", "user_key", cc.UserKey)
			return false
		}
		return true
	}
}

// DedupeMiddleware drops events whose platform message ID was already seen
// within the TTL. Webhook retries and double-taps otherwise duplicate runs.
func DedupeMiddleware(ttl time.Duration, maxEntries int) Middleware {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}

	var mu sync.Mutex
	seen := make(map[string]time.Time)

	return func(_ context.Context, cc *ChatContext) bool {
		if cc.Message.ID == "" {
			return true
		}
		key := string(cc.Platform) + ":" + cc.Message.ID

		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if at, ok := seen[key]; ok && now.Sub(at) < ttl {
			slog.Debug("duplicate event dropped", "user_key", cc.UserKey, "message_id", cc.Message.ID)
			return false
		}

		if len(seen) >= maxEntries {
			for k, at := range seen {
				if now.Sub(at) >= ttl {
					delete(seen, k)
				}
			}
			// Hard eviction if pruning freed nothing.
			for len(seen) >= maxEntries {
				for k := range seen {
					delete(seen, k)
					break
				}
			}
		}

		seen[key] = now
		return true
	}
}
