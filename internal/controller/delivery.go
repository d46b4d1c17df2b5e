package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// SendResult is the uniform outcome of every delivery path. Delivery never
// raises to the caller — failures travel in Err.
type SendResult struct {
	Success   bool
	MessageID string
	Err       error
}

// Transport is the base delivery capability every platform provides.
type Transport interface {
	Platform() message.Platform
	SendText(ctx context.Context, target, text string) SendResult
}

// ReplyTransport marks a threaded/reply-capable platform: it can address a
// reply directly at a message ID. Probed via type assertion; absence is not
// an error.
type ReplyTransport interface {
	Transport
	ReplyToMessage(ctx context.Context, messageID, text string) SendResult
}

// QuoteTransport marks a platform supporting quoted replies with richer
// addressing (separate group vs private target strings).
type QuoteTransport interface {
	Transport
	SendQuoteReply(ctx context.Context, messageID, text, target string) SendResult
}

// TargetResolver lets a transport enrich the delivery target beyond the
// default (chat ID for groups, sender ID for private chats) — e.g. encoding
// group-vs-private into the target string when bare IDs are ambiguous on
// the platform.
type TargetResolver interface {
	Transport
	ResolveTarget(msg *message.Message) string
}

// ImageTransport is the optional image-send capability.
type ImageTransport interface {
	Transport
	SendImage(ctx context.Context, urlOrPath, target string) SendResult
}

// resolveTarget picks the delivery target for a reply: the chat for group
// and channel conversations, the sender for private ones.
func resolveTarget(msg *message.Message) string {
	if msg.ChatType == message.ChatPrivate || msg.ChatID == "" {
		return msg.SenderID
	}
	return msg.ChatID
}

// deliver routes reply text back through the platform the message came
// from, preferring the richest available mechanism and falling back to a
// plain send when it fails.
func (c *Controller) deliver(ctx context.Context, msg *message.Message, text string) SendResult {
	transport, ok := c.transports[msg.Platform]
	if !ok {
		return SendResult{Err: fmt.Errorf("no transport for platform %s", msg.Platform)}
	}

	target := resolveTarget(msg)
	if tr, ok := transport.(TargetResolver); ok {
		target = tr.ResolveTarget(msg)
	}

	// Preferred mechanism first. Each branch falls through to the plain
	// send below when it fails — never to the caller as an error.
	if msg.ID != "" {
		switch t := transport.(type) {
		case ReplyTransport:
			if res := t.ReplyToMessage(ctx, msg.ID, text); res.Success {
				return res
			} else {
				slog.Warn("reply-to-message failed, falling back to plain send",
					"platform", msg.Platform, "message_id", msg.ID, "error", res.Err)
			}
		case QuoteTransport:
			if res := t.SendQuoteReply(ctx, msg.ID, text, target); res.Success {
				return res
			} else {
				slog.Warn("quote reply failed, falling back to plain send",
					"platform", msg.Platform, "message_id", msg.ID, "error", res.Err)
			}
		}
	}

	res := transport.SendText(ctx, target, text)
	if !res.Success {
		slog.Error("plain send failed",
			"platform", msg.Platform, "target", target, "error", res.Err)
	}
	return res
}

// BroadcastTarget names one (platform, target) delivery pair.
type BroadcastTarget struct {
	Platform message.Platform
	Target   string
}

// BroadcastResult is the outcome for one pair of a broadcast.
type BroadcastResult struct {
	Target BroadcastTarget
	Result SendResult
}

// Broadcast sends one text to multiple (platform, target) pairs. Every pair
// is attempted independently; one failure never prevents the others.
func (c *Controller) Broadcast(ctx context.Context, text string, targets []BroadcastTarget) []BroadcastResult {
	runID := uuid.NewString()[:8]
	results := make([]BroadcastResult, 0, len(targets))

	for _, bt := range targets {
		transport, ok := c.transports[bt.Platform]
		if !ok {
			results = append(results, BroadcastResult{
				Target: bt,
				Result: SendResult{Err: fmt.Errorf("no transport for platform %s", bt.Platform)},
			})
			continue
		}
		res := transport.SendText(ctx, bt.Target, text)
		if !res.Success {
			slog.Warn("broadcast delivery failed",
				"run_id", runID, "platform", bt.Platform, "target", bt.Target, "error", res.Err)
		}
		results = append(results, BroadcastResult{Target: bt, Result: res})
	}

	slog.Info("broadcast finished", "run_id", runID, "targets", len(targets))
	return results
}
