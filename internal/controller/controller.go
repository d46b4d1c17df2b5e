// Package controller orchestrates message handling: gating, the middleware
// chain, command vs responder dispatch, and platform-aware reply delivery
// with fallback.
//
// Per-message state machine:
//
//	received → middleware-chain → {command-path | responder-path | ignored}
//	         → reply-delivery-attempted → {delivered | delivery-failed}
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/chatbridge/internal/command"
	"github.com/nextlevelbuilder/chatbridge/internal/conversation"
	"github.com/nextlevelbuilder/chatbridge/internal/message"
	"github.com/nextlevelbuilder/chatbridge/internal/platform"
	"github.com/nextlevelbuilder/chatbridge/internal/responder"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Outcome labels the terminal state of one message's processing.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeDeliveryFailed Outcome = "delivery-failed"
)

// ProcessResult reports what happened to one inbound message.
type ProcessResult struct {
	Outcome    Outcome
	WasCommand bool
	Reply      string
	Send       SendResult
}

// Options configure the controller's gating and reply behavior.
type Options struct {
	// Enabled gates the whole feature; disabled means every message is
	// ignored before any collaborator is touched.
	Enabled bool

	// ChatTypes lists the chat types processed. Empty means all.
	ChatTypes []message.ChatType

	// RequireMention ignores group messages that do not mention the bot.
	RequireMention bool

	// MaxReplyLength truncates responder output (runes), suffixing an
	// ellipsis. Zero means no truncation.
	MaxReplyLength int

	// ResponderTimeout bounds one responder invocation.
	ResponderTimeout time.Duration

	// ErrorReply is the generic user-facing message substituted when the
	// responder fails.
	ErrorReply string
}

const defaultErrorReply = "Sorry, something went wrong generating a reply. Please try again."

// Controller is the orchestrator. Parsers, transports, and middleware are
// read-only after setup; the options and the interpreter, responder, and
// persistent-store collaborators are guarded by mu so they can be swapped
// (config reload, late wiring) while messages are in flight.
type Controller struct {
	mu      sync.RWMutex
	opts    Options
	interp  *command.Interpreter
	resp    responder.Responder
	persist store.ConversationStore

	parsers     *platform.Registry
	convs       *conversation.Store
	transports  map[message.Platform]Transport
	middlewares []Middleware
}

// New creates a controller. parsers and convs are required; interp, resp,
// and persist are optional collaborators.
func New(opts Options, parsers *platform.Registry, convs *conversation.Store) *Controller {
	return &Controller{
		opts:       withDefaults(opts),
		parsers:    parsers,
		convs:      convs,
		transports: make(map[message.Platform]Transport),
	}
}

func withDefaults(opts Options) Options {
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = 120 * time.Second
	}
	if opts.ErrorReply == "" {
		opts.ErrorReply = defaultErrorReply
	}
	return opts
}

// SetOptions replaces the gating and reply options, applying the same
// defaults as New. Safe to call while messages are being processed; used
// by config hot reload.
func (c *Controller) SetOptions(opts Options) {
	opts = withDefaults(opts)
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// SetInterpreter wires the command interpreter.
func (c *Controller) SetInterpreter(in *command.Interpreter) {
	c.mu.Lock()
	c.interp = in
	c.mu.Unlock()
}

// SetResponder wires the free-form responder.
func (c *Controller) SetResponder(r responder.Responder) {
	c.mu.Lock()
	c.resp = r
	c.mu.Unlock()
}

// SetPersistentStore wires the optional durable write-through store.
func (c *Controller) SetPersistentStore(ps store.ConversationStore) {
	c.mu.Lock()
	c.persist = ps
	c.mu.Unlock()
}

// RegisterTransport wires a delivery transport for its platform.
func (c *Controller) RegisterTransport(t Transport) {
	c.transports[t.Platform()] = t
}

// Use appends a middleware to the chain. Order of calls is execution order.
func (c *Controller) Use(mw Middleware) {
	c.middlewares = append(c.middlewares, mw)
}

// Ingest parses a raw platform payload and processes the resulting message.
// Unparseable payloads are dropped with a debug log.
func (c *Controller) Ingest(ctx context.Context, payload []byte) ProcessResult {
	msg := c.parsers.Parse(payload)
	if msg == nil {
		slog.Debug("payload matched no parser, dropped")
		return ProcessResult{Outcome: OutcomeIgnored}
	}
	return c.Process(ctx, msg)
}

// Process runs one canonical message through the pipeline.
func (c *Controller) Process(ctx context.Context, msg *message.Message) ProcessResult {
	c.mu.RLock()
	opts, interp, resp := c.opts, c.interp, c.resp
	c.mu.RUnlock()

	// Gating happens before any state mutation or collaborator call.
	if !c.gate(msg, opts) {
		return ProcessResult{Outcome: OutcomeIgnored}
	}

	cc := &ChatContext{
		Message:  msg,
		UserKey:  msg.UserKey(),
		Platform: msg.Platform,
		Metadata: make(map[string]string),
	}
	if !c.runMiddleware(ctx, cc) {
		slog.Debug("middleware stopped processing", "user_key", cc.UserKey)
		return ProcessResult{Outcome: OutcomeIgnored}
	}

	// Command path.
	wasCommand := false
	if interp != nil {
		if recognized, res := interp.Process(ctx, msg); recognized {
			wasCommand = true
			out := ProcessResult{WasCommand: true}
			if res != nil && res.Response != "" {
				out.Reply = res.Response
				out.Send = c.deliver(ctx, msg, res.Response)
				out.Outcome = outcomeFromSend(out.Send)
			} else {
				out.Outcome = OutcomeIgnored
			}
			if res == nil || !res.Continue {
				return out
			}
			// should_continue: recognized command, but free-form
			// processing still runs below. WasCommand carries into
			// that result.
		}
	}

	// Responder path.
	if resp == nil {
		slog.Debug("no responder configured, message ignored", "user_key", cc.UserKey)
		return ProcessResult{Outcome: OutcomeIgnored, WasCommand: wasCommand}
	}
	reply := c.respond(ctx, cc, opts, resp)
	send := c.deliver(ctx, msg, reply)
	return ProcessResult{
		Outcome:    outcomeFromSend(send),
		WasCommand: wasCommand,
		Reply:      reply,
		Send:       send,
	}
}

// gate applies the short-circuit checks that run before middleware.
func (c *Controller) gate(msg *message.Message, opts Options) bool {
	if !opts.Enabled {
		return false
	}
	if len(opts.ChatTypes) > 0 {
		allowed := false
		for _, ct := range opts.ChatTypes {
			if ct == msg.ChatType {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Debug("chat type disabled", "chat_type", msg.ChatType)
			return false
		}
	}
	if opts.RequireMention && msg.ChatType == message.ChatGroup && !msg.MentionsBot {
		slog.Debug("group message without bot mention ignored",
			"chat_id", msg.ChatID, "sender_id", msg.SenderID)
		return false
	}
	return true
}

// respond invokes the responder under the configured timeout, records the
// exchange in conversation state, and substitutes the generic error reply
// on any failure.
func (c *Controller) respond(ctx context.Context, cc *ChatContext, opts Options, resp responder.Responder) string {
	msg := cc.Message
	now := time.Now()

	c.convs.Append(cc.UserKey, []conversation.Turn{
		{Role: "user", Content: msg.Content, Timestamp: now},
	}, 0, 0)
	c.persistMessage(ctx, cc, "user", msg.Content, 0)

	respCtx, cancel := context.WithTimeout(ctx, opts.ResponderTimeout)
	defer cancel()

	reply, err := resp.Respond(respCtx, cc.UserKey, msg.Content)
	if err != nil {
		slog.Error("responder failed",
			"user_key", cc.UserKey, "platform", cc.Platform, "error", err)
		return opts.ErrorReply
	}

	reply = Truncate(reply, opts.MaxReplyLength)

	inTokens, outTokens := c.usageFor(resp, cc.UserKey, msg.Content, reply)
	c.convs.Append(cc.UserKey, []conversation.Turn{
		{Role: "assistant", Content: reply, Timestamp: time.Now()},
	}, inTokens, outTokens)
	c.persistMessage(ctx, cc, "assistant", reply, outTokens)

	return reply
}

// usageFor prefers real token usage from the responder (capability probe),
// falling back to a chars/4 estimate.
func (c *Controller) usageFor(resp responder.Responder, userKey, input, output string) (int64, int64) {
	if ur, ok := resp.(responder.UsageReporter); ok {
		if in, out := ur.LastUsage(userKey); in > 0 || out > 0 {
			return in, out
		}
	}
	return estimateTokens(input), estimateTokens(output)
}

// persistMessage writes one turn through to the durable store, best effort.
func (c *Controller) persistMessage(ctx context.Context, cc *ChatContext, role, content string, tokens int64) {
	c.mu.RLock()
	ps := c.persist
	c.mu.RUnlock()
	if ps == nil {
		return
	}
	conv, err := ps.GetOrCreate(ctx, cc.UserKey, string(cc.Platform), cc.Message.ChatID)
	if err != nil {
		slog.Warn("persistent store get-or-create failed", "user_key", cc.UserKey, "error", err)
		return
	}
	if err := ps.SaveMessage(ctx, conv.ID, role, content, tokens, nil); err != nil {
		slog.Warn("persistent store save failed", "conversation_id", conv.ID, "error", err)
	}
}

func outcomeFromSend(res SendResult) Outcome {
	if res.Success {
		return OutcomeDelivered
	}
	return OutcomeDeliveryFailed
}

// estimateTokens approximates token count as runes/4. Only used when the
// responder cannot report real usage.
func estimateTokens(s string) int64 {
	return int64((utf8.RuneCountInString(s) + 3) / 4)
}

// Truncate shortens s to maxRunes runes, appending "..." if truncated.
// maxRunes <= 0 disables truncation.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
