// Package responder defines the free-form response capability consumed by
// the chat controller, plus the OpenAI-backed implementation used in
// production. The controller only sees the narrow Respond contract; richer
// information (token usage) is exposed through optional capability
// interfaces probed by the caller.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nextlevelbuilder/chatbridge/internal/conversation"
	"github.com/nextlevelbuilder/chatbridge/internal/personas"
)

// Responder produces reply text for non-command messages. Implementations
// may fail; the controller substitutes a generic error message.
type Responder interface {
	Respond(ctx context.Context, userKey, content string) (string, error)
}

// UsageReporter is an optional capability: responders that know real token
// usage for the last completed call expose it here. Callers probe with a
// type assertion and fall back to estimation when absent.
type UsageReporter interface {
	LastUsage(userKey string) (inputTokens, outputTokens int64)
}

// Options configure the OpenAI responder.
type Options struct {
	APIKey       string
	BaseURL      string // optional, for compatible endpoints
	DefaultModel string
	Models       []string // switchable set; empty allows any
	HistoryTurns int      // conversation turns included as context
}

// OpenAI is the production responder. It builds the prompt from the
// conversation store (persona system prompt + recent turns) and keeps
// per-conversation model overrides, which also makes it the model-switch
// collaborator for the /model command.
type OpenAI struct {
	client  *openai.Client
	opts    Options
	store   *conversation.Store
	reg     *personas.Registry
	mu      sync.RWMutex
	models  map[string]string // userKey → model override
	usage   map[string][2]int64
}

// NewOpenAI creates the responder. store and reg may be nil; prompts then
// carry no history or persona.
func NewOpenAI(opts Options, store *conversation.Store, reg *personas.Registry) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("responder api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = openai.GPT4oMini
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		store:  store,
		reg:    reg,
		models: make(map[string]string),
		usage:  make(map[string][2]int64),
	}, nil
}

// Respond produces the reply for one user message.
func (r *OpenAI) Respond(ctx context.Context, userKey, content string) (string, error) {
	msgs := r.buildPrompt(userKey, content)

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.Current(userKey),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	r.mu.Lock()
	r.usage[userKey] = [2]int64{int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)}
	r.mu.Unlock()

	return resp.Choices[0].Message.Content, nil
}

func (r *OpenAI) buildPrompt(userKey, content string) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage

	if prompt := r.systemPrompt(userKey); prompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt,
		})
	}

	if r.store != nil {
		turns, err := r.store.Recent(userKey, r.opts.HistoryTurns)
		if err == nil {
			for _, t := range turns {
				role := openai.ChatMessageRoleUser
				if t.Role == "assistant" {
					role = openai.ChatMessageRoleAssistant
				}
				msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
			}
		}
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
}

// systemPrompt resolves the persona selected in the conversation context,
// falling back to the registry default.
func (r *OpenAI) systemPrompt(userKey string) string {
	if r.reg == nil {
		return ""
	}
	if r.store != nil {
		if st, err := r.store.Get(userKey); err == nil {
			if name := st.Context["persona"]; name != "" {
				if p, ok := r.reg.Get(name); ok {
					return p.Prompt
				}
				slog.Debug("selected persona no longer registered", "persona", name)
			}
		}
	}
	if p, ok := r.reg.Default(); ok {
		return p.Prompt
	}
	return ""
}

// LastUsage reports real token usage from the most recent call.
func (r *OpenAI) LastUsage(userKey string) (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := r.usage[userKey]
	return u[0], u[1]
}

// --- Model switching (command.ModelSwitcher) ---

// Current returns the active model for a conversation.
func (r *OpenAI) Current(userKey string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[userKey]; ok {
		return m
	}
	return r.opts.DefaultModel
}

// Switch overrides the model for a conversation. When a switchable set is
// configured, unknown models are rejected.
func (r *OpenAI) Switch(userKey, model string) error {
	if len(r.opts.Models) > 0 {
		found := false
		for _, m := range r.opts.Models {
			if m == model {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("model not in configured set")
		}
	}
	r.mu.Lock()
	r.models[userKey] = model
	r.mu.Unlock()
	return nil
}

// Available lists the switchable models.
func (r *OpenAI) Available() []string {
	if len(r.opts.Models) > 0 {
		return r.opts.Models
	}
	return []string{r.opts.DefaultModel}
}
