package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/conversation"
	"github.com/nextlevelbuilder/chatbridge/internal/personas"
)

// ModelSwitcher lets the /model command inspect and change the active
// response model for a conversation.
type ModelSwitcher interface {
	Current(userKey string) string
	Switch(userKey, model string) error
	Available() []string
}

// AdminCapability is a platform-specific operational surface consulted by
// the /stats command. Implementations live with the delivery transports.
type AdminCapability interface {
	Status(ctx context.Context) (string, error)
}

// Collaborators are the injected dependencies built-in commands operate on.
// Any of them may be nil; the commands degrade to a descriptive failure
// instead of panicking.
type Collaborators struct {
	Store    *conversation.Store
	Models   ModelSwitcher
	Personas *personas.Registry
	Admin    AdminCapability
}

const defaultHistoryTurns = 5

// registerBuiltins installs the fixed built-in command set. These names are
// user-facing and must stay stable across releases.
func (in *Interpreter) registerBuiltins(deps Collaborators) {
	add := func(name, description string, h Handler) {
		full := in.prefix + name
		in.builtins[full] = h
		in.descriptions[full] = description
	}

	add("help", "Show available commands", in.handleHelp)
	add("reset", "Reset conversation history", deps.handleReset)
	add("history", "Show recent conversation turns", deps.handleHistory)
	add("model", "Show or switch the response model", deps.handleModel)
	add("stats", "Show conversation statistics", deps.handleStats)
	add("clear", "Clear cross-turn context data", deps.handleClear)
	add("persona", "Show or switch the active persona", deps.handlePersona)
}

func (in *Interpreter) handleHelp(_ context.Context, _ Request) (*Result, error) {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range in.Commands() {
		if desc := in.descriptions[name]; desc != "" {
			fmt.Fprintf(&sb, "%s — %s\n", name, desc)
		} else {
			sb.WriteString(name + "\n")
		}
	}
	return &Result{Success: true, Response: strings.TrimRight(sb.String(), "\n")}, nil
}

func (c Collaborators) handleReset(_ context.Context, req Request) (*Result, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("conversation store not configured")
	}
	c.Store.Clear(req.UserKey)
	return &Result{Success: true, Response: "Conversation history has been reset."}, nil
}

func (c Collaborators) handleHistory(_ context.Context, req Request) (*Result, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("conversation store not configured")
	}

	maxTurns := defaultHistoryTurns
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return &Result{
				Success:  false,
				Response: fmt.Sprintf("Usage: %s [turns] — turns must be a positive number.", req.Name),
			}, nil
		}
		maxTurns = n
	}

	turns, err := c.Store.Recent(req.UserKey, maxTurns)
	if err != nil || len(turns) == 0 {
		return &Result{Success: true, Response: "No conversation yet. Say something first!"}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d entries:\n", len(turns))
	for _, t := range turns {
		role := "You"
		if t.Role == "assistant" {
			role = "Bot"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	return &Result{Success: true, Response: strings.TrimRight(sb.String(), "\n")}, nil
}

func (c Collaborators) handleModel(_ context.Context, req Request) (*Result, error) {
	if c.Models == nil {
		return &Result{Success: false, Response: "Model switching is not available."}, nil
	}

	if len(req.Args) == 0 {
		current := c.Models.Current(req.UserKey)
		available := strings.Join(c.Models.Available(), ", ")
		return &Result{
			Success:  true,
			Response: fmt.Sprintf("Current model: %s\nAvailable: %s", current, available),
		}, nil
	}

	target := req.Args[0]
	if err := c.Models.Switch(req.UserKey, target); err != nil {
		return &Result{
			Success:  false,
			Response: fmt.Sprintf("Cannot switch to %q: %v", target, err),
		}, nil
	}
	if c.Store != nil {
		c.Store.SetContext(req.UserKey, "model", target)
	}
	return &Result{Success: true, Response: "Switched model to " + target + "."}, nil
}

func (c Collaborators) handleStats(ctx context.Context, req Request) (*Result, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("conversation store not configured")
	}

	var sb strings.Builder
	st, err := c.Store.Get(req.UserKey)
	if err != nil {
		sb.WriteString("No conversation yet.\n")
	} else {
		fmt.Fprintf(&sb, "Your conversation:\n  messages: %d\n  input tokens: %d\n  output tokens: %d\n  started: %s\n",
			st.MessageCount, st.InputTokens, st.OutputTokens, st.CreatedAt.Format("2006-01-02 15:04"))
	}

	agg := c.Store.Stats()
	fmt.Fprintf(&sb, "All conversations: %d active, %d messages total.",
		agg.Conversations, agg.Messages)

	if c.Admin != nil {
		if status, err := c.Admin.Status(ctx); err == nil && status != "" {
			sb.WriteString("\nPlatform: " + status)
		}
	}
	return &Result{Success: true, Response: sb.String()}, nil
}

func (c Collaborators) handleClear(_ context.Context, req Request) (*Result, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("conversation store not configured")
	}
	c.Store.ClearContext(req.UserKey)
	return &Result{Success: true, Response: "Context data cleared."}, nil
}

func (c Collaborators) handlePersona(_ context.Context, req Request) (*Result, error) {
	if c.Personas == nil {
		return &Result{Success: false, Response: "Personas are not available."}, nil
	}

	if len(req.Args) == 0 {
		names := strings.Join(c.Personas.Names(), ", ")
		if names == "" {
			return &Result{Success: true, Response: "No personas configured."}, nil
		}
		return &Result{Success: true, Response: "Available personas: " + names}, nil
	}

	name := req.Args[0]
	p, ok := c.Personas.Get(name)
	if !ok {
		return &Result{
			Success:  false,
			Response: fmt.Sprintf("Unknown persona %q. Available: %s", name, strings.Join(c.Personas.Names(), ", ")),
		}, nil
	}
	if c.Store != nil {
		c.Store.SetContext(req.UserKey, "persona", p.Name)
	}
	return &Result{Success: true, Response: "Persona switched to " + p.Name + "."}, nil
}
