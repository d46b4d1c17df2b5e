// Package command recognizes prefixed commands, parses their arguments, and
// dispatches to registered handlers. Registration is an explicit map-building
// API validated eagerly at startup; expected outcomes (unknown command,
// handler failure) are modelled as Result values, never as raised errors.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// ErrDuplicateCommand is returned when a registration collides with an
// existing built-in or custom command name.
var ErrDuplicateCommand = errors.New("command name already registered")

// Result is the structured outcome of a recognized command.
type Result struct {
	Success  bool
	Response string
	// Continue signals that, despite being a recognized command,
	// downstream free-form processing should still run.
	Continue bool
	Data     map[string]string
}

// Request carries everything a handler needs for one invocation.
type Request struct {
	Message *message.Message
	UserKey string
	Name    string
	Args    []string
}

// Handler executes one command. A returned error is caught at the dispatch
// boundary and converted into a failed Result; a panic likewise.
type Handler func(ctx context.Context, req Request) (*Result, error)

// Interpreter holds the command prefix and the two-tier handler registry.
// It is stateless per call aside from the read-only registries, so no
// locking is needed once setup is done.
type Interpreter struct {
	prefix       string
	builtins     map[string]Handler
	custom       map[string]Handler
	descriptions map[string]string
}

// NewInterpreter creates an interpreter with the standard built-in commands
// wired to the given collaborators. prefix defaults to "/".
func NewInterpreter(prefix string, deps Collaborators) *Interpreter {
	if prefix == "" {
		prefix = "/"
	}
	in := &Interpreter{
		prefix:       prefix,
		builtins:     make(map[string]Handler),
		custom:       make(map[string]Handler),
		descriptions: make(map[string]string),
	}
	in.registerBuiltins(deps)
	return in
}

// Prefix returns the configured command prefix.
func (in *Interpreter) Prefix() string { return in.prefix }

// IsCommand reports whether text, after trimming, starts with the prefix.
func (in *Interpreter) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), in.prefix)
}

// ParseCommand splits text into a lower-cased command name (prefix included)
// and whitespace-separated arguments.
func (in *Interpreter) ParseCommand(text string) (name string, args []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Register adds a custom command. Names must include the prefix
// (e.g. "/weather"). Collisions with built-ins or other custom commands
// fail eagerly — built-ins are never replaced silently.
func (in *Interpreter) Register(name string, description string, h Handler) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(name, in.prefix) {
		return fmt.Errorf("command %q must start with prefix %q", name, in.prefix)
	}
	if h == nil {
		return fmt.Errorf("command %q has nil handler", name)
	}
	if _, exists := in.builtins[name]; exists {
		return fmt.Errorf("%w: %s is a built-in", ErrDuplicateCommand, name)
	}
	if _, exists := in.custom[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	in.custom[name] = h
	in.descriptions[name] = description
	return nil
}

// Commands returns every registered command name, sorted.
func (in *Interpreter) Commands() []string {
	names := make([]string, 0, len(in.builtins)+len(in.custom))
	for name := range in.builtins {
		names = append(names, name)
	}
	for name := range in.custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process runs msg through the interpreter. Returns (false, nil) when the
// content is not a command at all. A recognized command always yields a
// Result — handler errors and panics surface as failed Results, never as
// raised errors, so one broken command cannot abort message processing.
func (in *Interpreter) Process(ctx context.Context, msg *message.Message) (bool, *Result) {
	if !in.IsCommand(msg.Content) {
		return false, nil
	}

	name, args := in.ParseCommand(msg.Content)
	req := Request{
		Message: msg,
		UserKey: msg.UserKey(),
		Name:    name,
		Args:    args,
	}

	// Custom commands take dispatch priority over built-ins.
	h, ok := in.custom[name]
	if !ok {
		h, ok = in.builtins[name]
	}
	if !ok {
		return true, &Result{
			Success:  false,
			Response: fmt.Sprintf("Unknown command %s. Send %shelp for the list of commands.", name, in.prefix),
		}
	}

	return true, in.invoke(ctx, h, req)
}

// invoke runs a handler with the dispatch-boundary recovery in place.
func (in *Interpreter) invoke(ctx context.Context, h Handler, req Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command handler panicked", "command", req.Name, "panic", r)
			res = &Result{
				Success:  false,
				Response: fmt.Sprintf("Command %s failed: internal error.", req.Name),
			}
		}
	}()

	res, err := h(ctx, req)
	if err != nil {
		slog.Warn("command handler failed", "command", req.Name, "error", err)
		return &Result{
			Success:  false,
			Response: fmt.Sprintf("Command %s failed: %v", req.Name, err),
		}
	}
	if res == nil {
		res = &Result{Success: true}
	}
	return res
}
