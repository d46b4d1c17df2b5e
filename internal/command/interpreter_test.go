package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/conversation"
	"github.com/nextlevelbuilder/chatbridge/internal/message"
	"github.com/nextlevelbuilder/chatbridge/internal/personas"
)

func testMessage(content string) *message.Message {
	return &message.Message{
		ID:       "m1",
		Platform: message.PlatformLark,
		ChatType: message.ChatPrivate,
		SenderID: "u1",
		Content:  content,
	}
}

func TestInterpreter_IsCommand(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})

	tests := []struct {
		text string
		want bool
	}{
		{"/help", true},
		{"  /reset now", true},
		{"hello", false},
		{"say /help please", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := in.IsCommand(tt.text); got != tt.want {
			t.Errorf("IsCommand(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestInterpreter_CustomPrefix(t *testing.T) {
	in := NewInterpreter("!", Collaborators{})
	if !in.IsCommand("!help") {
		t.Error("!help should be a command under the ! prefix")
	}
	if in.IsCommand("/help") {
		t.Error("/help should not be a command under the ! prefix")
	}
}

func TestInterpreter_ParseCommand(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})

	tests := []struct {
		text     string
		wantName string
		wantArgs []string
	}{
		{"/model gpt-4o", "/model", []string{"gpt-4o"}},
		{"  /HISTORY  3  ", "/history", []string{"3"}},
		{"/help", "/help", nil},
		{"", "", nil},
	}
	for _, tt := range tests {
		name, args := in.ParseCommand(tt.text)
		if name != tt.wantName {
			t.Errorf("ParseCommand(%q) name = %q, want %q", tt.text, name, tt.wantName)
		}
		if len(args) != len(tt.wantArgs) {
			t.Errorf("ParseCommand(%q) args = %v, want %v", tt.text, args, tt.wantArgs)
			continue
		}
		for i := range args {
			if args[i] != tt.wantArgs[i] {
				t.Errorf("ParseCommand(%q) args = %v, want %v", tt.text, args, tt.wantArgs)
			}
		}
	}
}

func TestInterpreter_RegisterCollisions(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	noop := func(context.Context, Request) (*Result, error) { return &Result{Success: true}, nil }

	if err := in.Register("/weather", "Weather lookup", noop); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := in.Register("/weather", "again", noop); !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("custom collision err = %v, want ErrDuplicateCommand", err)
	}
	if err := in.Register("/help", "shadow a builtin", noop); !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("builtin collision err = %v, want ErrDuplicateCommand", err)
	}
	if err := in.Register("weather2", "no prefix", noop); err == nil {
		t.Error("registration without prefix should fail")
	}
	if err := in.Register("/nilh", "nil handler", nil); err == nil {
		t.Error("nil handler should fail")
	}
}

func TestInterpreter_ProcessNonCommand(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	handled, res := in.Process(context.Background(), testMessage("just chatting"))
	if handled || res != nil {
		t.Errorf("Process = (%v, %v), want (false, nil)", handled, res)
	}
}

func TestInterpreter_ProcessUnknownCommand(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	handled, res := in.Process(context.Background(), testMessage("/frobnicate"))
	if !handled {
		t.Fatal("unknown command should still be handled")
	}
	if res.Success {
		t.Error("unknown command should fail")
	}
	if !strings.Contains(res.Response, "/help") {
		t.Errorf("response should point at /help: %q", res.Response)
	}
}

func TestInterpreter_ProcessCustomCommand(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	err := in.Register("/echo", "Echo arguments", func(_ context.Context, req Request) (*Result, error) {
		return &Result{Success: true, Response: strings.Join(req.Args, " ")}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	handled, res := in.Process(context.Background(), testMessage("/echo a b c"))
	if !handled || !res.Success {
		t.Fatalf("Process = (%v, %+v)", handled, res)
	}
	if res.Response != "a b c" {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestInterpreter_HandlerErrorBecomesResult(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	in.Register("/boom", "", func(context.Context, Request) (*Result, error) {
		return nil, fmt.Errorf("backend down")
	})

	handled, res := in.Process(context.Background(), testMessage("/boom"))
	if !handled {
		t.Fatal("command should be handled")
	}
	if res.Success {
		t.Error("handler error should yield a failed result")
	}
	if !strings.Contains(res.Response, "backend down") {
		t.Errorf("Response = %q, want the error surfaced", res.Response)
	}
}

func TestInterpreter_HandlerPanicRecovered(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	in.Register("/panic", "", func(context.Context, Request) (*Result, error) {
		panic("unexpected")
	})

	handled, res := in.Process(context.Background(), testMessage("/panic"))
	if !handled {
		t.Fatal("command should be handled")
	}
	if res.Success {
		t.Error("panicking handler should yield a failed result")
	}
	if !strings.Contains(res.Response, "internal error") {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestInterpreter_ContinueFlag(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	in.Register("/note", "", func(context.Context, Request) (*Result, error) {
		return &Result{Success: true, Continue: true}, nil
	})

	_, res := in.Process(context.Background(), testMessage("/note remember this"))
	if !res.Continue {
		t.Error("Continue flag should pass through")
	}
}

func TestBuiltin_Help(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	in.Register("/custom", "A custom one", func(context.Context, Request) (*Result, error) {
		return &Result{Success: true}, nil
	})

	_, res := in.Process(context.Background(), testMessage("/help"))
	if !res.Success {
		t.Fatalf("help failed: %+v", res)
	}
	for _, want := range []string{"/help", "/reset", "/history", "/model", "/stats", "/clear", "/persona", "/custom"} {
		if !strings.Contains(res.Response, want) {
			t.Errorf("help output missing %s", want)
		}
	}
}

func TestBuiltin_ResetAndHistory(t *testing.T) {
	store := conversation.NewStore()
	in := NewInterpreter("/", Collaborators{Store: store})
	msg := testMessage("/history")

	store.Append(msg.UserKey(), []conversation.Turn{
		{Role: "user", Content: "what is Go"},
		{Role: "assistant", Content: "a language"},
	}, 4, 8)

	_, res := in.Process(context.Background(), msg)
	if !res.Success {
		t.Fatalf("history failed: %+v", res)
	}
	if !strings.Contains(res.Response, "You: what is Go") || !strings.Contains(res.Response, "Bot: a language") {
		t.Errorf("history output = %q", res.Response)
	}

	_, res = in.Process(context.Background(), testMessage("/history zero"))
	if res.Success {
		t.Error("non-numeric turn count should fail")
	}

	_, res = in.Process(context.Background(), testMessage("/reset"))
	if !res.Success {
		t.Fatalf("reset failed: %+v", res)
	}

	_, res = in.Process(context.Background(), testMessage("/history"))
	if !strings.Contains(res.Response, "No conversation yet") {
		t.Errorf("after reset, history = %q", res.Response)
	}
}

func TestBuiltin_ResetWithoutStore(t *testing.T) {
	in := NewInterpreter("/", Collaborators{})
	_, res := in.Process(context.Background(), testMessage("/reset"))
	if res.Success {
		t.Error("reset without a store should fail, not panic")
	}
}

// fakeSwitcher implements ModelSwitcher for the /model tests.
type fakeSwitcher struct {
	current string
	models  []string
}

func (f *fakeSwitcher) Current(string) string { return f.current }
func (f *fakeSwitcher) Available() []string   { return f.models }
func (f *fakeSwitcher) Switch(_ string, model string) error {
	for _, m := range f.models {
		if m == model {
			f.current = model
			return nil
		}
	}
	return fmt.Errorf("unknown model")
}

func TestBuiltin_Model(t *testing.T) {
	store := conversation.NewStore()
	sw := &fakeSwitcher{current: "gpt-4o-mini", models: []string{"gpt-4o-mini", "gpt-4o"}}
	in := NewInterpreter("/", Collaborators{Store: store, Models: sw})

	_, res := in.Process(context.Background(), testMessage("/model"))
	if !res.Success || !strings.Contains(res.Response, "gpt-4o-mini") {
		t.Errorf("model listing = %+v", res)
	}

	msg := testMessage("/model gpt-4o")
	_, res = in.Process(context.Background(), msg)
	if !res.Success {
		t.Fatalf("switch failed: %+v", res)
	}
	if sw.current != "gpt-4o" {
		t.Errorf("current = %q after switch", sw.current)
	}
	st, err := store.Get(msg.UserKey())
	if err != nil {
		t.Fatal(err)
	}
	if st.Context["model"] != "gpt-4o" {
		t.Errorf("context model = %q, want persisted selection", st.Context["model"])
	}

	_, res = in.Process(context.Background(), testMessage("/model claude"))
	if res.Success {
		t.Error("switch to unknown model should fail")
	}
}

func TestBuiltin_Persona(t *testing.T) {
	store := conversation.NewStore()
	reg := personas.NewRegistry("assistant")
	reg.Register(personas.Persona{Name: "assistant", Prompt: "You are helpful."})
	reg.Register(personas.Persona{Name: "pirate", Prompt: "Talk like a pirate."})
	in := NewInterpreter("/", Collaborators{Store: store, Personas: reg})

	_, res := in.Process(context.Background(), testMessage("/persona"))
	if !res.Success || !strings.Contains(res.Response, "pirate") {
		t.Errorf("persona listing = %+v", res)
	}

	msg := testMessage("/persona pirate")
	_, res = in.Process(context.Background(), msg)
	if !res.Success {
		t.Fatalf("persona switch failed: %+v", res)
	}
	st, _ := store.Get(msg.UserKey())
	if st.Context["persona"] != "pirate" {
		t.Errorf("context persona = %q", st.Context["persona"])
	}

	_, res = in.Process(context.Background(), testMessage("/persona ghost"))
	if res.Success {
		t.Error("unknown persona should fail")
	}
}

// fakeAdmin implements AdminCapability for the /stats test.
type fakeAdmin struct{ status string }

func (f fakeAdmin) Status(context.Context) (string, error) { return f.status, nil }

func TestBuiltin_Stats(t *testing.T) {
	store := conversation.NewStore()
	in := NewInterpreter("/", Collaborators{Store: store, Admin: fakeAdmin{status: "connected"}})
	msg := testMessage("/stats")

	store.Append(msg.UserKey(), []conversation.Turn{{Role: "user", Content: "hi"}}, 3, 0)
	store.Append("other:group:u9", []conversation.Turn{{Role: "user", Content: "yo"}}, 1, 0)

	_, res := in.Process(context.Background(), msg)
	if !res.Success {
		t.Fatalf("stats failed: %+v", res)
	}
	if !strings.Contains(res.Response, "2 active") {
		t.Errorf("stats = %q, want aggregate conversation count", res.Response)
	}
	if !strings.Contains(res.Response, "connected") {
		t.Errorf("stats = %q, want platform status line", res.Response)
	}
}
