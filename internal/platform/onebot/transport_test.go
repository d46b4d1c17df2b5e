package onebot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// recordingCaller captures the last action and params.
type recordingCaller struct {
	action string
	params map[string]interface{}
	data   json.RawMessage
	err    error
}

func (c *recordingCaller) Call(_ context.Context, action string, params interface{}) (json.RawMessage, error) {
	c.action = action
	if m, ok := params.(map[string]interface{}); ok {
		c.params = m
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.data, nil
}

func TestTransport_ResolveTarget(t *testing.T) {
	tr := NewTransport(&recordingCaller{})

	tests := []struct {
		name string
		msg  *message.Message
		want string
	}{
		{
			"private",
			&message.Message{ChatType: message.ChatPrivate, SenderID: "555"},
			"private:555",
		},
		{
			"group",
			&message.Message{ChatType: message.ChatGroup, ChatID: "98765", SenderID: "555"},
			"group:98765",
		},
		{
			"guild channel",
			&message.Message{ChatType: message.ChatChannel, ChatID: "c2", ThreadID: "g1"},
			"channel:g1:c2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.ResolveTarget(tt.msg); got != tt.want {
				t.Errorf("ResolveTarget = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransport_SendText(t *testing.T) {
	caller := &recordingCaller{data: json.RawMessage(`{"message_id": 77}`)}
	tr := NewTransport(caller)

	res := tr.SendText(context.Background(), "group:98765", "hello [test]")
	if !res.Success {
		t.Fatalf("SendText failed: %v", res.Err)
	}
	if res.MessageID != "77" {
		t.Errorf("MessageID = %q, want 77", res.MessageID)
	}
	if caller.action != "send_group_msg" {
		t.Errorf("action = %q", caller.action)
	}
	if caller.params["group_id"] != int64(98765) {
		t.Errorf("group_id = %v (%T)", caller.params["group_id"], caller.params["group_id"])
	}
	if caller.params["message"] != "hello &#91;test&#93;" {
		t.Errorf("message = %q, want escaped brackets", caller.params["message"])
	}
}

func TestTransport_SendQuoteReply(t *testing.T) {
	caller := &recordingCaller{data: json.RawMessage(`{"message_id": 78}`)}
	tr := NewTransport(caller)

	res := tr.SendQuoteReply(context.Background(), "42", "sure", "private:555")
	if !res.Success {
		t.Fatalf("SendQuoteReply failed: %v", res.Err)
	}
	if caller.action != "send_private_msg" {
		t.Errorf("action = %q", caller.action)
	}
	if caller.params["message"] != "[CQ:reply,id=42]sure" {
		t.Errorf("message = %q", caller.params["message"])
	}
	if caller.params["user_id"] != int64(555) {
		t.Errorf("user_id = %v", caller.params["user_id"])
	}
}

func TestBuildSendParams(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantAction string
		wantErr    bool
	}{
		{"private", "private:1", "send_private_msg", false},
		{"group", "group:2", "send_group_msg", false},
		{"channel", "channel:g:c", "send_guild_channel_msg", false},
		{"bare numeric defaults to group", "345", "send_group_msg", false},
		{"bad private id", "private:abc", "", true},
		{"channel missing part", "channel:g", "", true},
		{"unknown kind", "carrier:1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, _, err := buildSendParams(tt.target, "x")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if action != tt.wantAction {
				t.Errorf("action = %q, want %q", action, tt.wantAction)
			}
		})
	}
}

func TestCQEscapeValue(t *testing.T) {
	got := cqEscapeValue("a,b[c]&d")
	want := "a&#44;b&#91;c&#93;&amp;d"
	if got != want {
		t.Errorf("cqEscapeValue = %q, want %q", got, want)
	}
}
