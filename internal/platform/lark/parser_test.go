package lark

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

const botOpenID = "ou_bot"

func fixedParser() *Parser {
	p := NewParser(botOpenID)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

func TestParser_CanParse(t *testing.T) {
	p := fixedParser()

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"schema 2.0 message", `{"schema":"2.0","header":{"event_type":"im.message.receive_v1"}}`, true},
		{"schema 2.0 other event", `{"schema":"2.0","header":{"event_type":"im.chat.updated_v1"}}`, false},
		{"legacy message", `{"type":"event_callback","event":{"type":"message"}}`, true},
		{"legacy other event", `{"type":"event_callback","event":{"type":"app_open"}}`, false},
		{"url verification", `{"type":"url_verification","challenge":"x"}`, false},
		{"not json", `hello`, false},
		{"onebot event", `{"post_type":"message","message_type":"group"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.CanParse([]byte(tt.payload)); got != tt.want {
				t.Errorf("CanParse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParser_ParseV2_GroupTextWithMention(t *testing.T) {
	p := fixedParser()

	payload := `{
		"schema": "2.0",
		"header": {"event_id": "ev1", "event_type": "im.message.receive_v1", "create_time": "1693834271000"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}, "sender_type": "user"},
			"message": {
				"message_id": "om_1",
				"chat_id": "oc_chat",
				"chat_type": "group",
				"message_type": "text",
				"create_time": "1693834271000",
				"content": "{\"text\":\"@_user_1 hello there\"}",
				"mentions": [{"key": "@_user_1", "id": {"open_id": "ou_bot"}, "name": "Bot"}]
			}
		}
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ID != "om_1" {
		t.Errorf("ID = %q, want om_1", msg.ID)
	}
	if msg.Platform != message.PlatformLark {
		t.Errorf("Platform = %q", msg.Platform)
	}
	if msg.ChatType != message.ChatGroup {
		t.Errorf("ChatType = %q, want group", msg.ChatType)
	}
	if msg.ChatID != "oc_chat" {
		t.Errorf("ChatID = %q, want oc_chat", msg.ChatID)
	}
	if msg.SenderID != "ou_alice" {
		t.Errorf("SenderID = %q, want ou_alice", msg.SenderID)
	}
	if msg.Content != "hello there" {
		t.Errorf("Content = %q, want mention key stripped", msg.Content)
	}
	if !msg.MentionsBot {
		t.Error("MentionsBot should be true")
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != "ou_bot" {
		t.Errorf("Mentions = %v", msg.Mentions)
	}
	if msg.Timestamp.UnixMilli() != 1693834271000 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
	if msg.Metadata["event_id"] != "ev1" {
		t.Errorf("Metadata event_id = %q", msg.Metadata["event_id"])
	}
}

func TestParser_ParseV2_Private(t *testing.T) {
	p := fixedParser()

	payload := `{
		"schema": "2.0",
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}},
			"message": {
				"message_id": "om_2",
				"chat_id": "oc_dm",
				"chat_type": "p2p",
				"message_type": "text",
				"content": "{\"text\":\"hi\"}"
			}
		}
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ChatType != message.ChatPrivate {
		t.Errorf("ChatType = %q, want private", msg.ChatType)
	}
	if msg.ChatID != "" {
		t.Errorf("ChatID = %q, want empty for private chat", msg.ChatID)
	}
	if !msg.IsPrivate() {
		t.Error("IsPrivate should be true")
	}
	if msg.UserKey() != "lark:private:ou_alice" {
		t.Errorf("UserKey = %q", msg.UserKey())
	}
}

func TestParser_ParseV2_MissingMessageID(t *testing.T) {
	p := fixedParser()
	payload := `{"schema":"2.0","header":{"event_type":"im.message.receive_v1"},"event":{"message":{}}}`
	if msg := p.Parse([]byte(payload)); msg != nil {
		t.Errorf("expected nil for missing message_id, got %+v", msg)
	}
}

func TestParser_ParseV1_Legacy(t *testing.T) {
	p := fixedParser()

	payload := `{
		"type": "event_callback",
		"uuid": "u1",
		"ts": "1693834271.123",
		"event": {
			"type": "message",
			"msg_type": "text",
			"open_chat_id": "oc_legacy",
			"open_message_id": "om_legacy",
			"chat_type": "group",
			"text": "@bot ping",
			"text_without_at_bot": " ping ",
			"is_mention": true,
			"user_open_id": "ou_bob"
		}
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ID != "om_legacy" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.Content != "ping" {
		t.Errorf("Content = %q, want pre-stripped text trimmed", msg.Content)
	}
	if msg.SenderID != "ou_bob" {
		t.Errorf("SenderID = %q, want user_open_id preferred", msg.SenderID)
	}
	if !msg.MentionsBot {
		t.Error("MentionsBot should follow is_mention")
	}
	if msg.ChatType != message.ChatGroup || msg.ChatID != "oc_legacy" {
		t.Errorf("chat = %q/%q", msg.ChatType, msg.ChatID)
	}
}

func TestFlattenContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msgType string
		want    string
	}{
		{"text", `{"text":"hello"}`, "text", "hello"},
		{"image", `{"image_key":"img_1"}`, "image", "[image]"},
		{"file", `{"file_name":"doc.pdf"}`, "file", "[file: doc.pdf]"},
		{"file without name", `{}`, "file", "[file]"},
		{"unknown type", `{}`, "sticker", "[sticker message]"},
		{"empty", "", "text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flattenContent(tt.content, tt.msgType); got != tt.want {
				t.Errorf("flattenContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlattenPost(t *testing.T) {
	raw := `{
		"zh_cn": {
			"title": "note",
			"content": [
				[{"tag": "text", "text": "first "}, {"tag": "a", "text": "link", "href": "https://example.com"}],
				[{"tag": "at", "user_name": "Alice"}, {"tag": "text", "text": " hi"}],
				[{"tag": "img", "image_key": "k"}]
			]
		}
	}`
	got := flattenPost(raw)
	want := "first link (https://example.com)\n@Alice hi\n[image]"
	if got != want {
		t.Errorf("flattenPost = %q, want %q", got, want)
	}
}
