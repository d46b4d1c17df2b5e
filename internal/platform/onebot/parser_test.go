package onebot

import (
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

func fixedParser() *Parser {
	p := NewParser("10001")
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
		{"message event", `{"post_type":"message","message_type":"group"}`, true},
		{"notice event", `{"post_type":"notice"}`, false},
		{"meta event", `{"post_type":"meta_event","meta_event_type":"heartbeat"}`, false},
		{"lark event", `{"schema":"2.0"}`, false},
		{"not json", `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.CanParse([]byte(tt.payload)); got != tt.want {
				t.Errorf("CanParse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParser_Parse_GroupSegments(t *testing.T) {
	p := fixedParser()

	payload := `{
		"time": 1693834271,
		"self_id": 10001,
		"post_type": "message",
		"message_type": "group",
		"sub_type": "normal",
		"message_id": 42,
		"group_id": 98765,
		"user_id": 12345,
		"message": [
			{"type": "reply", "data": {"id": "41"}},
			{"type": "at", "data": {"qq": "10001"}},
			{"type": "text", "data": {"text": " hello bot"}}
		],
		"raw_message": "[CQ:reply,id=41][CQ:at,qq=10001] hello bot",
		"sender": {"user_id": 12345, "nickname": "alice", "card": "Alice C"}
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ID != "42" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.Platform != message.PlatformOneBot {
		t.Errorf("Platform = %q", msg.Platform)
	}
	if msg.ChatType != message.ChatGroup || msg.ChatID != "98765" {
		t.Errorf("chat = %q/%q", msg.ChatType, msg.ChatID)
	}
	if msg.SenderID != "12345" {
		t.Errorf("SenderID = %q", msg.SenderID)
	}
	if msg.SenderName != "Alice C" {
		t.Errorf("SenderName = %q, want group card preferred", msg.SenderName)
	}
	if msg.Content != "hello bot" {
		t.Errorf("Content = %q", msg.Content)
	}
	if !msg.MentionsBot {
		t.Error("MentionsBot should be true for at self_id")
	}
	if msg.ReplyToID != "41" {
		t.Errorf("ReplyToID = %q", msg.ReplyToID)
	}
	if msg.Timestamp.Unix() != 1693834271 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
}

func TestParser_Parse_PrivateCQString(t *testing.T) {
	p := fixedParser()

	payload := `{
		"time": 1693834271,
		"self_id": "10001",
		"post_type": "message",
		"message_type": "private",
		"message_id": "7",
		"user_id": "555",
		"message": "hi there &#91;brackets&#93; &amp; stuff",
		"sender": {"nickname": "bob"}
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ChatType != message.ChatPrivate {
		t.Errorf("ChatType = %q", msg.ChatType)
	}
	if msg.ChatID != "" {
		t.Errorf("ChatID = %q, want empty for private", msg.ChatID)
	}
	if msg.Content != "hi there [brackets] & stuff" {
		t.Errorf("Content = %q, want CQ escapes decoded", msg.Content)
	}
	if msg.UserKey() != "onebot:private:555" {
		t.Errorf("UserKey = %q", msg.UserKey())
	}
}

func TestParser_Parse_Guild(t *testing.T) {
	p := fixedParser()

	payload := `{
		"post_type": "message",
		"message_type": "guild",
		"message_id": "9",
		"user_id": 777,
		"guild_id": "g1",
		"channel_id": "c2",
		"message": [{"type": "text", "data": {"text": "in a channel"}}]
	}`

	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if msg.ChatType != message.ChatChannel {
		t.Errorf("ChatType = %q", msg.ChatType)
	}
	if msg.ChatID != "c2" || msg.ThreadID != "g1" {
		t.Errorf("ChatID/ThreadID = %q/%q, want channel/guild", msg.ChatID, msg.ThreadID)
	}
}

func TestParser_Parse_UnsupportedType(t *testing.T) {
	p := fixedParser()
	payload := `{"post_type":"message","message_type":"whisper","message_id":"1","user_id":1}`
	if msg := p.Parse([]byte(payload)); msg != nil {
		t.Errorf("expected nil for unsupported message_type, got %+v", msg)
	}
}

func TestParseCQString(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantContent string
		wantMention []string
		wantAtAll   bool
		wantReply   string
	}{
		{"plain", "hello", "hello", nil, false, ""},
		{"at and text", "[CQ:at,qq=123] ping", " ping", []string{"123"}, false, ""},
		{"at all", "[CQ:at,qq=all] everyone", " everyone", nil, true, ""},
		{"reply prefix", "[CQ:reply,id=99]sure", "sure", nil, false, "99"},
		{"image inline", "see [CQ:image,file=a.png] here", "see [image] here", nil, false, ""},
		{"escaped text", "a &#91;b&#93; &#44; &amp; c", "a [b] , & c", nil, false, ""},
		{"unterminated code", "text [CQ:at,qq=1", "text [CQ:at,qq=1", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, mentions, atAll, reply := parseCQString(tt.in)
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
			if !reflect.DeepEqual(mentions, tt.wantMention) {
				t.Errorf("mentions = %v, want %v", mentions, tt.wantMention)
			}
			if atAll != tt.wantAtAll {
				t.Errorf("atAll = %v, want %v", atAll, tt.wantAtAll)
			}
			if reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", reply, tt.wantReply)
			}
		})
	}
}

func TestMentionsBot_AtAll(t *testing.T) {
	p := fixedParser()
	payload := `{
		"post_type": "message",
		"message_type": "group",
		"message_id": 1,
		"group_id": 2,
		"user_id": 3,
		"message": [{"type": "at", "data": {"qq": "all"}}, {"type": "text", "data": {"text": "meeting"}}]
	}`
	msg := p.Parse([]byte(payload))
	if msg == nil {
		t.Fatal("Parse returned nil")
	}
	if !msg.MentionsBot {
		t.Error("at-all should count as mentioning the bot")
	}
	// "all" is a broadcast marker, not a user identifier.
	if len(msg.Mentions) != 0 {
		t.Errorf("Mentions = %v, want no user mentions from at-all", msg.Mentions)
	}
}
