// Package lark implements the parser and delivery transport for the
// Lark/Feishu-style webhook platform. Two event generations are handled by
// the same parser: the legacy flat event_callback shape and the structured
// schema-2.0 header+event shape.
package lark

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
	"github.com/nextlevelbuilder/chatbridge/internal/platform"
)

// eventV2 is the schema-2.0 "im.message.receive_v1" envelope.
type eventV2 struct {
	Schema string `json:"schema"`
	Header struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"` // epoch millis as string
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			RootID      string `json:"root_id"`
			ParentID    string `json:"parent_id"`
			CreateTime  string `json:"create_time"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"` // JSON string
			Mentions    []struct {
				Key string `json:"key"` // "@_user_N" placeholder
				ID  struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
				Name string `json:"name"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// eventV1 is the legacy flat event_callback shape.
type eventV1 struct {
	Type  string      `json:"type"` // "event_callback"
	UUID  string      `json:"uuid"`
	TS    interface{} `json:"ts"`
	Event struct {
		Type             string `json:"type"` // "message"
		MsgType          string `json:"msg_type"`
		OpenChatID       string `json:"open_chat_id"`
		OpenID           string `json:"open_id"`
		OpenMessageID    string `json:"open_message_id"`
		ParentID         string `json:"parent_id"`
		RootID           string `json:"root_id"`
		ChatType         string `json:"chat_type"` // "private" or "group"
		Text             string `json:"text"`
		TextWithoutAtBot string `json:"text_without_at_bot"`
		IsMention        bool   `json:"is_mention"`
		UserOpenID       string `json:"user_open_id"`
	} `json:"event"`
}

// Parser translates Lark message events into canonical messages.
type Parser struct {
	// botOpenID is the bot's own open_id, needed to decide MentionsBot
	// from the structured mention list. Empty disables detection.
	botOpenID string
	now       func() time.Time
}

// NewParser creates a Lark parser bound to the given bot identity.
func NewParser(botOpenID string) *Parser {
	return &Parser{botOpenID: botOpenID, now: time.Now}
}

func (p *Parser) Platform() message.Platform { return message.PlatformLark }

// CanParse probes for either event generation without allocating the full
// event structs.
func (p *Parser) CanParse(payload []byte) bool {
	var probe struct {
		Schema string `json:"schema"`
		Header struct {
			EventType string `json:"event_type"`
		} `json:"header"`
		Type  string `json:"type"`
		Event struct {
			Type string `json:"type"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	if probe.Schema != "" {
		return strings.HasPrefix(probe.Header.EventType, "im.message.receive")
	}
	return probe.Type == "event_callback" && probe.Event.Type == "message"
}

// Parse branches between the two event generations. Returns nil (after a
// debug log) on anything structurally broken.
func (p *Parser) Parse(payload []byte) *message.Message {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		slog.Debug("lark: payload is not JSON", "error", err)
		return nil
	}
	if probe.Schema != "" {
		return p.parseV2(payload)
	}
	return p.parseV1(payload)
}

func (p *Parser) parseV2(payload []byte) *message.Message {
	var ev eventV2
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("lark: parse schema-2.0 event failed", "error", err)
		return nil
	}
	msg := &ev.Event.Message
	if msg.MessageID == "" {
		slog.Debug("lark: schema-2.0 event missing message_id")
		return nil
	}

	now := p.now()
	content := flattenContent(msg.Content, msg.MessageType)

	var mentions []string
	mentionsBot := false
	for _, m := range msg.Mentions {
		if m.ID.OpenID == "" {
			continue
		}
		mentions = append(mentions, m.ID.OpenID)
		if p.botOpenID != "" && m.ID.OpenID == p.botOpenID {
			mentionsBot = true
			if m.Key != "" {
				content = strings.ReplaceAll(content, m.Key, "")
			}
		}
	}
	content = strings.TrimSpace(content)

	chatType := message.ChatGroup
	chatID := msg.ChatID
	if msg.ChatType == "p2p" {
		chatType = message.ChatPrivate
		chatID = ""
	}

	return &message.Message{
		ID:          msg.MessageID,
		Platform:    message.PlatformLark,
		ChatType:    chatType,
		ChatID:      chatID,
		SenderID:    ev.Event.Sender.SenderID.OpenID,
		Content:     content,
		Mentions:    mentions,
		MentionsBot: mentionsBot,
		ReplyToID:   msg.ParentID,
		ThreadID:    msg.RootID,
		Timestamp:   platform.ParseTimestamp(msg.CreateTime, now),
		RawPayload:  json.RawMessage(payload),
		Metadata: map[string]string{
			"event_id":  ev.Header.EventID,
			"msg_type":  msg.MessageType,
			"chat_type": msg.ChatType,
		},
	}
}

func (p *Parser) parseV1(payload []byte) *message.Message {
	var ev eventV1
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("lark: parse legacy event failed", "error", err)
		return nil
	}
	e := &ev.Event
	if e.OpenMessageID == "" {
		slog.Debug("lark: legacy event missing open_message_id")
		return nil
	}

	// The legacy shape pre-strips the bot mention for us.
	content := e.TextWithoutAtBot
	if content == "" {
		content = e.Text
	}
	content = strings.TrimSpace(content)

	senderID := e.OpenID
	if e.UserOpenID != "" {
		senderID = e.UserOpenID
	}

	chatType := message.ChatGroup
	chatID := e.OpenChatID
	if e.ChatType == "private" {
		chatType = message.ChatPrivate
		chatID = ""
	}

	var mentions []string
	if e.IsMention && p.botOpenID != "" {
		mentions = []string{p.botOpenID}
	}

	return &message.Message{
		ID:          e.OpenMessageID,
		Platform:    message.PlatformLark,
		ChatType:    chatType,
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		Mentions:    mentions,
		MentionsBot: e.IsMention,
		ReplyToID:   e.ParentID,
		ThreadID:    e.RootID,
		Timestamp:   platform.ParseTimestamp(ev.TS, p.now()),
		RawPayload:  json.RawMessage(payload),
		Metadata: map[string]string{
			"event_id": ev.UUID,
			"msg_type": e.MsgType,
		},
	}
}

// --- Content flattening ---

// flattenContent extracts plain text from a Lark content body. The content
// field is itself a JSON string whose shape depends on the message type.
func flattenContent(rawContent, messageType string) string {
	if rawContent == "" {
		return ""
	}

	switch messageType {
	case "text":
		var textMsg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(rawContent), &textMsg); err == nil {
			return textMsg.Text
		}
		return rawContent

	case "post":
		return flattenPost(rawContent)

	case "image":
		return "[image]"

	case "file":
		var fileMsg struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(rawContent), &fileMsg); err == nil && fileMsg.FileName != "" {
			return "[file: " + fileMsg.FileName + "]"
		}
		return "[file]"

	default:
		return "[" + messageType + " message]"
	}
}

// flattenPost walks a rich-text post body (language → paragraphs → elements)
// and joins the text-bearing elements into plain lines.
func flattenPost(rawContent string) string {
	var post map[string]interface{}
	if err := json.Unmarshal([]byte(rawContent), &post); err != nil {
		return rawContent
	}

	var langContent interface{}
	for _, lang := range []string{"zh_cn", "en_us"} {
		if lc, ok := post[lang]; ok {
			langContent = lc
			break
		}
	}
	if langContent == nil {
		for _, v := range post {
			langContent = v
			break
		}
	}
	langMap, ok := langContent.(map[string]interface{})
	if !ok {
		return rawContent
	}
	paragraphs, ok := langMap["content"].([]interface{})
	if !ok {
		return rawContent
	}

	var lines []string
	for _, para := range paragraphs {
		elems, ok := para.([]interface{})
		if !ok {
			continue
		}
		var parts []string
		for _, elem := range elems {
			em, ok := elem.(map[string]interface{})
			if !ok {
				continue
			}
			tag, _ := em["tag"].(string)
			switch tag {
			case "text", "md":
				if t, ok := em["text"].(string); ok {
					parts = append(parts, t)
				}
			case "at":
				if name, ok := em["user_name"].(string); ok {
					parts = append(parts, "@"+name)
				}
			case "a":
				if href, ok := em["href"].(string); ok {
					if text, _ := em["text"].(string); text != "" {
						parts = append(parts, text+" ("+href+")")
					} else {
						parts = append(parts, href)
					}
				}
			case "img":
				parts = append(parts, "[image]")
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

var _ platform.Parser = (*Parser)(nil)
