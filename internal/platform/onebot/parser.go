// Package onebot implements the parser and delivery transports for the
// OneBot v11 platform. Events carry their message body either as a flat
// string with inline CQ marker codes (legacy) or as a structured segment
// array; one parser branches between the two internally.
package onebot

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/message"
	"github.com/nextlevelbuilder/chatbridge/internal/platform"
)

// event is the OneBot v11 message event envelope. Numeric identifiers are
// decoded as json.Number because implementations disagree on number vs
// string encoding.
type event struct {
	Time        interface{}     `json:"time"`
	SelfID      json.Number     `json:"self_id"`
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"` // "private", "group", "guild"
	SubType     string          `json:"sub_type"`
	MessageID   json.Number     `json:"message_id"`
	UserID      json.Number     `json:"user_id"`
	GroupID     json.Number     `json:"group_id"`
	GuildID     string          `json:"guild_id"`
	ChannelID   string          `json:"channel_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      struct {
		UserID   json.Number `json:"user_id"`
		Nickname string      `json:"nickname"`
		Card     string      `json:"card"`
	} `json:"sender"`
}

// segment is one entry of the structured message-array shape.
type segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// Parser translates OneBot v11 message events into canonical messages.
type Parser struct {
	// selfID is the bot's own account ID, used for mention detection.
	selfID string
	now    func() time.Time
}

// NewParser creates a OneBot parser bound to the given self ID.
func NewParser(selfID string) *Parser {
	return &Parser{selfID: selfID, now: time.Now}
}

func (p *Parser) Platform() message.Platform { return message.PlatformOneBot }

// CanParse checks the post_type discriminator only.
func (p *Parser) CanParse(payload []byte) bool {
	var probe struct {
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.PostType == "message"
}

// Parse handles both message body shapes. Returns nil (after a debug log)
// on anything structurally broken.
func (p *Parser) Parse(payload []byte) *message.Message {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("onebot: parse event failed", "error", err)
		return nil
	}
	if ev.PostType != "message" || ev.MessageID.String() == "" {
		slog.Debug("onebot: event missing message_id")
		return nil
	}

	content, mentions, atAll, replyTo := p.parseBody(ev.Message, ev.RawMessage)

	// at-all addresses the bot too, but is not a user mention.
	mentionsBot := atAll
	for _, id := range mentions {
		if p.selfID != "" && id == p.selfID {
			mentionsBot = true
		}
	}

	var chatType message.ChatType
	chatID := ""
	threadID := ""
	switch ev.MessageType {
	case "private":
		chatType = message.ChatPrivate
	case "group":
		chatType = message.ChatGroup
		chatID = ev.GroupID.String()
	case "guild":
		chatType = message.ChatChannel
		chatID = ev.ChannelID
		threadID = ev.GuildID
	default:
		slog.Debug("onebot: unsupported message_type", "message_type", ev.MessageType)
		return nil
	}

	senderName := ev.Sender.Card
	if senderName == "" {
		senderName = ev.Sender.Nickname
	}

	return &message.Message{
		ID:          ev.MessageID.String(),
		Platform:    message.PlatformOneBot,
		ChatType:    chatType,
		ChatID:      chatID,
		SenderID:    ev.UserID.String(),
		SenderName:  senderName,
		Content:     strings.TrimSpace(content),
		Mentions:    mentions,
		MentionsBot: mentionsBot,
		ReplyToID:   replyTo,
		ThreadID:    threadID,
		Timestamp:   platform.ParseTimestamp(ev.Time, p.now()),
		RawPayload:  json.RawMessage(payload),
		Metadata: map[string]string{
			"sub_type":     ev.SubType,
			"self_id":      ev.SelfID.String(),
			"message_type": ev.MessageType,
		},
	}
}

// parseBody extracts plain text, mention IDs, the at-all marker, and the
// reply target from the message body, whichever shape it arrives in.
// "all" is not a user identifier, so it never enters mentions.
func (p *Parser) parseBody(body json.RawMessage, rawMessage string) (content string, mentions []string, atAll bool, replyTo string) {
	if len(body) == 0 {
		return rawMessage, nil, false, ""
	}

	// Structured shape: array of segments.
	var segs []segment
	if err := json.Unmarshal(body, &segs); err == nil {
		return flattenSegments(segs)
	}

	// Legacy shape: string with CQ codes.
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return parseCQString(s)
	}

	// Unknown body encoding; raw_message is the best we have.
	return rawMessage, nil, false, ""
}

func flattenSegments(segs []segment) (content string, mentions []string, atAll bool, replyTo string) {
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			sb.WriteString(seg.Data["text"])
		case "at":
			switch qq := seg.Data["qq"]; qq {
			case "":
			case "all":
				atAll = true
			default:
				mentions = append(mentions, qq)
			}
		case "reply":
			replyTo = seg.Data["id"]
		case "image":
			sb.WriteString("[image]")
		case "record":
			sb.WriteString("[voice]")
		case "face":
			// Emoji-style faces carry no text.
		default:
			sb.WriteString("[" + seg.Type + "]")
		}
	}
	return sb.String(), mentions, atAll, replyTo
}

// parseCQString scans a legacy message string, removing CQ codes from the
// text while collecting at/reply information from them.
func parseCQString(s string) (content string, mentions []string, atAll bool, replyTo string) {
	var sb strings.Builder
	for len(s) > 0 {
		start := strings.Index(s, "[CQ:")
		if start < 0 {
			sb.WriteString(cqUnescape(s))
			break
		}
		end := strings.Index(s[start:], "]")
		if end < 0 {
			sb.WriteString(cqUnescape(s))
			break
		}
		sb.WriteString(cqUnescape(s[:start]))

		code := s[start+4 : start+end] // "at,qq=123"
		s = s[start+end+1:]

		typ, params := splitCQCode(code)
		switch typ {
		case "at":
			switch qq := params["qq"]; qq {
			case "":
			case "all":
				atAll = true
			default:
				mentions = append(mentions, qq)
			}
		case "reply":
			replyTo = params["id"]
		case "image":
			sb.WriteString("[image]")
		case "record":
			sb.WriteString("[voice]")
		}
	}
	return sb.String(), mentions, atAll, replyTo
}

func splitCQCode(code string) (typ string, params map[string]string) {
	params = make(map[string]string)
	parts := strings.Split(code, ",")
	typ = parts[0]
	for _, part := range parts[1:] {
		if idx := strings.IndexByte(part, '='); idx > 0 {
			params[part[:idx]] = cqUnescape(part[idx+1:])
		}
	}
	return typ, params
}

var cqUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")

func cqUnescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return cqUnescaper.Replace(s)
}

var _ platform.Parser = (*Parser)(nil)
