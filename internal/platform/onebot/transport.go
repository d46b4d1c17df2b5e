package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/controller"
	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// Transport delivers replies through a OneBot API caller. Bare OneBot user
// and group IDs are both plain numbers, so targets carry an explicit kind
// prefix: "private:<user_id>", "group:<group_id>",
// "channel:<guild_id>:<channel_id>". An unprefixed numeric target is
// treated as a group.
type Transport struct {
	caller Caller
}

// NewTransport wraps a Caller (HTTP, forward WS, or reverse WS) as a
// delivery transport.
func NewTransport(caller Caller) *Transport {
	return &Transport{caller: caller}
}

func (t *Transport) Platform() message.Platform { return message.PlatformOneBot }

// ResolveTarget encodes the chat kind into the target string so SendText
// can pick the right API action.
func (t *Transport) ResolveTarget(msg *message.Message) string {
	switch msg.ChatType {
	case message.ChatPrivate:
		return "private:" + msg.SenderID
	case message.ChatChannel:
		// Guild messages carry the guild in ThreadID, the channel in ChatID.
		return "channel:" + msg.ThreadID + ":" + msg.ChatID
	default:
		return "group:" + msg.ChatID
	}
}

// SendText sends plain text to an encoded target.
func (t *Transport) SendText(ctx context.Context, target, text string) controller.SendResult {
	return t.send(ctx, target, cqEscape(text))
}

// SendQuoteReply sends text quoting the original message via a reply
// segment.
func (t *Transport) SendQuoteReply(ctx context.Context, messageID, text, target string) controller.SendResult {
	quoted := fmt.Sprintf("[CQ:reply,id=%s]%s", messageID, cqEscape(text))
	return t.send(ctx, target, quoted)
}

// SendImage sends an image by URL or local path.
func (t *Transport) SendImage(ctx context.Context, urlOrPath, target string) controller.SendResult {
	return t.send(ctx, target, fmt.Sprintf("[CQ:image,file=%s]", cqEscapeValue(urlOrPath)))
}

func (t *Transport) send(ctx context.Context, target, payload string) controller.SendResult {
	action, params, err := buildSendParams(target, payload)
	if err != nil {
		return controller.SendResult{Err: err}
	}

	data, err := t.caller.Call(ctx, action, params)
	if err != nil {
		return controller.SendResult{Err: err}
	}

	var resp struct {
		MessageID json.Number `json:"message_id"`
	}
	json.Unmarshal(data, &resp)
	return controller.SendResult{Success: true, MessageID: resp.MessageID.String()}
}

// buildSendParams maps an encoded target to the OneBot send action and its
// parameters.
func buildSendParams(target, payload string) (string, map[string]interface{}, error) {
	kind, rest, found := strings.Cut(target, ":")
	if !found {
		kind, rest = "group", target
	}

	switch kind {
	case "private":
		userID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("onebot target %q: bad user id: %w", target, err)
		}
		return "send_private_msg", map[string]interface{}{
			"user_id": userID,
			"message": payload,
		}, nil
	case "group":
		groupID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("onebot target %q: bad group id: %w", target, err)
		}
		return "send_group_msg", map[string]interface{}{
			"group_id": groupID,
			"message":  payload,
		}, nil
	case "channel":
		guildID, channelID, ok := strings.Cut(rest, ":")
		if !ok || guildID == "" || channelID == "" {
			return "", nil, fmt.Errorf("onebot target %q: want channel:<guild>:<channel>", target)
		}
		return "send_guild_channel_msg", map[string]interface{}{
			"guild_id":   guildID,
			"channel_id": channelID,
			"message":    payload,
		}, nil
	default:
		return "", nil, fmt.Errorf("onebot target %q: unknown kind %q", target, kind)
	}
}

// Status implements the admin capability consulted by /stats.
func (t *Transport) Status(ctx context.Context) (string, error) {
	data, err := t.caller.Call(ctx, "get_login_info", nil)
	if err != nil {
		return "", err
	}
	var info struct {
		UserID   json.Number `json:"user_id"`
		Nickname string      `json:"nickname"`
	}
	json.Unmarshal(data, &info)
	return fmt.Sprintf("onebot bot %s (%s) connected", info.UserID.String(), info.Nickname), nil
}

// cqEscape escapes text placed outside CQ code parameters.
var textEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")

func cqEscape(s string) string { return textEscaper.Replace(s) }

// cqEscapeValue escapes a CQ code parameter value, where commas also
// delimit.
var valueEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")

func cqEscapeValue(s string) string { return valueEscaper.Replace(s) }

var (
	_ controller.Transport      = (*Transport)(nil)
	_ controller.QuoteTransport = (*Transport)(nil)
	_ controller.TargetResolver = (*Transport)(nil)
	_ controller.ImageTransport = (*Transport)(nil)
)
