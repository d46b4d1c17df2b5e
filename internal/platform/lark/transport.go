package lark

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/controller"
	"github.com/nextlevelbuilder/chatbridge/internal/message"
)

// Transport delivers replies through the Lark messaging API. Lark is the
// threaded/reply-capable platform: replies address a message ID directly,
// falling back to a plain send when that fails.
type Transport struct {
	client *Client
}

// NewTransport wraps a Lark client as a delivery transport.
func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

func (t *Transport) Platform() message.Platform { return message.PlatformLark }

// SendText sends a plain text message to target (chat or user open_id).
func (t *Transport) SendText(ctx context.Context, target, text string) controller.SendResult {
	id, err := t.client.SendMessage(ctx, receiveIDType(target), target, "text", textContent(text))
	if err != nil {
		return controller.SendResult{Err: err}
	}
	return controller.SendResult{Success: true, MessageID: id}
}

// ReplyToMessage sends a threaded reply addressed at messageID.
func (t *Transport) ReplyToMessage(ctx context.Context, messageID, text string) controller.SendResult {
	id, err := t.client.ReplyMessage(ctx, messageID, "text", textContent(text))
	if err != nil {
		return controller.SendResult{Err: err}
	}
	return controller.SendResult{Success: true, MessageID: id}
}

// SendImage sends an already-uploaded image by its image_key.
func (t *Transport) SendImage(ctx context.Context, imageKey, target string) controller.SendResult {
	content, _ := json.Marshal(map[string]string{"image_key": imageKey})
	id, err := t.client.SendMessage(ctx, receiveIDType(target), target, "image", string(content))
	if err != nil {
		return controller.SendResult{Err: err}
	}
	return controller.SendResult{Success: true, MessageID: id}
}

// Status implements the admin capability consulted by /stats.
func (t *Transport) Status(ctx context.Context) (string, error) {
	openID, err := t.client.GetBotInfo(ctx)
	if err != nil {
		return "", err
	}
	return "lark bot " + openID + " connected", nil
}

func textContent(text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	return string(content)
}

// receiveIDType infers the receive_id_type from the target's ID prefix.
func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

var (
	_ controller.Transport      = (*Transport)(nil)
	_ controller.ReplyTransport = (*Transport)(nil)
	_ controller.ImageTransport = (*Transport)(nil)
)
