package telegraph

import (
	"context"
	"fmt"

	"github.com/ikanisa/easymo/internal/conversation"
)

// ChatNotifier delivers conversation replies through a chat adapter.
type ChatNotifier struct {
	adapter Adapter
}

// NewChatNotifier creates a ChatNotifier.
func NewChatNotifier(adapter Adapter) (*ChatNotifier, error) {
	if adapter == nil {
		return nil, fmt.Errorf("telegraph: notifier: adapter is required")
	}
	return &ChatNotifier{adapter: adapter}, nil
}

// Notify sends the reply to the channel and thread the user last wrote from.
// A reply with no recorded channel is addressed to the user ID, which both
// platforms accept as a direct-message target.
func (n *ChatNotifier) Notify(ctx context.Context, r conversation.Reply) error {
	if err := n.adapter.Send(ctx, ReplyMessage(r)); err != nil {
		return fmt.Errorf("telegraph: notify %s: %w", r.UserID, err)
	}
	return nil
}

// ReplyMessage converts a conversation reply to an outbound chat message,
// one card per presented option.
func ReplyMessage(r conversation.Reply) OutboundMessage {
	channel := r.ChannelID
	if channel == "" {
		channel = r.UserID
	}
	msg := OutboundMessage{ChannelID: channel, ThreadID: r.ThreadID, Text: r.Text}
	for _, o := range r.Options {
		msg.Cards = append(msg.Cards, FormatOption(o))
	}
	return msg
}
