// Package telegraph bridges customer chat platforms (Slack, Discord) to the
// conversation controller and posts operator digests.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	ChannelID string    // platform-specific channel identifier
	ThreadID  string    // thread/conversation identifier (empty if top-level)
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // message text with bot mentions removed
	Timestamp time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string // target channel (empty for the default channel)
	ThreadID  string // thread to reply in (empty for top-level)
	Text      string // message text, also the fallback for cards
	Cards     []Card // one per presented offer, or the daily digest
}

// Card is one rich block under a message: a Slack attachment or a Discord
// embed.
type Card struct {
	Title  string  // e.g. "1. Kigali Tools: 18,000 RWF"
	Body   string  // detail text
	Color  string  // sidebar color as "#rrggbb"; empty for the platform default
	Fields []Field // key-value metadata pairs
	Footer string  // e.g. "Reply 1 to choose this offer"
}

// Field is a key-value pair displayed in an attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
