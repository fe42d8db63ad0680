// Package discord connects easyMO customers on Discord to the conversation
// controller over the Gateway. Customers write to the bot in a direct
// message, mention it in a guild channel, or keep talking inside a thread.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ikanisa/easymo/internal/telegraph"
)

const (
	// maxRetries bounds retries of a rate-limited send.
	maxRetries = 3
	// baseBackoff and maxBackoff bound the wait between those retries.
	baseBackoff = 2 * time.Second
	maxBackoff  = 2 * time.Minute
	// inboundBuffer is the number of customer messages queued for the router.
	inboundBuffer = 100
)

// session is the part of discordgo.Session the adapter calls.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// gatewaySession resolves channels from the state cache, which the Gateway
// keeps current, instead of calling the REST API per message.
type gatewaySession struct {
	*discordgo.Session
}

func (g gatewaySession) Channel(channelID string) (*discordgo.Channel, error) {
	return g.State.Channel(channelID)
}

// Adapter is the Discord telegraph.Adapter.
type Adapter struct {
	sess      session
	botToken  string
	channelID string // digest channel and fallback target

	mu            sync.Mutex
	botUserID     string
	connected     bool
	closed        bool
	inbound       chan telegraph.InboundMessage
	removeHandler func()

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts configures New. Session replaces the Gateway session in tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // digest channel

	Session session
}

// New checks the token and returns an unconnected Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		inbound:     make(chan telegraph.InboundMessage, inboundBuffer),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the Gateway. The bot's user ID arrives with the Ready event
// and is refreshed on every reconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = gatewaySession{dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.setBotUserID(r.User.ID)
		log.Printf("discord: ready as %s (%s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway dropped; customers on Discord wait for the reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers the message handler and returns the customer message
// stream. Calling it again returns the same stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.removeHandler == nil {
		a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.fromCustomer(m)
		})
	}
	return a.inbound, nil
}

// Send posts a reply. A thread ID wins over the channel since Discord
// threads are channels; cards become embeds.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}

	target := msg.ThreadID
	if target == "" {
		target = msg.ChannelID
	}
	if target == "" {
		target = a.channelID
	}
	if target == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := messageSend(msg)
	err := a.retryOnRateLimit(ctx, func() error {
		_, err := a.sess.ChannelMessageSendComplex(target, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: send to %s: %w", target, err)
	}
	return nil
}

// Close removes the message handler, closes the stream and the Gateway.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID once Ready has arrived.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) setBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// fromCustomer queues a message the bot should answer: any direct message,
// a guild message that mentions the bot, or any message inside a thread.
// Thread messages are routed to the parent channel with the thread as
// ThreadID, so replies land in the same thread.
func (a *Adapter) fromCustomer(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	botID := a.BotUserID()
	if m.Author.ID == botID {
		return
	}

	channelID, threadID := m.ChannelID, ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID, threadID = ch.ParentID, m.ChannelID
	}
	if m.GuildID != "" && threadID == "" && !mentions(m.Message, botID) {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.deliver(telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: channelID,
		ThreadID:  threadID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	})
}

// mentions reports whether msg mentions the user botID.
func mentions(msg *discordgo.Message, botID string) bool {
	if msg == nil || botID == "" {
		return false
	}
	for _, u := range msg.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

func (a *Adapter) deliver(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: inbound queue full, dropping message from %s", msg.UserID)
	}
}

func messageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for _, c := range msg.Cards {
		data.Embeds = append(data.Embeds, cardEmbed(c))
	}
	return data
}

func cardEmbed(c telegraph.Card) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       c.Title,
		Description: c.Body,
		Color:       cardColor(c.Color),
	}
	if c.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: c.Footer}
	}
	for _, f := range c.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// cardColor converts a "#rrggbb" card color to an embed color. Empty or
// malformed values give 0, the Discord default.
func cardColor(hex string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

// retryOnRateLimit runs fn again with doubling waits while Discord answers
// 429, up to maxRetries times.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	wait := a.baseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !rateLimited(err) || attempt == maxRetries {
			return err
		}
		log.Printf("discord: rate limited (attempt %d/%d); retrying in %v", attempt+1, maxRetries, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(2*wait, a.maxBackoff)
	}
}

func rateLimited(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests
}
