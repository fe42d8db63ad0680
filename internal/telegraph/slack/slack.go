// Package slack connects easyMO customers on Slack to the conversation
// controller over Socket Mode. Customers write to the bot in a direct message
// or mention it in a channel; offers come back as one attachment per option.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ikanisa/easymo/internal/telegraph"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// maxRetries bounds retries of a rate-limited post.
	maxRetries = 3
	// baseBackoff and maxBackoff bound the wait between Socket Mode reconnects.
	baseBackoff = 2 * time.Second
	maxBackoff  = 2 * time.Minute
	// maxReconnectAttempts is how often a failed Socket Mode run is retried.
	maxReconnectAttempts = 10
	// channelTypeIM is the channel_type of direct-message events.
	channelTypeIM = "im"
	// inboundBuffer is the number of customer messages queued for the router.
	inboundBuffer = 100
)

// slackClient is the part of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the part of the Socket Mode client the adapter calls.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeClient struct {
	*socketmode.Client
}

func (c socketModeClient) EventsChan() chan socketmode.Event { return c.Events }

// Adapter is the Slack telegraph.Adapter.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string // digest channel and fallback target

	names sync.Map // user ID -> display name

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	inbound   chan telegraph.InboundMessage
	stop      context.CancelFunc

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts configures New. Client and Socket replace the real Slack
// clients in tests.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // digest channel

	Client slackClient
	Socket socketClient
}

// New checks the tokens and returns an unconnected Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		inbound:      make(chan telegraph.InboundMessage, inboundBuffer),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates the bot and records its user ID so the adapter can
// drop its own messages.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = socketModeClient{socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts Socket Mode and returns the customer message stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}

	ctx, a.stop = context.WithCancel(ctx)
	go a.runWithReconnect(ctx)
	go a.pumpEvents(ctx)
	return a.inbound, nil
}

// Send posts a reply. Cards become attachments under the text.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := messageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := a.client.PostMessage(channelID, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", channelID, err)
	}
	return nil
}

// Close stops Socket Mode and closes the message stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.stop != nil {
		a.stop()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect reruns Socket Mode after a failure, doubling the wait
// each time, until it exits cleanly or the attempts run out.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	wait := a.baseBackoff
	for attempt := 1; attempt <= a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Printf("slack: socket mode dropped (attempt %d/%d): %v; retrying in %v",
			attempt, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(2*wait, a.maxBackoff)
	}
	log.Printf("slack: giving up after %d socket mode attempts; customers on Slack are offline", a.maxReconnect)
}

func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if api.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := api.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Channel messages also arrive as app_mention; only DMs are
			// taken here so a mention is not handled twice.
			if ev.ChannelType != channelTypeIM || ev.BotID != "" || ev.SubType != "" {
				return
			}
			a.fromCustomer(ev.User, ev.Channel, ev.ThreadTimeStamp, ev.Text, ev.TimeStamp)
		case *slackevents.AppMentionEvent:
			a.fromCustomer(ev.User, ev.Channel, ev.ThreadTimeStamp, ev.Text, ev.TimeStamp)
		}
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to socket mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: disconnect requested by server")
	}
}

// fromCustomer queues one customer message unless the bot wrote it.
func (a *Adapter) fromCustomer(user, channel, thread, text, ts string) {
	if user == "" || user == a.BotUserID() {
		return
	}
	a.deliver(telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  thread,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
	})
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
		log.Printf("slack: inbound queue full, dropping message from %s", msg.UserID)
	}
}

// resolveUserName returns the customer's display name, or the user ID when
// the lookup fails. Names are cached for the adapter's lifetime.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := a.names.Load(userID); ok {
		return name.(string)
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	a.names.Store(userID, name)
	return name
}

func messageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if msg.Text != "" || len(msg.Cards) == 0 {
		options = append(options, slackapi.MsgOptionText(msg.Text, false))
	}
	if len(msg.Cards) > 0 {
		attachments := make([]slackapi.Attachment, len(msg.Cards))
		for i, c := range msg.Cards {
			attachments[i] = cardAttachment(c)
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
	}
	return options
}

func cardAttachment(c telegraph.Card) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    c.Title,
		Text:     c.Body,
		Color:    c.Color,
		Footer:   c.Footer,
		Fallback: c.Title,
	}
	for _, f := range c.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit runs fn again after Slack's Retry-After while it is rate
// limited, up to maxRetries times.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var rle *slackapi.RateLimitedError
		if err == nil || !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp converts a message ts such as "1700000000.000100" to a
// time. Malformed values give the zero time.
func parseSlackTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	usec, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(sec, usec*int64(time.Microsecond))
}
