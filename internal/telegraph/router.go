package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/ikanisa/easymo/internal/conversation"
)

// commandPrefix is the prefix that triggers read-only command handling.
const commandPrefix = "!emo"

// InboundHandler receives customer messages. conversation.Controller
// implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ev conversation.InboundEvent) error
}

// Router classifies inbound chat messages and routes them to the
// appropriate handler: the command handler for operator queries, the
// conversation controller for everything a customer says.
type Router struct {
	conversations InboundHandler
	cmdHandler    *CommandHandler
	adapter       Adapter
	botUserID     string // the bot's own user ID (to filter self-messages)
	out           io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Conversations InboundHandler
	CmdHandler    *CommandHandler
	Adapter       Adapter
	BotUserID     string    // bot's user ID for self-message filtering
	Out           io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Conversations == nil {
		return nil, fmt.Errorf("telegraph: router: conversations is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		conversations: opts.Conversations,
		cmdHandler:    opts.CmdHandler,
		adapter:       opts.Adapter,
		botUserID:     opts.BotUserID,
		out:           out,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Command prefix "!emo" → command handler
//  3. Empty after mention stripping → ignore
//  4. Everything else → conversation controller
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := stripMentions(msg.Text)
	fmt.Fprintf(r.out, "telegraph: router: recv [ch=%s thread=%s user=%s] %q\n",
		msg.ChannelID, msg.ThreadID, msg.UserName, truncate(text, 80))

	if isCommand(text) {
		fmt.Fprintf(r.out, "telegraph: router: → command\n")
		r.handleCommand(ctx, msg, text)
		return
	}
	if text == "" {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (empty)\n")
		return
	}

	err := r.conversations.HandleInbound(ctx, conversation.InboundEvent{
		UserID:     msg.UserID,
		Text:       text,
		ReceivedAt: msg.Timestamp,
		ChannelID:  msg.ChannelID,
		ThreadID:   msg.ThreadID,
	})
	if err != nil {
		log.Printf("telegraph: router: handle inbound from %s: %v", msg.UserID, err)
	}
}

// handleCommand dispatches a "!emo" command and sends the response.
func (r *Router) handleCommand(ctx context.Context, msg InboundMessage, text string) {
	response := r.cmdHandler.Execute(ctx, text)
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      response,
	}); err != nil {
		log.Printf("telegraph: router: send command response: %v", err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// mentionRe matches Discord <@ID>/<@!ID> and Slack <@UID> mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// stripMentions removes bot mentions and surrounding whitespace.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}
