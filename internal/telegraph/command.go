package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/sourcing"
)

// SessionReader is the read-only part of the sourcing manager used by
// commands and digests.
type SessionReader interface {
	Get(ctx context.Context, id string) (*models.SourcingSession, error)
	Summarize(ctx context.Context, since, until time.Time) (sourcing.Summary, error)
}

// AgentLister lists the agent configs.
type AgentLister interface {
	List(ctx context.Context) ([]models.AgentConfig, error)
}

// CommandHandler processes read-only "!emo" operator commands from chat.
type CommandHandler struct {
	sessions SessionReader
	agents   AgentLister
	clock    clock.Clock
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Sessions SessionReader
	Agents   AgentLister
	Clock    clock.Clock // defaults to the wall clock
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: command handler: sessions is required")
	}
	if opts.Agents == nil {
		return nil, fmt.Errorf("telegraph: command handler: agents is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &CommandHandler{sessions: opts.Sessions, agents: opts.Agents, clock: clk}, nil
}

// Execute parses and executes a "!emo" command string. Returns the
// response text to send back to the chat channel.
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "status":
		return ch.cmdStatus(ctx)
	case "session":
		return ch.cmdSession(ctx, args[1:])
	case "agents":
		return ch.cmdAgents(ctx)
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the "!emo" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// cmdStatus summarizes the last 24 hours of sourcing.
func (ch *CommandHandler) cmdStatus(ctx context.Context) string {
	now := ch.clock.Now()
	sum, err := ch.sessions.Summarize(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return fmt.Sprintf("Error getting status: %v", err)
	}
	return fmt.Sprintf("**Last 24h**\nSessions: %d created, %d open\nSettled: %d completed, %d expired, %d cancelled\nQuotes: %d",
		sum.Created, sum.Open, sum.Completed, sum.Expired, sum.Cancelled, sum.Quotes)
}

// cmdSession shows one session with its quotes.
func (ch *CommandHandler) cmdSession(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: `!emo session <id>`"
	}
	s, err := ch.sessions.Get(ctx, args[0])
	if errors.Is(err, sourcing.ErrNotFound) {
		return fmt.Sprintf("Session `%s` not found.", args[0])
	}
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return FormatSession(s, ch.clock.Now())
}

// cmdAgents lists the agent configs.
func (ch *CommandHandler) cmdAgents(ctx context.Context) string {
	configs, err := ch.agents.List(ctx)
	if err != nil {
		return fmt.Sprintf("Error listing agents: %v", err)
	}
	if len(configs) == 0 {
		return "No agents configured."
	}
	return formatAgentTable(configs)
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**easyMO Commands**\n" +
		"`!emo status`: sourcing activity in the last 24h\n" +
		"`!emo session <id>`: session details and quotes\n" +
		"`!emo agents`: agent SLA configs\n" +
		"`!emo help`: this message"
}

// formatAgentTable formats agent configs as a fixed-width table.
func formatAgentTable(configs []models.AgentConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Agents** (%d)\n", len(configs))
	fmt.Fprintf(&b, "%-18s %-7s %-9s %-4s %-4s %-6s %s\n",
		"TYPE", "ACTIVE", "SCOPE", "SLA", "EXT", "FANOUT", "DELTA")
	for _, c := range configs {
		active := "no"
		if agentconfig.Active(c) {
			active = "yes"
		}
		fmt.Fprintf(&b, "%-18s %-7s %-9s %-4d %-4d %-6d %.0f%%\n",
			c.AgentType, active, c.FeatureFlagScope, c.SLAMinutes, c.MaxExtensions, c.FanOutLimit, c.CounterOfferDeltaPct)
	}
	return b.String()
}
