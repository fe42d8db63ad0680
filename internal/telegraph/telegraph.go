package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/config"
	"github.com/ikanisa/easymo/internal/orchestration"
)

// Conversations is the conversation controller as seen by the daemon.
type Conversations interface {
	InboundHandler
	SweepTimeouts(ctx context.Context) (int, error)
}

// Daemon is the main telegraph process. It connects to a chat platform via
// an Adapter, pumps inbound messages to the router, returns idle
// conversations to the start, and posts the daily digest.
type Daemon struct {
	cfg           config.TelegraphConfig
	adapter       Adapter
	conversations Conversations
	sessions      SessionReader
	agents        AgentLister
	clock         clock.Clock
	out           io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config        config.TelegraphConfig
	Adapter       Adapter
	Conversations Conversations
	Sessions      SessionReader
	Agents        AgentLister
	Clock         clock.Clock // defaults to the wall clock
	Out           io.Writer   // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("telegraph: conversations is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: sessions is required")
	}
	if opts.Agents == nil {
		return nil, fmt.Errorf("telegraph: agents is required")
	}
	if d := opts.Config.Digest.Daily; d.Enabled {
		if err := validateCron(d.Cron); err != nil {
			return nil, fmt.Errorf("telegraph: digest cron %q: %w", d.Cron, err)
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		cfg:           opts.Config,
		adapter:       opts.Adapter,
		conversations: opts.Conversations,
		sessions:      opts.Sessions,
		agents:        opts.Agents,
		clock:         clk,
		out:           out,
	}, nil
}

// Run starts the telegraph daemon. It connects the adapter, builds the
// router, starts the timeout sweeper and digest scheduler, and blocks until
// the context is cancelled. On shutdown it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Sessions: d.sessions,
		Agents:   d.agents,
		Clock:    d.clock,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Conversations: d.conversations,
		CmdHandler:    cmdHandler,
		Adapter:       d.adapter,
		BotUserID:     botUserID,
		Out:           d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	sweep := time.Duration(d.cfg.SweepIntervalSec) * time.Second
	go orchestration.RunEvery(ctx, sweep, "conversation timeout sweep", d.conversations.SweepTimeouts)
	go d.runDigestScheduler(ctx)

	fmt.Fprintf(d.out, "Telegraph online\n")
	if err := d.adapter.Send(ctx, OutboundMessage{Text: "easyMO online"}); err != nil {
		log.Printf("telegraph: send online message: %v", err)
	}

	// Main event loop: pump inbound messages until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				log.Printf("telegraph: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Telegraph stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph inbound channel closed\n")
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

// runDigestScheduler posts the daily digest on its cron schedule. It returns
// immediately if the digest is disabled.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	daily := d.cfg.Digest.Daily
	if !daily.Enabled || daily.Cron == "" {
		return
	}
	wait := nextCronDuration(daily.Cron, d.clock.Now())
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx)
			if wait := nextCronDuration(daily.Cron, d.clock.Now()); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireDigest builds and sends the daily digest.
func (d *Daemon) fireDigest(ctx context.Context) {
	card, err := BuildDailyDigest(ctx, d.sessions, d.clock.Now())
	if err != nil {
		log.Printf("telegraph: daily digest: %v", err)
		return
	}
	if card == nil {
		// No activity; suppress digest.
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{Cards: []Card{*card}}); err != nil {
		log.Printf("telegraph: send daily digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	ctx := context.Background()
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: "easyMO shutting down",
	}); err != nil {
		log.Printf("telegraph: send shutdown message: %v", err)
	}
}
