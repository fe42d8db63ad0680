package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ikanisa/easymo/internal/config"
	"github.com/ikanisa/easymo/internal/conversation"
	"github.com/ikanisa/easymo/internal/dashboard"
	"github.com/ikanisa/easymo/internal/orchestration"
	"github.com/ikanisa/easymo/internal/telegraph"
	discordadapter "github.com/ikanisa/easymo/internal/telegraph/discord"
	slackadapter "github.com/ikanisa/easymo/internal/telegraph/slack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, deadline sweeper and chat bridge",
		Long: `Starts the HTTP admin API and the deadline sweeper. When telegraph.platform
is set, the chat bridge connects too and users can request offers in chat.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// The runner reports outcomes to the controller, which itself starts
	// sessions on the runner, so the controller is bound after both exist.
	var ctrl *conversation.Controller
	st, err := newStack(cfg, gormDB, nil, func(o orchestration.Outcome) {
		if ctrl == nil {
			return
		}
		if err := ctrl.HandleOutcome(context.Background(), o); err != nil {
			log.Printf("serve: deliver outcome for session %s: %v", o.Session.ID, err)
		}
	})
	if err != nil {
		return err
	}
	defer st.runner.Stop()

	var daemon *telegraph.Daemon
	if cfg.Telegraph.Platform != "" {
		ctrl, daemon, err = newChatBridge(cmd, st, gormDB)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			DB:       gormDB,
			Sessions: st.sessions,
			Agents:   st.agents,
			Runner:   st.runner,
			Port:     cfg.Server.Port,
			Out:      out,
		})
	})
	g.Go(func() error {
		sweep := time.Duration(cfg.Sourcing.DeadlineSweepSec) * time.Second
		orchestration.RunEvery(gctx, sweep, "deadline sweep", st.runner.SweepDeadlines)
		return nil
	})
	if daemon != nil {
		g.Go(func() error {
			return daemon.Run(gctx)
		})
	}

	fmt.Fprintf(out, "easyMO serving %d agent types\n", len(cfg.Agents))
	return g.Wait()
}

// newChatBridge builds the conversation controller and the telegraph daemon
// for the configured chat platform.
func newChatBridge(cmd *cobra.Command, st *stack, gormDB *gorm.DB) (*conversation.Controller, *telegraph.Daemon, error) {
	adapter, err := createAdapter(st.cfg)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := telegraph.NewChatNotifier(adapter)
	if err != nil {
		return nil, nil, err
	}
	store, err := conversation.NewStore(gormDB)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := conversation.NewController(conversation.ControllerOpts{
		Store:         store,
		Classifier:    conversation.NewKeywordClassifier(),
		Sessions:      st.sessions,
		Runner:        st.runner,
		Notifier:      notifier,
		Clock:         st.clock,
		PromptTimeout: time.Duration(st.cfg.Telegraph.PromptTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:        st.cfg.Telegraph,
		Adapter:       adapter,
		Conversations: ctrl,
		Sessions:      st.sessions,
		Agents:        st.agents,
		Clock:         st.clock,
		Out:           cmd.OutOrStdout(),
	})
	if err != nil {
		return nil, nil, err
	}
	return ctrl, daemon, nil
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Telegraph.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Telegraph.Slack.AppToken,
			BotToken:  cfg.Telegraph.Slack.BotToken,
			ChannelID: cfg.Telegraph.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Telegraph.Discord.BotToken,
			ChannelID: cfg.Telegraph.Channel,
		})
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Telegraph.Platform)
	}
}
