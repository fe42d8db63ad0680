package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ikanisa/easymo/internal/conversation"
	"github.com/ikanisa/easymo/internal/offer"
	"github.com/ikanisa/easymo/internal/orchestration"
	"github.com/ikanisa/easymo/internal/sourcing"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Sourcing session commands",
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionExtendCmd())
	cmd.AddCommand(newSessionCancelCmd())
	return cmd
}

// openStack connects and wires the sourcing services without outcome delivery.
func openStack(configPath string) (*stack, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newStack(cfg, gormDB, nil, nil)
}

type locationFlags struct {
	lat, lng float64
}

func (l locationFlags) location() *offer.Location {
	return &offer.Location{Lat: l.lat, Lng: l.lng}
}

func newSessionCreateCmd() *cobra.Command {
	var (
		configPath string
		agentType  string
		userID     string
		at         locationFlags
		dropoff    locationFlags
		criteria   offer.Criteria
		run        bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sourcing session",
		Long: `Creates a sourcing session under the agent's current SLA policy. With --run,
the session is fanned out to nearby vendors in this process and the ranked
offers are printed when it settles.`,
		Example: `  emo session create --agent hardware --items cement,nails --lat -1.95 --lng 30.06 --run
  emo session create --agent rides --lat -1.95 --lng 30.06 --dropoff-lat -1.97 --dropoff-lng 30.10 --seats 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria.Location = at.location()
			flags := cmd.Flags()
			if flags.Changed("dropoff-lat") || flags.Changed("dropoff-lng") {
				criteria.Dropoff = dropoff.location()
			}
			if !flags.Changed("lat") || !flags.Changed("lng") {
				criteria.Location = nil
			}
			return runSessionCreate(cmd, configPath, sourcing.CreateRequest{
				AgentType: agentType,
				UserID:    userID,
				Criteria:  criteria,
			}, run)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	f.StringVar(&agentType, "agent", "", "agent type (hardware, pharmacy, shops, rides, insurance)")
	f.StringVar(&userID, "user", "", "owning user ID")
	f.Float64Var(&at.lat, "lat", 0, "request latitude")
	f.Float64Var(&at.lng, "lng", 0, "request longitude")
	f.Float64Var(&criteria.RadiusKM, "radius", 0, "search radius in km (default from config)")
	f.StringSliceVar(&criteria.Items, "items", nil, "items to source (hardware, pharmacy, shops)")
	f.StringVar(&criteria.Description, "description", "", "free-text description")
	f.Float64Var(&dropoff.lat, "dropoff-lat", 0, "ride drop-off latitude")
	f.Float64Var(&dropoff.lng, "dropoff-lng", 0, "ride drop-off longitude")
	f.IntVar(&criteria.Seats, "seats", 0, "ride seats")
	f.Float64Var(&criteria.InsuredValue, "insured-value", 0, "insured value (insurance)")
	f.StringSliceVar(&criteria.Risks, "risks", nil, "risks to cover (insurance)")
	f.BoolVar(&run, "run", false, "run the session now and print the offers")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func runSessionCreate(cmd *cobra.Command, configPath string, req sourcing.CreateRequest, run bool) error {
	st, err := openStack(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := st.sessions.CreateSession(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created session %s (%s)\n", s.ID, s.AgentType)
	fmt.Fprintf(out, "Deadline: %s (%d minutes, %d extensions)\n", s.DeadlineAt.Format("15:04:05 MST"), s.SLAMinutes, s.MaxExtensions)
	if !run {
		return nil
	}

	// Ctrl-C cancels the session rather than abandoning it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
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

	fmt.Fprintln(out, "Searching...")
	outcome, err := st.runner.Run(ctx, s.ID)
	if err != nil {
		return err
	}
	printOutcome(cmd, outcome)
	return nil
}

func printOutcome(cmd *cobra.Command, o orchestration.Outcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s %s", o.Session.ID, colorStatus(out, o.Session.Status))
	rep := o.Report
	fmt.Fprintf(out, " (%d responded, %d unavailable, %d failed, %d timed out)\n",
		len(rep.Responded), len(rep.Unavailable), len(rep.Failed), len(rep.TimedOut))

	switch o.Kind {
	case orchestration.OutcomeResults:
		fmt.Fprintln(out)
		fmt.Fprintln(out, conversation.OptionsText(conversation.OptionsFor(o.Top)))
	case orchestration.OutcomeEmpty:
		fmt.Fprintln(out, "No vendor could fill this request.")
	case orchestration.OutcomeExpired:
		fmt.Fprintln(out, "No vendor answered before the deadline.")
	case orchestration.OutcomeCancelled:
		fmt.Fprintln(out, "Cancelled.")
	}
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its quotes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(configPath)
			if err != nil {
				return err
			}
			s, err := st.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s, st.clock.Now())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func newSessionExtendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "extend <session-id>",
		Short: "Extend a session's deadline by one SLA period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(configPath)
			if err != nil {
				return err
			}
			s, err := st.sessions.ExtendDeadline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s extended to %s (%d/%d)\n",
				s.ID, s.DeadlineAt.Format("15:04:05 MST"), s.ExtensionsUsed, s.MaxExtensions)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func newSessionCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session",
		Long:  "Cancels the session and expires its pending quotes. Cancelling a settled session changes nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(configPath)
			if err != nil {
				return err
			}
			s, err := st.sessions.CancelSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", s.ID, s.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}
