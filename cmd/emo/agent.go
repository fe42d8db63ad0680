package main

import (
	"fmt"
	"time"

	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent config (SLA policy) commands",
	}

	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentShowCmd())
	cmd.AddCommand(newAgentSetCmd())
	return cmd
}

func openAgentService(configPath string) (*agentconfig.Service, error) {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	// CLI processes are short-lived, so nothing is worth caching.
	return agentconfig.NewService(gormDB, time.Nanosecond, clock.Real())
}

func newAgentListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openAgentService(configPath)
			if err != nil {
				return err
			}
			rows, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			printAgentConfigs(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <agent-type>",
		Short: "Show one agent config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openAgentService(configPath)
			if err != nil {
				return err
			}
			c, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agent:             %s\n", c.AgentType)
			fmt.Fprintf(out, "Enabled:           %s (scope %s, active %s)\n", yesNo(c.Enabled), c.FeatureFlagScope, yesNo(agentconfig.Active(c)))
			fmt.Fprintf(out, "SLA:               %d minutes\n", c.SLAMinutes)
			fmt.Fprintf(out, "Max extensions:    %d\n", c.MaxExtensions)
			fmt.Fprintf(out, "Fan-out limit:     %d\n", c.FanOutLimit)
			fmt.Fprintf(out, "Counter-offer:     %.0f%%\n", c.CounterOfferDeltaPct)
			fmt.Fprintf(out, "Auto negotiation:  %s\n", yesNo(c.AutoNegotiation))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func newAgentSetCmd() *cobra.Command {
	var (
		configPath    string
		enabled       bool
		slaMinutes    int
		maxExtensions int
		fanOutLimit   int
		deltaPct      float64
		autoNeg       bool
		scope         string
	)

	cmd := &cobra.Command{
		Use:   "set <agent-type>",
		Short: "Update an agent config",
		Long: `Updates the given fields of an agent config. Fields whose flags are not
passed keep their current values. Running sessions keep the policy they
started with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openAgentService(configPath)
			if err != nil {
				return err
			}
			c, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				c.Enabled = enabled
			}
			if flags.Changed("sla") {
				c.SLAMinutes = slaMinutes
			}
			if flags.Changed("max-extensions") {
				c.MaxExtensions = maxExtensions
			}
			if flags.Changed("fan-out") {
				c.FanOutLimit = fanOutLimit
			}
			if flags.Changed("delta") {
				c.CounterOfferDeltaPct = deltaPct
			}
			if flags.Changed("auto-negotiation") {
				c.AutoNegotiation = autoNeg
			}
			if flags.Changed("scope") {
				c.FeatureFlagScope = scope
			}
			updated, err := svc.Update(cmd.Context(), c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated agent %s\n", updated.AgentType)
			printAgentConfigs(cmd.OutOrStdout(), []models.AgentConfig{updated})
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether new sessions may be created")
	cmd.Flags().IntVar(&slaMinutes, "sla", 0, "deadline length in minutes (1-60)")
	cmd.Flags().IntVar(&maxExtensions, "max-extensions", 0, "deadline extensions allowed (0-5)")
	cmd.Flags().IntVar(&fanOutLimit, "fan-out", 0, "max concurrent candidates (1-50)")
	cmd.Flags().Float64Var(&deltaPct, "delta", 0, "counter-offer delta percent (0-100)")
	cmd.Flags().BoolVar(&autoNeg, "auto-negotiation", false, "run the counter-offer round")
	cmd.Flags().StringVar(&scope, "scope", "", "feature flag scope (disabled, internal, beta, all)")
	return cmd
}
