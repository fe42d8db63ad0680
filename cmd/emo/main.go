package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "easymo.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emo",
		Short: "easyMO conversational sourcing broker",
		Long: `easyMO turns a chat request ("I need cement and nails", "get me a ride")
into a ranked set of competing vendor offers within a hard time budget.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newVendorCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "emo %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadDotEnv loads a .env file from the working directory so ${VAR}
// references in the config resolve. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		log.Printf("emo: %v", err)
	}
	os.Exit(execute(newRootCmd()))
}
