package main

import (
	"fmt"

	"github.com/ikanisa/easymo/internal/config"
	"github.com/ikanisa/easymo/internal/db"
	"github.com/ikanisa/easymo/internal/vendor"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var (
		configPath  string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the easyMO database",
		Long: `Creates the MySQL schema when needed, migrates all tables and seeds the
agent configs listed in the config file. With --catalog, vendors are imported too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath, catalogPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "vendor catalog YAML to import")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath, catalogPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	if cfg.Database.Driver == "mysql" {
		if err := db.CreateDatabase(cfg.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := seedFromConfig(cmd, cfg, gormDB, catalogPath); err != nil {
		return err
	}

	fmt.Fprintln(out, "\neasyMO database initialized successfully.")
	return nil
}

func newDBSeedCmd() *cobra.Command {
	var (
		configPath  string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Re-apply agent configs from the config file",
		Long: `Upserts the agent configs listed in the config file, overwriting edits made
through the admin API. With --catalog, vendors are imported too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return seedFromConfig(cmd, cfg, gormDB, catalogPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "vendor catalog YAML to import")
	return cmd
}

func seedFromConfig(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB, catalogPath string) error {
	out := cmd.OutOrStdout()

	if err := db.SeedAgentConfigs(gormDB, cfg.Agents); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d agent configs:", len(cfg.Agents))
	for _, a := range cfg.Agents {
		fmt.Fprintf(out, " %s", a.AgentType)
	}
	fmt.Fprintln(out)

	if catalogPath == "" {
		return nil
	}
	vendors, err := vendor.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	if err := db.SeedVendors(gormDB, vendors); err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d vendors from %s\n", len(vendors), catalogPath)
	return nil
}
