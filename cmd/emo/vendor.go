package main

import (
	"fmt"

	"github.com/ikanisa/easymo/internal/db"
	"github.com/ikanisa/easymo/internal/vendor"
	"github.com/spf13/cobra"
)

func newVendorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vendor",
		Short: "Vendor directory commands",
	}

	cmd.AddCommand(newVendorListCmd())
	cmd.AddCommand(newVendorImportCmd())
	cmd.AddCommand(newVendorSetActiveCmd("activate", true))
	cmd.AddCommand(newVendorSetActiveCmd("deactivate", false))
	return cmd
}

func openDirectory(configPath string) (*vendor.Directory, error) {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return vendor.NewDirectory(gormDB)
}

func newVendorListCmd() *cobra.Command {
	var (
		configPath string
		agentType  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vendors",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDirectory(configPath)
			if err != nil {
				return err
			}
			rows, err := dir.List(cmd.Context(), agentType)
			if err != nil {
				return err
			}
			printVendors(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	cmd.Flags().StringVar(&agentType, "agent", "", "only vendors serving this agent type")
	return cmd
}

func newVendorImportCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Import vendors and inventory from a catalog file",
		Long:  "Upserts every vendor in the catalog. Inventory rows are matched by vendor and item name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendors, err := vendor.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.SeedVendors(gormDB, vendors); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d vendors from %s\n", len(vendors), args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}

func newVendorSetActiveCmd(use string, active bool) *cobra.Command {
	var configPath string

	short := "Mark a vendor as a fan-out candidate"
	if !active {
		short = "Stop sending requests to a vendor"
	}
	cmd := &cobra.Command{
		Use:   use + " <vendor-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDirectory(configPath)
			if err != nil {
				return err
			}
			if err := dir.SetActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vendor %s %sd\n", args[0], use)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to easyMO config file")
	return cmd
}
