package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initStore string

func init() {
	initCmd.Flags().StringVar(&initStore, "store", "file", "Credential store: file or sqlite")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [environment]",
	Short: "Create ~/.yourmaster/config.toml",
	Long:  "Initialize the CLI configuration. The environment is production (default) or local.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		env := "production"
		if len(args) == 1 {
			env = args[0]
		}
		if err := setConfigValue(cfg, "default.environment", env); err != nil {
			return err
		}
		if err := setConfigValue(cfg, "session.store", initStore); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
