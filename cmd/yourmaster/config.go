package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print config.toml as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage YourMaster CLI settings",
	Long: `View or modify ~/.yourmaster/config.toml.

Keys:
  default.environment   production or local
  default.base_url      REST API base URL (overrides the environment)
  default.realtime_url  STOMP WebSocket endpoint (default: <api origin>/ws)
  session.store         file (credentials.toml) or sqlite (session.db)
  session.email         account used by 'yourmaster login' when no email is given`,
}

// configEntry is one resolved setting as shown by 'config show'.
type configEntry struct {
	Key    string
	Value  string
	Source string
}

// resolveConfig pairs each key with the value the client will actually use.
func resolveConfig(cfg *Config) []configEntry {
	client := yourmaster.NewClient(clientOptions(cfg)...)
	defer client.Close()

	source := func(set string) string {
		if set != "" {
			return "config"
		}
		return "default"
	}
	return []configEntry{
		{"default.environment", valueOrDefault(cfg.Default.Environment, string(yourmaster.Production)), source(cfg.Default.Environment)},
		{"default.base_url", client.BaseURL(), source(cfg.Default.BaseURL)},
		{"default.realtime_url", client.RealtimeURL(), source(cfg.Default.RealtimeURL)},
		{"session.store", valueOrDefault(cfg.Session.Store, "file"), source(cfg.Session.Store)},
		{"session.email", cfg.Session.Email, source(cfg.Session.Email)},
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'yourmaster init' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("Config file: %s\n\n", path)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range resolveConfig(cfg) {
			fmt.Fprintf(w, "%s\t%s\t(%s)\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation.

Examples:
  yourmaster config set default.environment local
  yourmaster config set default.base_url http://localhost:8080/api/v1
  yourmaster config set session.store sqlite`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		if key == "session.store" {
			fmt.Println("Existing sessions are not migrated; run 'yourmaster login' again.")
		}
		return nil
	},
}
