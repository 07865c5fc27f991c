package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the access token has expired, and fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client, cfg, release, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer release()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.RealtimeURL != "" {
			fmt.Printf("  Realtime:    %s\n", cfg.Default.RealtimeURL)
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Session.Store, "file"))

		creds, err := client.Session().Credentials(ctx)
		if err != nil {
			return fmt.Errorf("failed to read credentials: %w", err)
		}

		fmt.Println()
		fmt.Println("Session:")
		if creds.AccessToken == "" && creds.RefreshToken == "" {
			fmt.Println("  (not signed in)")
			return nil
		}
		if creds.User != nil {
			fmt.Printf("  User:        %s <%s>\n", creds.User.DisplayName(), creds.User.Email)
		}
		fmt.Printf("  Role:        %s\n", valueOrDefault(string(creds.Role), "(unknown)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(creds.AccessToken))

		fmt.Println()
		fmt.Println("Live status:")
		profile, err := client.Session().RefreshProfile(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:   %s\n", profile.DisplayName())
		if profile.City != "" {
			fmt.Printf("  City:   %s\n", profile.City)
		}
		if n, err := client.UnreadCount(ctx); err == nil {
			fmt.Printf("  Unread: %d\n", n)
		}
		return nil
	},
}

func tokenStatus(token string) string {
	if token == "" {
		return "none (will refresh)"
	}
	masked := maskKey(token)
	exp, ok := yourmaster.TokenExpiry(token)
	if !ok {
		return fmt.Sprintf("%s (no expiry claim)", masked)
	}
	if time.Now().Before(exp) {
		return fmt.Sprintf("%s valid (expires %s)", masked, exp.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s, refreshed on next use)", masked, exp.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
