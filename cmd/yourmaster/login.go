package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted for when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

// readPassword prompts on the terminal without echo, or reads one line
// from a piped stdin.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in and store the session",
	Long:  "Sign in with email and password. The token pair and profile are kept in the configured credential store.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, cfg, release, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer release()

		email := cfg.Session.Email
		if len(args) == 1 {
			email = args[0]
		}
		if email == "" {
			return fmt.Errorf("no email given and none stored in session.email")
		}
		password := loginPassword
		if password == "" {
			if password, err = readPassword(); err != nil {
				return err
			}
		}

		profile, err := client.SignIn(ctx, email, password)
		if err != nil {
			if errors.Is(err, yourmaster.ErrInvalidCredentials) {
				return fmt.Errorf("wrong email or password")
			}
			return fmt.Errorf("sign in failed: %w", err)
		}

		cfg.Session.Email = email
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  Name: %s\n", profile.DisplayName())
		fmt.Printf("  Role: %s\n", profile.Role)
		fmt.Printf("  ID:   %s\n", profile.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session on the server and forget it locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client, _, release, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer release()

		if !client.Session().SignedIn(ctx) {
			fmt.Println("Not signed in.")
			return nil
		}
		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
