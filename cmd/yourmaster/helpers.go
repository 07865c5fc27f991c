package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

// openStore opens the credential store selected in the config.
func openStore(ctx context.Context, cfg *Config) (yourmaster.CredentialStore, func(), error) {
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Session.Store {
	case "", "file":
		return yourmaster.NewFileCredentialStore(filepath.Join(dir, "credentials.toml")), func() {}, nil
	case "sqlite":
		store, err := yourmaster.OpenSQLiteCredentialStore(ctx, filepath.Join(dir, "session.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}

// clientOptions maps the [default] section onto client options.
func clientOptions(cfg *Config) []yourmaster.ClientOption {
	opts := []yourmaster.ClientOption{yourmaster.WithLogger(slog.Default())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, yourmaster.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, yourmaster.WithEnvironment(yourmaster.Environment(cfg.Default.Environment)))
	}
	if cfg.Default.RealtimeURL != "" {
		opts = append(opts, yourmaster.WithRealtimeURL(cfg.Default.RealtimeURL))
	}
	return opts
}

// getClient creates a client backed by the configured credential store.
// The returned func releases the client and the store.
func getClient(ctx context.Context) (*yourmaster.Client, *Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := append(clientOptions(cfg), yourmaster.WithCredentialStore(store))
	client := yourmaster.NewClient(opts...)
	return client, cfg, func() {
		client.Close()
		closeStore()
	}, nil
}

// requireSession returns a client for a signed-in user.
func requireSession(ctx context.Context) (*yourmaster.Client, func(), error) {
	client, _, release, err := getClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !client.Session().SignedIn(ctx) {
		release()
		return nil, nil, fmt.Errorf("not signed in; run 'yourmaster login <email>' first")
	}
	return client, release, nil
}
