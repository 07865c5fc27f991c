package main

import (
	"strings"
	"testing"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    string
		check      func(*Config) bool
	}{
		{key: "default.base_url", value: "http://localhost:8080/api", check: func(c *Config) bool {
			return c.Default.BaseURL == "http://localhost:8080/api"
		}},
		{key: "default.realtime_url", value: "ws://localhost:8080/ws", check: func(c *Config) bool {
			return c.Default.RealtimeURL == "ws://localhost:8080/ws"
		}},
		{key: "default.environment", value: "local", check: func(c *Config) bool {
			return c.Default.Environment == "local"
		}},
		{key: "session.store", value: "sqlite", check: func(c *Config) bool {
			return c.Session.Store == "sqlite"
		}},
		{key: "session.email", value: "ada@example.com", check: func(c *Config) bool {
			return c.Session.Email == "ada@example.com"
		}},
		{key: "default.environment", value: "staging", wantErr: "production or local"},
		{key: "session.store", value: "keychain", wantErr: "file or sqlite"},
		{key: "base_url", value: "x", wantErr: "dot notation"},
		{key: "default.colour", value: "x", wantErr: "unknown field"},
		{key: "proxy.url", value: "x", wantErr: "unknown config section"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(&cfg) {
				t.Errorf("value not applied: %+v", cfg)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"short":                        "****",
		"0123456789abcd":               "0123...abcd",
		"eyJhbGciOiJIUzI1NiJ9.payload": "eyJhbGciOiJI...load",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMessageStatus(t *testing.T) {
	tests := []struct {
		name string
		msg  yourmaster.Message
		want string
	}{
		{"failed", yourmaster.Message{ID: "temp-1", IsError: true}, "failed"},
		{"sending", yourmaster.Message{ID: "temp-1"}, "sending"},
		{"read", yourmaster.Message{ID: "m1", IsRead: true, IsDelivered: true}, "read"},
		{"delivered", yourmaster.Message{ID: "m1", IsDelivered: true}, "delivered"},
		{"sent", yourmaster.Message{ID: "m1"}, "sent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageStatus(tt.msg); got != tt.want {
				t.Errorf("messageStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenStatus(t *testing.T) {
	if got := tokenStatus(""); !strings.HasPrefix(got, "none") {
		t.Errorf("empty token: %q", got)
	}
	if got := tokenStatus("not-a-jwt-token-at-all"); !strings.Contains(got, "no expiry claim") {
		t.Errorf("opaque token: %q", got)
	}
}

func TestResolveConfig(t *testing.T) {
	lookup := func(entries []configEntry, key string) configEntry {
		t.Helper()
		for _, e := range entries {
			if e.Key == key {
				return e
			}
		}
		t.Fatalf("no entry for %s", key)
		return configEntry{}
	}

	t.Run("defaults", func(t *testing.T) {
		entries := resolveConfig(&Config{})
		if e := lookup(entries, "default.base_url"); e.Value != yourmaster.DefaultBaseURL || e.Source != "default" {
			t.Errorf("base_url = %+v", e)
		}
		if e := lookup(entries, "default.realtime_url"); e.Value != "wss://api.yourmaster.app/ws" {
			t.Errorf("realtime_url = %+v", e)
		}
		if e := lookup(entries, "session.store"); e.Value != "file" || e.Source != "default" {
			t.Errorf("store = %+v", e)
		}
	})

	t.Run("local environment", func(t *testing.T) {
		var cfg Config
		if err := setConfigValue(&cfg, "default.environment", "local"); err != nil {
			t.Fatal(err)
		}
		entries := resolveConfig(&cfg)
		if e := lookup(entries, "default.base_url"); e.Value != "http://localhost:8080/api/v1" {
			t.Errorf("base_url = %+v", e)
		}
		if e := lookup(entries, "default.realtime_url"); e.Value != "ws://localhost:8080/ws" {
			t.Errorf("realtime_url = %+v", e)
		}
		if e := lookup(entries, "default.environment"); e.Source != "config" {
			t.Errorf("environment source = %q", e.Source)
		}
	})

	t.Run("explicit urls win", func(t *testing.T) {
		cfg := Config{Default: ConfigDefault{BaseURL: "http://10.0.0.2:9000/api/v1", RealtimeURL: "ws://10.0.0.2:9000/stomp"}}
		entries := resolveConfig(&cfg)
		if e := lookup(entries, "default.base_url"); e.Value != cfg.Default.BaseURL || e.Source != "config" {
			t.Errorf("base_url = %+v", e)
		}
		if e := lookup(entries, "default.realtime_url"); e.Value != cfg.Default.RealtimeURL {
			t.Errorf("realtime_url = %+v", e)
		}
	})
}
