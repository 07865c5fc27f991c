package yourmaster

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/yourmaster/yourmaster/sdk/golang/internal/testbackend"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testLogger() *slog.Logger {
	level := slog.LevelError
	if os.Getenv("YOURMASTER_TEST_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newBackend(t *testing.T) *testbackend.Server {
	t.Helper()
	srv := testbackend.New()
	t.Cleanup(srv.Close)
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// signedInStore returns a credential store holding a fresh session for the
// backend's default user.
func signedInStore(t *testing.T, srv *testbackend.Server) *MemoryCredentialStore {
	t.Helper()
	access, refresh := srv.IssueTokens()
	u := srv.DefaultUser()
	store := NewMemoryCredentialStore()
	err := store.Save(context.Background(), &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		Role:         ParseRole(u.Role),
		User:         &UserProfile{ID: u.ID, Email: u.Email, FirstName: u.FirstName, Role: ParseRole(u.Role)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestSession(t *testing.T, srv *testbackend.Server, store CredentialStore) *SessionManager {
	t.Helper()
	return NewSessionManager(SessionConfig{
		BaseURL: srv.APIURL(),
		Store:   store,
		Logger:  testLogger(),
	})
}

func newTestClient(t *testing.T, srv *testbackend.Server, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithBaseURL(srv.APIURL()),
		WithRealtimeURL(srv.WSURL()),
		WithLogger(testLogger()),
		WithLocation(time.UTC),
		WithRealtimeConfig(RealtimeConfig{ReconnectDelay: 50 * time.Millisecond, HeartbeatInterval: -1}),
	}
	c := NewClient(append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}
