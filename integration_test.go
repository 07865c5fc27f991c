//go:build integration

package yourmaster_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

func testBaseURL() string {
	if v := os.Getenv("YOURMASTER_BASE_URL"); v != "" {
		return v
	}
	return "" // empty means use default (production)
}

func newClient(t *testing.T, opts ...yourmaster.ClientOption) *yourmaster.Client {
	t.Helper()
	if base := testBaseURL(); base != "" {
		opts = append(opts, yourmaster.WithBaseURL(base))
	} else {
		opts = append(opts, yourmaster.WithEnvironment(yourmaster.Production))
	}
	if ws := os.Getenv("YOURMASTER_REALTIME_URL"); ws != "" {
		opts = append(opts, yourmaster.WithRealtimeURL(ws))
	}
	if prefix := os.Getenv("YOURMASTER_CHAT_TOPIC_PREFIX"); prefix != "" {
		opts = append(opts, yourmaster.WithChatTopicPrefix(prefix))
	}
	c := yourmaster.NewClient(opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func signIn(t *testing.T, c *yourmaster.Client) *yourmaster.UserProfile {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	profile, err := c.SignIn(ctx, requireEnv(t, "YOURMASTER_EMAIL"), requireEnv(t, "YOURMASTER_PASSWORD"))
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return profile
}

// =======================================================================
// Group 1: Session
// =======================================================================

func TestIntegration_Session_SignInPersistsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	c := newClient(t, yourmaster.WithCredentialStore(yourmaster.NewFileCredentialStore(path)))
	profile := signIn(t, c)
	t.Logf("Signed in as %s (%s)", profile.DisplayName(), profile.Role)

	// A second client on the same store resumes the session.
	again := newClient(t, yourmaster.WithCredentialStore(yourmaster.NewFileCredentialStore(path)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	got, err := again.Session().Profile(ctx)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.ID != profile.ID {
		t.Errorf("resumed profile = %s, want %s", got.ID, profile.ID)
	}
}

func TestIntegration_Session_ForcedRefresh(t *testing.T) {
	c := newClient(t)
	signIn(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	before, _ := c.Session().Credentials(ctx)
	token, err := c.Session().Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if token == before.AccessToken {
		t.Error("refresh returned the old access token")
	}
	if _, err := c.UnreadCount(ctx); err != nil {
		t.Fatalf("UnreadCount with refreshed token: %v", err)
	}
}

// =======================================================================
// Group 2: Chat
// =======================================================================

func TestIntegration_Chat_HistoryAndLiveSend(t *testing.T) {
	chatID := requireEnv(t, "YOURMASTER_CHAT_ID")
	c := newClient(t)
	signIn(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conv, err := c.OpenChat(ctx, chatID)
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	t.Logf("Loaded %d messages, more=%v", conv.Len(), c.HasOlderMessages(chatID))

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := c.SendMessage(ctx, chatID, content)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := conv.Get(sent.ID); !ok {
			t.Logf("Provisional %s confirmed", sent.ID)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("message %s never confirmed", sent.ID)
}

func TestIntegration_Session_Logout(t *testing.T) {
	c := newClient(t)
	signIn(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if c.Session().SignedIn(ctx) {
		t.Error("still signed in after logout")
	}
}
