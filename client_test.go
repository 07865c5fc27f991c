package yourmaster

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourmaster/yourmaster/sdk/golang/internal/testbackend"
)

const (
	testChatID = "chat-42"
	peerID     = "22222222-2222-2222-2222-222222222222"
)

func addPeer(srv *testbackend.Server) {
	srv.AddUser(testbackend.User{
		ID:        peerID,
		Email:     "master@example.com",
		Password:  "secret",
		FirstName: "Grace",
		LastName:  "Hopper",
		Role:      "ROLE_MASTER",
	})
}

// connectedClient returns a signed-in, connected client with testChatID open.
func connectedClient(t *testing.T, srv *testbackend.Server, opts ...ClientOption) *Client {
	t.Helper()
	ctx := testContext(t)
	c := newTestClient(t, srv, append([]ClientOption{WithCredentialStore(signedInStore(t, srv))}, opts...)...)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.OpenChat(ctx, testChatID); err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	waitFor(t, "chat subscription", func() bool {
		return srv.ActiveSubscriptions(DefaultChatTopicPrefix+testChatID) == 1
	})
	return c
}

func visible(t *testing.T, c *Client) []Message {
	t.Helper()
	msgs, err := c.VisibleLog(testChatID)
	if err != nil {
		t.Fatalf("VisibleLog: %v", err)
	}
	return msgs
}

func hasProvisional(msgs []Message) bool {
	for _, m := range msgs {
		if m.Provisional() {
			return true
		}
	}
	return false
}

// ============================================================================
// History
// ============================================================================

func TestClientHistoryPaging(t *testing.T) {
	srv := newBackend(t)
	addPeer(srv)
	srv.Seed(testChatID, peerID, 120, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), time.Minute)
	ctx := testContext(t)
	c := newTestClient(t, srv, WithCredentialStore(signedInStore(t, srv)), WithPageSize(50))

	conv, err := c.OpenChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	if conv.Len() != 50 {
		t.Fatalf("initial window = %d, want 50", conv.Len())
	}
	if first := visible(t, c)[0]; first.Content != "msg-70" || first.SenderName != "Grace" {
		t.Errorf("oldest of first page = %+v", first)
	}

	for _, want := range []int{100, 120} {
		ok, err := c.LoadOlderPage(ctx, testChatID)
		if err != nil || !ok {
			t.Fatalf("LoadOlderPage = %v, %v", ok, err)
		}
		if conv.Len() != want {
			t.Fatalf("window = %d, want %d", conv.Len(), want)
		}
	}
	if c.HasOlderMessages(testChatID) {
		t.Error("history should be exhausted")
	}
	if ok, _ := c.LoadOlderPage(ctx, testChatID); ok {
		t.Error("load past the end reported progress")
	}
	if n := srv.Requests("/messages/chat/" + testChatID); n != 3 {
		t.Errorf("history requests = %d, want 3", n)
	}

	msgs := visible(t, c)
	assertSorted(t, msgs)
	assertUniqueIDs(t, msgs)
	if msgs[0].Content != "msg-0" || msgs[119].Content != "msg-119" {
		t.Errorf("range = %s..%s", msgs[0].Content, msgs[119].Content)
	}

	t.Run("timeline headers", func(t *testing.T) {
		entries, err := c.Timeline(testChatID)
		if err != nil {
			t.Fatal(err)
		}
		// 120 minutes from 09:00 stay within one day.
		if len(entries) != 121 || entries[0].Label != "1 March 2024" {
			t.Errorf("entries = %d, first = %q", len(entries), entries[0].Label)
		}
	})
}

func TestClientHistoryWithExpiredToken(t *testing.T) {
	srv := newBackend(t)
	addPeer(srv)
	srv.Seed(testChatID, peerID, 5, time.Now().Add(-time.Hour), time.Minute)
	ctx := testContext(t)
	c := newTestClient(t, srv, WithCredentialStore(signedInStore(t, srv)))

	srv.ExpireAccessTokens()
	conv, err := c.OpenChat(ctx, testChatID)
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	if conv.Len() != 5 {
		t.Errorf("len = %d", conv.Len())
	}
	if srv.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d", srv.RefreshCalls())
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestClientSendIsConfirmed(t *testing.T) {
	for _, echoID := range []bool{false, true} {
		name := "content pairing"
		if echoID {
			name = "client id echo"
		}
		t.Run(name, func(t *testing.T) {
			srv := newBackend(t)
			srv.SetEchoClientID(echoID)
			ctx := testContext(t)
			c := connectedClient(t, srv)

			sent, err := c.SendMessage(ctx, testChatID, "  Hello there  ")
			if err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if !sent.Provisional() || sent.Content != "Hello there" {
				t.Errorf("sent = %+v", sent)
			}

			waitFor(t, "confirmation", func() bool {
				msgs := visible(t, c)
				return len(msgs) == 1 && !hasProvisional(msgs) && msgs[0].IsDelivered
			})
			got := visible(t, c)[0]
			stored := srv.Messages(testChatID)
			if len(stored) != 1 || got.ID != stored[0].ID {
				t.Errorf("confirmed id = %s, stored = %+v", got.ID, stored)
			}
			if got.ClientID != sent.ClientID {
				t.Error("client id lost on confirmation")
			}

			p := srv.Published()
			if len(p) != 1 || p[0].Headers["Authorization"] == "" {
				t.Fatalf("published = %+v", p)
			}
			if !strings.Contains(string(p[0].Body), sent.ClientID) {
				t.Error("publish payload carries no client message id")
			}
		})
	}
}

func TestClientSendSameContentTwice(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := connectedClient(t, srv)

	if _, err := c.SendMessage(ctx, testChatID, "ok"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendMessage(ctx, testChatID, "ok"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both confirmations", func() bool {
		msgs := visible(t, c)
		return len(msgs) == 2 && !hasProvisional(msgs)
	})
	msgs := visible(t, c)
	assertUniqueIDs(t, msgs)
	assertSorted(t, msgs)
}

func TestClientSendValidation(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := connectedClient(t, srv)

	if _, err := c.SendMessage(ctx, testChatID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message: %v", err)
	}
	if _, err := c.SendMessage(ctx, "not-open", "hi"); !errors.Is(err, ErrChatNotOpen) {
		t.Errorf("closed chat: %v", err)
	}
	if len(visible(t, c)) != 0 {
		t.Error("rejected sends reached the log")
	}
}

func TestClientOfflineSendAndResend(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := newTestClient(t, srv, WithCredentialStore(signedInStore(t, srv)))
	if _, err := c.OpenChat(ctx, testChatID); err != nil {
		t.Fatal(err)
	}

	failed, err := c.SendMessage(ctx, testChatID, "are you there?")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if !failed.IsError {
		t.Error("returned message not flagged")
	}
	msgs := visible(t, c)
	if len(msgs) != 1 || !msgs[0].IsError || msgs[0].ID != failed.ID {
		t.Fatalf("log = %+v", msgs)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resend(ctx, testChatID, failed.ID); err != nil {
		t.Fatalf("Resend: %v", err)
	}
	waitFor(t, "confirmation", func() bool {
		msgs := visible(t, c)
		return len(msgs) == 1 && !hasProvisional(msgs)
	})
	if m := visible(t, c)[0]; m.IsError || m.Content != "are you there?" {
		t.Errorf("confirmed = %+v", m)
	}
}

func TestClientProvisionalTimeout(t *testing.T) {
	srv := newBackend(t)
	srv.SetEcho(false)
	ctx := testContext(t)
	c := connectedClient(t, srv, WithProvisionalTimeout(200*time.Millisecond))

	sent, err := c.SendMessage(ctx, testChatID, "into the void")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout", func() bool {
		msgs := visible(t, c)
		return len(msgs) == 1 && msgs[0].IsError
	})
	if m := visible(t, c)[0]; m.ID != sent.ID {
		t.Errorf("timed-out entry replaced: %+v", m)
	}
}

// ============================================================================
// Live events and receipts
// ============================================================================

func TestClientLiveEvents(t *testing.T) {
	srv := newBackend(t)
	addPeer(srv)
	seeded := srv.Seed(testChatID, peerID, 3, time.Now().Add(-time.Hour), time.Minute)
	c := connectedClient(t, srv)
	topic := DefaultChatTopicPrefix + testChatID

	srv.Broadcast(topic, map[string]any{
		"id": "live-1", "chatId": testChatID, "senderId": peerID, "content": "new job",
	})
	waitFor(t, "live message", func() bool { return len(visible(t, c)) == 4 })

	// Replays of known messages and deletion events leave the log alone.
	srv.Broadcast(topic, map[string]any{"id": seeded[0].ID, "chatId": testChatID, "senderId": peerID, "content": "msg-0"})
	srv.Broadcast(topic, map[string]any{"type": "MESSAGE_DELETED", "id": seeded[1].ID})
	srv.Broadcast(topic, map[string]any{"id": "live-2", "chatId": testChatID, "senderId": peerID, "content": "marker"})
	waitFor(t, "marker", func() bool { return len(visible(t, c)) == 5 })

	msgs := visible(t, c)
	assertUniqueIDs(t, msgs)
	assertSorted(t, msgs)
	if msgs[len(msgs)-1].ID != "live-2" {
		t.Errorf("newest = %s", msgs[len(msgs)-1].ID)
	}

	t.Run("read receipt", func(t *testing.T) {
		srv.Broadcast(ReadQueue, map[string]string{"messageId": "live-1"})
		waitFor(t, "read flag", func() bool {
			m, _ := mustConversation(t, c).Get("live-1")
			return m.IsRead && m.IsDelivered
		})
	})
}

func mustConversation(t *testing.T, c *Client) *Conversation {
	t.Helper()
	conv, err := c.Conversation(testChatID)
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestClientSurvivesReconnect(t *testing.T) {
	srv := newBackend(t)
	c := connectedClient(t, srv)

	srv.DropConnections()
	waitFor(t, "reconnect", func() bool { return srv.Connects() == 2 && c.ConnectionStatus() == StatusConnected })
	waitFor(t, "resubscribe", func() bool {
		return srv.ActiveSubscriptions(DefaultChatTopicPrefix+testChatID) == 1 &&
			srv.ActiveSubscriptions(DeliveredQueue) == 1 &&
			srv.ActiveSubscriptions(ReadQueue) == 1
	})

	ctx := testContext(t)
	if _, err := c.SendMessage(ctx, testChatID, "still here"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "confirmation", func() bool {
		msgs := visible(t, c)
		return len(msgs) == 1 && !hasProvisional(msgs)
	})
}

func TestClientConnectRefreshesRejectedToken(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := newTestClient(t, srv, WithCredentialStore(signedInStore(t, srv)))

	srv.ExpireAccessTokens()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.ConnectionStatus() != StatusConnected {
		t.Errorf("status = %s", c.ConnectionStatus())
	}
	if srv.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d", srv.RefreshCalls())
	}
}

func TestClientRecoversFromRealtimeError(t *testing.T) {
	t.Run("error frame mid-session", func(t *testing.T) {
		srv := newBackend(t)
		c := connectedClient(t, srv)

		srv.ExpireAccessTokens()
		srv.SendError("Token expired")
		waitFor(t, "recovery", func() bool {
			return srv.Connects() == 2 && c.ConnectionStatus() == StatusConnected
		})
		if srv.RefreshCalls() != 1 {
			t.Errorf("refresh calls = %d, want 1", srv.RefreshCalls())
		}
		waitFor(t, "resubscribe", func() bool {
			return srv.ActiveSubscriptions(DefaultChatTopicPrefix+testChatID) == 1
		})
	})

	t.Run("rejected background reconnect", func(t *testing.T) {
		srv := newBackend(t)
		c := connectedClient(t, srv)

		srv.ExpireAccessTokens()
		srv.DropConnections()
		waitFor(t, "recovery", func() bool {
			return srv.Connects() == 2 && c.ConnectionStatus() == StatusConnected
		})
		if srv.RefreshCalls() != 1 {
			t.Errorf("refresh calls = %d, want 1", srv.RefreshCalls())
		}
	})

	t.Run("second rejection is not retried", func(t *testing.T) {
		srv := newBackend(t)
		c := connectedClient(t, srv)

		var mu sync.Mutex
		failures := 0
		c.OnConnectionStatus(func(s ChannelStatus) {
			if s == StatusError {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		})
		errorCount := func() int {
			mu.Lock()
			defer mu.Unlock()
			return failures
		}

		srv.RejectStompConnect("Access denied")
		srv.SendError("Access denied")
		waitFor(t, "failed recovery", func() bool { return errorCount() == 2 })

		time.Sleep(200 * time.Millisecond)
		if n := errorCount(); n != 2 {
			t.Errorf("error transitions = %d, want 2", n)
		}
		if srv.RefreshCalls() != 1 {
			t.Errorf("refresh calls = %d, want 1", srv.RefreshCalls())
		}
		if c.ConnectionStatus() != StatusError {
			t.Errorf("status = %s, want %s", c.ConnectionStatus(), StatusError)
		}

		srv.RejectStompConnect("")
		if err := c.Connect(testContext(t)); err != nil {
			t.Fatalf("Connect after rejection: %v", err)
		}
		if c.ConnectionStatus() != StatusConnected {
			t.Errorf("status = %s", c.ConnectionStatus())
		}
	})
}

// ============================================================================
// Read state
// ============================================================================

func TestClientReadState(t *testing.T) {
	srv := newBackend(t)
	addPeer(srv)
	seeded := srv.Seed(testChatID, peerID, 4, time.Now().Add(-time.Hour), time.Minute)
	ctx := testContext(t)
	c := newTestClient(t, srv, WithCredentialStore(signedInStore(t, srv)))
	if _, err := c.OpenChat(ctx, testChatID); err != nil {
		t.Fatal(err)
	}

	n, err := c.UnreadCount(ctx)
	if err != nil || n != 4 {
		t.Fatalf("UnreadCount = %d, %v", n, err)
	}

	if err := c.MarkRead(ctx, testChatID, seeded[2].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	conv, _ := c.Conversation(testChatID)
	if m, _ := conv.Get(seeded[2].ID); !m.IsRead {
		t.Error("local read flag not set")
	}
	if n, _ := c.UnreadCount(ctx); n != 3 {
		t.Errorf("UnreadCount after MarkRead = %d", n)
	}

	if err := c.MarkRead(ctx, testChatID, "temp-1-1"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("provisional MarkRead: %v", err)
	}
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestClientSignIn(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := newTestClient(t, srv)

	profile, err := c.SignIn(ctx, "ada@example.com", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if profile.DisplayName() != "Ada Lovelace" {
		t.Errorf("display name = %q", profile.DisplayName())
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClientSessionLost(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := connectedClient(t, srv)

	var lost atomic.Int32
	c.OnSessionLost(func(error) { lost.Add(1) })

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()
	if _, err := c.UnreadCount(ctx); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}

	if lost.Load() != 1 {
		t.Errorf("session lost handler calls = %d", lost.Load())
	}
	if c.ConnectionStatus() != StatusDisconnected {
		t.Errorf("status = %s", c.ConnectionStatus())
	}
	if _, err := c.Conversation(testChatID); !errors.Is(err, ErrChatNotOpen) {
		t.Errorf("chat still open: %v", err)
	}
	waitFor(t, "broker session closed", func() bool { return srv.Connections() == 0 })
	if err := c.Connect(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("Connect after loss: %v", err)
	}
}

func TestClientLogout(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := connectedClient(t, srv)
	c.OnSessionLost(func(error) { t.Error("logout signalled session loss") })

	if err := c.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Session().SignedIn(ctx) {
		t.Error("still signed in")
	}
	if c.ConnectionStatus() != StatusDisconnected {
		t.Errorf("status = %s", c.ConnectionStatus())
	}
	if srv.ValidRefreshTokens() != 0 {
		t.Error("refresh token not revoked")
	}
	if _, err := c.VisibleLog(testChatID); !errors.Is(err, ErrChatNotOpen) {
		t.Errorf("chat still open: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	srv := newBackend(t)
	ctx := testContext(t)
	c := connectedClient(t, srv)

	c.Close()
	if _, err := c.OpenChat(ctx, "other"); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenChat after Close: %v", err)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close: %v", err)
	}
	if !c.Session().SignedIn(ctx) {
		t.Error("Close must not end the session")
	}
}

func TestRealtimeURLFor(t *testing.T) {
	tests := map[string]string{
		"https://api.yourmaster.app/api/v1": "wss://api.yourmaster.app/ws",
		"http://localhost:8080/api/v1":      "ws://localhost:8080/ws",
	}
	for in, want := range tests {
		if got := realtimeURLFor(in); got != want {
			t.Errorf("realtimeURLFor(%q) = %q, want %q", in, got, want)
		}
	}
}
