package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	yourmaster "github.com/yourmaster/yourmaster/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryPages int
	chatHistoryJSON  bool

	// chat send
	chatSendReplyTo string
	chatSendWait    time.Duration
	chatSendJSON    bool

	// chat tail
	chatTailHistory bool
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Read chat history, send messages and follow chats live.",
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func messageStatus(m yourmaster.Message) string {
	switch {
	case m.IsError:
		return "failed"
	case m.Provisional():
		return "sending"
	case m.IsRead:
		return "read"
	case m.IsDelivered:
		return "delivered"
	}
	return "sent"
}

func printMessage(m yourmaster.Message) {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	fmt.Printf("  [%s] %s: %s (%s)\n", m.CreatedAt.Local().Format("15:04"), who, m.Content, messageStatus(m))
}

// printTimeline prints messages under their date headers.
func printTimeline(entries []yourmaster.TimelineEntry) {
	for _, e := range entries {
		if e.Kind == yourmaster.EntryDateHeader {
			fmt.Printf("── %s ──\n", e.Label)
			continue
		}
		printMessage(*e.Message)
	}
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print the message history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, release, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := client.OpenChat(ctx, chatID); err != nil {
			return fmt.Errorf("failed to load chat: %w", err)
		}
		for i := 1; i < chatHistoryPages; i++ {
			ok, err := client.LoadOlderPage(ctx, chatID)
			if err != nil {
				return fmt.Errorf("failed to load older messages: %w", err)
			}
			if !ok {
				break
			}
		}

		if chatHistoryJSON {
			msgs, err := client.VisibleLog(chatID)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		}

		entries, err := client.Timeline(chatID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		printTimeline(entries)
		if client.HasOlderMessages(chatID) {
			fmt.Println("(older messages available, use --pages)")
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], args[1]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+chatSendWait)
		defer cancel()

		client, release, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer release()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		conv, err := client.OpenChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}

		// Watch for the provisional entry to be replaced.
		var once sync.Once
		done := make(chan yourmaster.Message, 1)
		var pendingMu sync.Mutex
		var pending yourmaster.Message
		conv.OnChange(func(msgs []yourmaster.Message) {
			pendingMu.Lock()
			p := pending
			pendingMu.Unlock()
			if p.ClientID == "" {
				return
			}
			for _, m := range msgs {
				if m.ClientID == p.ClientID && !m.Provisional() {
					once.Do(func() { done <- m })
					return
				}
			}
		})

		sent, err := client.SendReply(ctx, chatID, content, chatSendReplyTo)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		pendingMu.Lock()
		pending = sent
		pendingMu.Unlock()
		// The confirmation may have landed before pending was set.
		for _, m := range conv.Snapshot() {
			if m.ClientID == sent.ClientID && !m.Provisional() {
				once.Do(func() { done <- m })
			}
		}

		timer := time.NewTimer(chatSendWait)
		defer timer.Stop()
		select {
		case m := <-done:
			if chatSendJSON {
				return printJSON(m)
			}
			fmt.Printf("Message sent to chat %s\n", chatID)
			fmt.Printf("  Message ID: %s\n", m.ID)
			fmt.Printf("  Content:    %s\n", m.Content)
			return nil
		case <-timer.C:
			return fmt.Errorf("message published but not confirmed within %s", chatSendWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

// ============================================================================
// chat tail
// ============================================================================

var chatTailCmd = &cobra.Command{
	Use:   "tail <chat-id>",
	Short: "Follow a chat live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, release, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer release()

		client.OnConnectionStatus(func(s yourmaster.ChannelStatus) {
			fmt.Fprintf(os.Stderr, "* %s\n", s)
		})
		client.OnSessionLost(func(error) {
			fmt.Fprintln(os.Stderr, "* session lost; run 'yourmaster login' again")
			stop()
		})

		if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// A failed dial keeps retrying in the background.
			fmt.Fprintf(os.Stderr, "* connect: %v\n", err)
		}
		conv, err := client.OpenChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}

		var mu sync.Mutex
		printed := make(map[string]bool)
		for _, m := range conv.Snapshot() {
			printed[m.ID] = true
			if chatTailHistory {
				printMessage(m)
			}
		}
		conv.OnChange(func(msgs []yourmaster.Message) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				if m.Provisional() || printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(m)
			}
		})

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// chat read / unread
// ============================================================================

var chatReadCmd = &cobra.Command{
	Use:   "read <chat-id> <message-id>",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client, release, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer release()

		if err := client.MarkRead(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Printf("Message %s marked as read.\n", args[1])
		return nil
	},
}

var chatUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the number of unread messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client, release, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer release()

		n, err := client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Unread: %d\n", n)
		return nil
	},
}

func init() {
	chatHistoryCmd.Flags().IntVarP(&chatHistoryPages, "pages", "n", 1, "Number of history pages to load")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output JSON")

	chatSendCmd.Flags().StringVar(&chatSendReplyTo, "reply-to", "", "ID of the message being answered")
	chatSendCmd.Flags().DurationVar(&chatSendWait, "wait", 10*time.Second, "How long to wait for the server confirmation")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output JSON")

	chatTailCmd.Flags().BoolVar(&chatTailHistory, "history", false, "Print the newest page before following")

	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatTailCmd)
	chatCmd.AddCommand(chatReadCmd)
	chatCmd.AddCommand(chatUnreadCmd)

	rootCmd.AddCommand(chatCmd)
}
