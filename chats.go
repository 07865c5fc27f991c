package yourmaster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
)

// Broker destinations.
const (
	DefaultChatTopicPrefix = "/topic/chat/"
	DeliveredQueue         = "/user/queue/message-delivered"
	ReadQueue              = "/user/queue/message-read"
	SendDestination        = "/app/chat"
)

type chatState struct {
	conv    *Conversation
	pager   *Pager
	cancel  context.CancelFunc
	sweeper clockwork.Ticker
}

func (c *Client) chatTopic(chatID string) string {
	return c.chatTopicPrefix + chatID
}

func (c *Client) chat(chatID string) (*chatState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotOpen, chatID)
	}
	return st, nil
}

// ============================================================================
// Session
// ============================================================================

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*UserProfile, error) {
	return c.session.SignIn(ctx, email, password)
}

// OnSessionLost registers a handler called when the session cannot be
// recovered and the user has to sign in again.
func (c *Client) OnSessionLost(h func(cause error)) {
	c.session.OnSessionLost(h)
}

func (c *Client) handleSessionLost(cause error) {
	c.logger.Warn("tearing down after session loss", "error", cause)
	c.channel.Teardown()
	c.closeAllChats()
}

// Logout closes the realtime channel and every open chat, then ends the
// session on the server and locally.
func (c *Client) Logout(ctx context.Context) error {
	c.connMu.Lock()
	c.channel.Teardown()
	c.connMu.Unlock()
	c.closeAllChats()
	return c.session.Logout(ctx)
}

// Close releases the client. It does not end the session.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.connMu.Lock()
	c.channel.Teardown()
	c.connMu.Unlock()
	c.closeAllChats()
	return nil
}

// ============================================================================
// Realtime
// ============================================================================

// Connect opens the realtime channel with the current access token and
// subscribes to the receipt queues. When the broker rejects the token, the
// session is refreshed and the connection retried once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.connecting++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting--
		c.mu.Unlock()
	}()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	token, err := c.session.AccessToken(ctx)
	if err != nil {
		return err
	}
	if err := c.channel.Subscribe(DeliveredQueue, c.receiptHandler(ReceiptDelivered)); err != nil {
		return err
	}
	if err := c.channel.Subscribe(ReadQueue, c.receiptHandler(ReceiptRead)); err != nil {
		return err
	}

	err = c.channel.Connect(ctx, token)
	if !errors.Is(err, ErrRealtimeAuth) {
		return err
	}
	c.logger.Info("realtime token rejected, refreshing session")
	token, err = c.session.Refresh(ctx)
	if err != nil {
		return err
	}
	return c.channel.Reconnect(ctx, token)
}

// handleChannelStatus reacts to the channel entering StatusError outside
// Connect, such as a broker ERROR frame mid-session or a rejected CONNECT on
// a background reconnect. It refreshes the session and reconnects once; a
// second rejection leaves the channel in StatusError until Connect is
// called again.
func (c *Client) handleChannelStatus(s ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case StatusConnected:
		c.authRetried = false
		return
	case StatusError:
	default:
		return
	}
	if c.closed || c.connecting > 0 {
		return
	}
	if c.authRetried {
		c.logger.Warn("realtime channel rejected again after refresh, waiting for Connect")
		return
	}
	c.authRetried = true
	go c.recoverRealtime()
}

func (c *Client) recoverRealtime() {
	ctx, cancel := context.WithTimeout(c.life, DefaultTimeout)
	defer cancel()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if ctx.Err() != nil || c.channel.Status() != StatusError || !c.session.SignedIn(ctx) {
		return
	}
	c.logger.Info("realtime channel in error state, refreshing session")
	token, err := c.session.Refresh(ctx)
	if err != nil {
		c.logger.Warn("realtime recovery failed", "error", err)
		return
	}
	if err := c.channel.Reconnect(ctx, token); err != nil {
		c.logger.Warn("realtime recovery failed", "error", err)
	}
}

// ConnectionStatus returns the realtime channel state.
func (c *Client) ConnectionStatus() ChannelStatus {
	return c.channel.Status()
}

// OnConnectionStatus registers a handler for realtime state changes.
func (c *Client) OnConnectionStatus(h func(ChannelStatus)) {
	c.channel.OnStatus(h)
}

func (c *Client) chatHandler(chatID string) MessageHandler {
	return func(topic string, body []byte) {
		if t := gjson.GetBytes(body, "type").String(); strings.Contains(strings.ToLower(t), "delete") {
			// Entries are never removed from the log.
			c.logger.Debug("ignoring deletion event", "chat_id", chatID)
			return
		}
		m, err := DecodeMessage(body, c.clock.Now())
		if err != nil {
			c.logger.Warn("undecodable chat event", "topic", topic, "error", err)
			return
		}
		st, err := c.chat(chatID)
		if err != nil {
			return
		}
		st.conv.ApplyLive(m)
	}
}

func (c *Client) receiptHandler(kind ReceiptKind) MessageHandler {
	return func(topic string, body []byte) {
		id := decodeReceiptID(body)
		if id == "" {
			c.logger.Warn("receipt without message id", "topic", topic)
			return
		}
		c.mu.Lock()
		convs := make([]*Conversation, 0, len(c.chats))
		for _, st := range c.chats {
			convs = append(convs, st.conv)
		}
		c.mu.Unlock()
		for _, conv := range convs {
			if _, ok := conv.Get(id); ok {
				conv.ApplyReceipt(kind, id)
				return
			}
		}
		c.logger.Debug("receipt for message not in any open chat", "message_id", id, "kind", kind)
	}
}

// ============================================================================
// Chats
// ============================================================================

// OpenChat starts tracking a chat: subscribes to its topic, loads the newest
// page and starts timing out unconfirmed sends. Opening an open chat
// returns its existing log.
func (c *Client) OpenChat(ctx context.Context, chatID string) (*Conversation, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if st, ok := c.chats[chatID]; ok {
		c.mu.Unlock()
		return st.conv, nil
	}
	conv := NewConversation(chatID, &ConversationOptions{
		Logger:             c.logger,
		Clock:              c.clock,
		ProvisionalTimeout: c.provisionalTimeout,
	})
	pager := NewPager(conv, c.pageFetcher(chatID), &PagerOptions{
		PageSize: c.pageSize,
		Logger:   c.logger,
		Clock:    c.clock,
	})
	chatCtx, cancel := context.WithCancel(context.Background())
	st := &chatState{conv: conv, pager: pager, cancel: cancel}
	st.sweeper = c.clock.NewTicker(sweepInterval(c.provisionalTimeout))
	c.chats[chatID] = st
	c.mu.Unlock()

	go c.sweep(chatCtx, st)

	if err := c.channel.Subscribe(c.chatTopic(chatID), c.chatHandler(chatID)); err != nil {
		c.logger.Warn("chat subscribe failed, will retry on reconnect", "chat_id", chatID, "error", err)
	}
	if err := pager.LoadInitial(ctx); err != nil {
		return conv, err
	}
	c.logger.Info("chat opened", "chat_id", chatID, "messages", conv.Len())
	return conv, nil
}

func sweepInterval(timeout time.Duration) time.Duration {
	if d := timeout / 4; d > 250*time.Millisecond {
		return d
	}
	return 250 * time.Millisecond
}

func (c *Client) sweep(ctx context.Context, st *chatState) {
	defer st.sweeper.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.sweeper.Chan():
			st.conv.ExpireProvisional(c.clock.Now())
		}
	}
}

// CloseChat stops tracking a chat. In-flight history requests are abandoned.
func (c *Client) CloseChat(chatID string) {
	c.mu.Lock()
	st, ok := c.chats[chatID]
	delete(c.chats, chatID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.closeChat(st)
	if err := c.channel.Unsubscribe(c.chatTopic(chatID)); err != nil {
		c.logger.Debug("chat unsubscribe failed", "chat_id", chatID, "error", err)
	}
}

func (c *Client) closeChat(st *chatState) {
	st.cancel()
	st.pager.Close()
}

func (c *Client) closeAllChats() {
	c.mu.Lock()
	chats := c.chats
	c.chats = make(map[string]*chatState)
	c.mu.Unlock()
	for _, st := range chats {
		c.closeChat(st)
	}
}

// Conversation returns the log of an open chat.
func (c *Client) Conversation(chatID string) (*Conversation, error) {
	st, err := c.chat(chatID)
	if err != nil {
		return nil, err
	}
	return st.conv, nil
}

// VisibleLog returns the merged message log of an open chat, oldest first.
func (c *Client) VisibleLog(chatID string) ([]Message, error) {
	st, err := c.chat(chatID)
	if err != nil {
		return nil, err
	}
	return st.conv.Snapshot(), nil
}

// Timeline returns the log of an open chat grouped under date headers.
func (c *Client) Timeline(chatID string) ([]TimelineEntry, error) {
	st, err := c.chat(chatID)
	if err != nil {
		return nil, err
	}
	return st.conv.Entries(c.location, c.dateLabel), nil
}

// ── Sending ───────────────────────────────────────────────

// SendMessage shows content in the chat immediately and publishes it. On a
// publish failure the returned message has IsError set and stays in the log
// for Resend.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (Message, error) {
	return c.SendReply(ctx, chatID, content, "")
}

// SendReply is SendMessage quoting the message replyToID.
func (c *Client) SendReply(ctx context.Context, chatID, content, replyToID string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	st, err := c.chat(chatID)
	if err != nil {
		return Message{}, err
	}
	profile, err := c.session.Profile(ctx)
	if err != nil {
		return Message{}, err
	}

	m := st.conv.BeginSend(profile.ID, content, replyToID)
	if err := c.publish(ctx, m); err != nil {
		c.logger.Warn("send failed", "chat_id", chatID, "message_id", m.ID, "error", err)
		st.conv.MarkSendFailed(m.ID)
		m.IsError = true
		return m, err
	}
	return m, nil
}

// Resend publishes a failed message again.
func (c *Client) Resend(ctx context.Context, chatID, messageID string) (Message, error) {
	st, err := c.chat(chatID)
	if err != nil {
		return Message{}, err
	}
	m, err := st.conv.ResetForResend(messageID)
	if err != nil {
		return Message{}, err
	}
	if err := c.publish(ctx, m); err != nil {
		c.logger.Warn("resend failed", "chat_id", chatID, "message_id", m.ID, "error", err)
		st.conv.MarkSendFailed(m.ID)
		m.IsError = true
		return m, err
	}
	return m, nil
}

func (c *Client) publish(ctx context.Context, m Message) error {
	token, err := c.session.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, SendDestination, &sendMessageRequest{
		ChatID:           m.ChatID,
		UserID:           m.SenderID,
		Content:          m.Content,
		ReplyToMessageID: m.ReplyToID,
		ClientMessageID:  m.ClientID,
	}, map[string]string{"Authorization": "Bearer " + token})
}

// ── History ───────────────────────────────────────────────

func (c *Client) pageFetcher(chatID string) PageFetcher {
	return func(ctx context.Context, page, size int) (*MessagePage, error) {
		return c.FetchMessages(ctx, chatID, page, size)
	}
}

// FetchMessages loads one page of a chat's history, newest page first.
func (c *Client) FetchMessages(ctx context.Context, chatID string, page, size int) (*MessagePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	query.Set("sort", "createdAt")
	query.Set("order", "desc")

	data, err := c.session.Do(ctx, http.MethodGet, "/messages/chat/"+url.PathEscape(chatID), nil, query)
	if err != nil {
		return nil, err
	}
	result, skipped, err := decodePage(data, c.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		c.logger.Warn("skipping malformed message", "chat_id", chatID, "error", e)
	}
	return result, nil
}

// LoadOlderPage loads the next page of history into an open chat. It
// returns false without a request while a load is in flight or when the
// history is exhausted.
func (c *Client) LoadOlderPage(ctx context.Context, chatID string) (bool, error) {
	st, err := c.chat(chatID)
	if err != nil {
		return false, err
	}
	return st.pager.LoadOlderPage(ctx)
}

// HasOlderMessages reports whether older history remains for an open chat.
func (c *Client) HasOlderMessages(chatID string) bool {
	st, err := c.chat(chatID)
	return err == nil && st.pager.HasMore()
}

// OnScroll feeds a scroll event of an open chat's list view.
func (c *Client) OnScroll(chatID string, m ScrollMetrics) error {
	st, err := c.chat(chatID)
	if err != nil {
		return err
	}
	st.pager.OnScroll(m)
	return nil
}

// ScrollAction returns how an open chat's view should react to new messages.
func (c *Client) ScrollAction(chatID string) ScrollAction {
	st, err := c.chat(chatID)
	if err != nil {
		return ScrollToNewest
	}
	return st.pager.ScrollAction()
}

// ── Read state ────────────────────────────────────────────

// MarkRead marks a message as read on the server and locally.
func (c *Client) MarkRead(ctx context.Context, chatID, messageID string) error {
	if strings.HasPrefix(messageID, ProvisionalPrefix) {
		return fmt.Errorf("%w: %s is not confirmed", ErrUnknownMessage, messageID)
	}
	if _, err := c.session.Do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil); err != nil {
		return err
	}
	if st, err := c.chat(chatID); err == nil {
		st.conv.ApplyReceipt(ReceiptRead, messageID)
	}
	return nil
}

// UnreadCount returns the number of unread messages across all chats.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	data, err := c.session.Do(ctx, http.MethodGet, "/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
