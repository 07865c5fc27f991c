package yourmaster

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ConversationOptions configures a Conversation.
type ConversationOptions struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// ProvisionalTimeout is how long a sent message may stay unconfirmed
	// before ExpireProvisional marks it failed.
	ProvisionalTimeout time.Duration
}

// ChangeHandler receives a snapshot of the log after every mutation.
type ChangeHandler func(messages []Message)

// Conversation is the message log of one chat. It merges optimistic sends,
// live events and backfilled history into a single list that is sorted by
// creation time and never holds two entries with the same server id.
type Conversation struct {
	chatID  string
	logger  *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration

	mu       sync.Mutex
	messages []Message
	seq      uint64
	// ids already received on the chat topic
	echoed map[string]struct{}

	changeMu sync.RWMutex
	onChange []ChangeHandler
}

// NewConversation creates an empty log for chatID.
func NewConversation(chatID string, opts *ConversationOptions) *Conversation {
	c := &Conversation{chatID: chatID, echoed: make(map[string]struct{})}
	if opts != nil {
		c.logger = opts.Logger
		c.clock = opts.Clock
		c.timeout = opts.ProvisionalTimeout
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.timeout == 0 {
		c.timeout = DefaultProvisionalTimeout
	}
	c.logger = c.logger.With("chat_id", chatID)
	return c
}

// ChatID returns the chat this log belongs to.
func (c *Conversation) ChatID() string { return c.chatID }

// OnChange registers a handler for log mutations.
func (c *Conversation) OnChange(h ChangeHandler) {
	c.changeMu.Lock()
	c.onChange = append(c.onChange, h)
	c.changeMu.Unlock()
}

func (c *Conversation) emit(snapshot []Message) {
	c.changeMu.RLock()
	handlers := c.onChange
	c.changeMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(snapshot)
		}()
	}
}

// commitLocked re-sorts the log and returns a snapshot for emit. Callers
// hold c.mu.
func (c *Conversation) commitLocked() []Message {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Snapshot returns the log, oldest first.
func (c *Conversation) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Len returns the number of entries, provisional ones included.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Get returns the entry with the given id.
func (c *Conversation) Get(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.messages[i], true
	}
	return Message{}, false
}

// ── Local sends ───────────────────────────────────────────

// BeginSend inserts a provisional message and returns it. The caller
// publishes it and reports failure through MarkSendFailed.
func (c *Conversation) BeginSend(senderID, content, replyToID string) Message {
	now := c.clock.Now()

	c.mu.Lock()
	c.seq++
	m := Message{
		ID:        ProvisionalPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(c.seq, 10),
		ClientID:  uuid.NewString(),
		ChatID:    c.chatID,
		SenderID:  senderID,
		Content:   content,
		ReplyToID: replyToID,
		CreatedAt: now.UTC(),
	}
	c.messages = append(c.messages, m)
	snap := c.commitLocked()
	c.mu.Unlock()

	c.logger.Debug("provisional message added", "message_id", m.ID)
	c.emit(snap)
	return m
}

// MarkSendFailed flags a provisional message as failed. It stays visible.
func (c *Conversation) MarkSendFailed(id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	c.messages[i].IsError = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("message marked failed", "message_id", id)
	c.emit(snap)
	return nil
}

// ResetForResend clears the failure flag of a provisional message and moves
// it to the end of the log, restarting its confirmation window.
func (c *Conversation) ResetForResend(id string) (Message, error) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 || !c.messages[i].Provisional() {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	c.messages[i].IsError = false
	c.messages[i].CreatedAt = c.clock.Now().UTC()
	m := c.messages[i]
	snap := c.commitLocked()
	c.mu.Unlock()

	c.emit(snap)
	return m, nil
}

// ExpireProvisional marks every provisional message older than the
// provisional timeout as failed and returns their ids.
func (c *Conversation) ExpireProvisional(now time.Time) []string {
	c.mu.Lock()
	var expired []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.Provisional() && !m.IsError && now.Sub(m.CreatedAt) >= c.timeout {
			m.IsError = true
			expired = append(expired, m.ID)
		}
	}
	if len(expired) == 0 {
		c.mu.Unlock()
		return nil
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("unconfirmed messages timed out", "count", len(expired))
	c.emit(snap)
	return expired
}

// ── Server events ─────────────────────────────────────────

// mergeConfirmed folds a second copy of a confirmed message into the one
// already held. Content, sender and timestamps stay as first seen; receipt
// flags only ever go from false to true.
func mergeConfirmed(held *Message, incoming Message) {
	if held.SenderName == "" {
		held.SenderName = incoming.SenderName
	}
	if held.ReplyToID == "" {
		held.ReplyToID = incoming.ReplyToID
	}
	if held.ClientID == "" {
		held.ClientID = incoming.ClientID
	}
	held.IsRead = held.IsRead || incoming.IsRead
	held.IsDelivered = held.IsDelivered || incoming.IsDelivered || held.IsRead
	held.IsError = false
}

// pairLocked finds the provisional entry confirmed by m: an echoed client
// id first, otherwise the earliest pending entry with the same content (and
// sender, when both carry one). Failed entries are only considered after
// pending ones, since a send reported as failed may still have arrived.
func (c *Conversation) pairLocked(m Message) int {
	if i := c.pairByClientIDLocked(m.ClientID); i >= 0 {
		return i
	}
	match := func(p *Message) bool {
		if !p.Provisional() || p.Content != m.Content {
			return false
		}
		return p.SenderID == "" || m.SenderID == "" || p.SenderID == m.SenderID
	}
	for _, wantError := range []bool{false, true} {
		best := -1
		for i := range c.messages {
			p := &c.messages[i]
			if !match(p) || p.IsError != wantError {
				continue
			}
			if best < 0 || p.CreatedAt.Before(c.messages[best].CreatedAt) {
				best = i
			}
		}
		if best >= 0 {
			return best
		}
	}
	return -1
}

func (c *Conversation) pairByClientIDLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].Provisional() && c.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// ApplyLive merges a message received on the chat topic. It returns the id
// of the provisional entry it confirmed, if any.
func (c *Conversation) ApplyLive(m Message) string {
	if m.ChatID != "" && m.ChatID != c.chatID {
		c.logger.Debug("live message for another chat ignored", "message_id", m.ID, "other_chat", m.ChatID)
		return ""
	}
	m.ChatID = c.chatID
	m.IsError = false

	c.mu.Lock()
	_, seenLive := c.echoed[m.ID]
	c.echoed[m.ID] = struct{}{}
	if i := c.indexLocked(m.ID); i >= 0 {
		mergeConfirmed(&c.messages[i], m)
		// History may have brought the message in before its first echo; the
		// echo still confirms the sender's provisional copy.
		var confirmed string
		if !seenLive {
			held := c.messages[i]
			j := c.pairByClientIDLocked(held.ClientID)
			if j < 0 && held.ClientID == "" {
				j = c.pairLocked(held)
			}
			if j >= 0 {
				p := c.messages[j]
				confirmed = p.ID
				c.messages = append(c.messages[:j], c.messages[j+1:]...)
				if k := c.indexLocked(held.ID); k >= 0 {
					if c.messages[k].ClientID == "" {
						c.messages[k].ClientID = p.ClientID
					}
					if c.messages[k].ReplyToID == "" {
						c.messages[k].ReplyToID = p.ReplyToID
					}
				}
			}
		}
		snap := c.commitLocked()
		c.mu.Unlock()
		if confirmed != "" {
			c.logger.Debug("provisional message confirmed by echo of held message", "message_id", m.ID, "provisional_id", confirmed)
		} else {
			c.logger.Debug("duplicate live message merged", "message_id", m.ID)
		}
		c.emit(snap)
		return confirmed
	}

	var confirmed string
	if i := c.pairLocked(m); i >= 0 {
		confirmed = c.messages[i].ID
		if m.ClientID == "" {
			m.ClientID = c.messages[i].ClientID
		}
		if m.ReplyToID == "" {
			m.ReplyToID = c.messages[i].ReplyToID
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
	}
	c.messages = append(c.messages, m)
	snap := c.commitLocked()
	c.mu.Unlock()

	if confirmed != "" {
		c.logger.Debug("provisional message confirmed", "message_id", m.ID, "provisional_id", confirmed)
	}
	c.emit(snap)
	return confirmed
}

// ApplyReceipt sets the delivered or read flag of a confirmed message.
// Receipts for ids not in the log are ignored.
func (c *Conversation) ApplyReceipt(kind ReceiptKind, id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Debug("receipt for unknown message", "message_id", id, "kind", kind)
		return false
	}
	m := &c.messages[i]
	switch kind {
	case ReceiptRead:
		m.IsRead = true
		m.IsDelivered = true
	case ReceiptDelivered:
		m.IsDelivered = true
	default:
		c.mu.Unlock()
		return false
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	return true
}

// ApplyBackfill merges a page of history. Entries whose server id is already
// held are merged instead of added. It returns how many entries were added.
func (c *Conversation) ApplyBackfill(page []Message) int {
	c.mu.Lock()
	index := make(map[string]int, len(c.messages))
	for i := range c.messages {
		if !c.messages[i].Provisional() {
			index[c.messages[i].ID] = i
		}
	}
	added := 0
	for _, m := range page {
		if m.ID == "" || m.Provisional() {
			continue
		}
		if m.ChatID != "" && m.ChatID != c.chatID {
			continue
		}
		m.ChatID = c.chatID
		m.IsError = false
		if i, ok := index[m.ID]; ok {
			mergeConfirmed(&c.messages[i], m)
			continue
		}
		c.messages = append(c.messages, m)
		index[m.ID] = len(c.messages) - 1
		added++
	}
	snap := c.commitLocked()
	c.mu.Unlock()

	c.logger.Debug("backfill merged", "received", len(page), "added", added)
	c.emit(snap)
	return added
}
