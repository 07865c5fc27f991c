package yourmaster

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// The REST API returns Message entities (nested sender and chat objects,
// "read" flag, array timestamps) while the realtime topic carries flat
// notifications (senderId, chatId, ISO timestamps or none at all). Both are
// normalized here so the synchronizer only ever sees Message values.

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func firstBool(v gjson.Result, paths ...string) bool {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r.Bool()
		}
	}
	return false
}

// decodeMessage normalizes one message object. receivedAt is used when the
// payload carries no creation time.
func decodeMessage(v gjson.Result, receivedAt time.Time) (Message, error) {
	if !v.IsObject() {
		return Message{}, fmt.Errorf("message is not an object: %.64s", v.Raw)
	}
	m := Message{
		ID:         firstString(v, "id"),
		ClientID:   firstString(v, "clientMessageId"),
		ChatID:     firstString(v, "chatId", "chat_id", "chat.id"),
		SenderID:   firstString(v, "senderId", "sender.id"),
		SenderName: firstString(v, "senderName", "sender.firstName"),
		Content:    v.Get("content").String(),
		ReplyToID:  firstString(v, "replyToMessageId"),
		IsRead:     firstBool(v, "isRead", "read"),
	}
	// A read message has necessarily been delivered.
	m.IsDelivered = m.IsRead || firstBool(v, "isDelivered", "delivered")
	if m.ID == "" {
		return Message{}, fmt.Errorf("message without id")
	}
	if ts := v.Get("createdAt"); ts.Exists() {
		t, err := parseTimestamp(ts)
		if err != nil {
			return Message{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.CreatedAt = t
	} else {
		m.CreatedAt = receivedAt.UTC()
	}
	return m, nil
}

// DecodeMessage parses a single message payload as received on a chat topic.
func DecodeMessage(data []byte, receivedAt time.Time) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("invalid message json")
	}
	return decodeMessage(gjson.ParseBytes(data), receivedAt)
}

// decodePage parses a Spring Page of messages. Malformed entries are skipped
// and reported through skipped.
func decodePage(data []byte, receivedAt time.Time) (*MessagePage, []error, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("invalid page json")
	}
	root := gjson.ParseBytes(data)
	page := &MessagePage{
		Number:     int(root.Get("number").Int()),
		TotalPages: int(root.Get("totalPages").Int()),
		Last:       root.Get("last").Bool(),
	}
	var skipped []error
	root.Get("content").ForEach(func(_, item gjson.Result) bool {
		m, err := decodeMessage(item, receivedAt)
		if err != nil {
			skipped = append(skipped, err)
			return true
		}
		page.Messages = append(page.Messages, m)
		return true
	})
	return page, skipped, nil
}

// decodeReceiptID extracts the message id from a delivered/read receipt.
// The queues carry either a bare id string or an object with an id field.
func decodeReceiptID(data []byte) string {
	if !gjson.ValidBytes(data) {
		return strings.TrimSpace(string(data))
	}
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.String:
		return v.Str
	case v.IsObject():
		return firstString(v, "messageId", "id")
	}
	return ""
}
