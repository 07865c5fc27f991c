package yourmaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Detail
	}
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, msg)
}

// TokenExpired reports whether the server rejected the request because the
// access token is past its expiry, as opposed to being malformed or revoked.
func (e *APIError) TokenExpired() bool {
	if e.StatusCode != 401 {
		return false
	}
	for _, s := range []string{e.Message, e.Code, e.Detail} {
		if strings.Contains(strings.ToLower(s), "expired") {
			return true
		}
	}
	return false
}

// IsAPIStatus reports whether err wraps an *APIError with the given status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// ============================================================================
// Auth Types
// ============================================================================

// Role is the marketplace role of the signed-in user.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleMaster Role = "MASTER"
)

// ParseRole accepts both the bare role name and the authority form the
// backend serializes ("ROLE_MASTER").
func ParseRole(s string) Role {
	return Role(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "ROLE_"))
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("role: %w", err)
	}
	*r = ParseRole(s)
	return nil
}

// TokenPair is returned by sign-in and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// UserProfile is the cached subset of GET /users/currentUser.
type UserProfile struct {
	ID        string `json:"id" cbor:"1,keyasint"`
	Email     string `json:"email" cbor:"2,keyasint"`
	FirstName string `json:"firstName,omitempty" cbor:"3,keyasint,omitempty"`
	LastName  string `json:"lastName,omitempty" cbor:"4,keyasint,omitempty"`
	Role      Role   `json:"role" cbor:"5,keyasint"`
	AvatarURL string `json:"avatarUrl,omitempty" cbor:"6,keyasint,omitempty"`
	City      string `json:"city,omitempty" cbor:"7,keyasint,omitempty"`
}

// DisplayName joins first and last name, falling back to the email.
func (p *UserProfile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}

// Credentials is everything the credential store persists for a session.
// Empty strings mean absent.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Role         Role
	User         *UserProfile
}

// ============================================================================
// Message Types
// ============================================================================

// ProvisionalPrefix marks locally generated message ids that have not been
// confirmed by the server.
const ProvisionalPrefix = "temp-"

// Message is one entry of a conversation log.
type Message struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientMessageId,omitempty"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	ReplyToID  string    `json:"replyToMessageId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	IsRead      bool `json:"isRead"`
	IsDelivered bool `json:"isDelivered"`
	IsError     bool `json:"isError"`
}

// Provisional reports whether the message is still awaiting server confirmation.
func (m *Message) Provisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// MessagePage is one page of GET /messages/chat/{id}, newest first on the wire.
type MessagePage struct {
	Messages   []Message
	Number     int
	TotalPages int
	Last       bool
}

// ReceiptKind distinguishes delivery from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// sendMessageRequest is the payload published to /app/chat.
type sendMessageRequest struct {
	ChatID           string `json:"chatId"`
	UserID           string `json:"userId"`
	Content          string `json:"content"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
}
