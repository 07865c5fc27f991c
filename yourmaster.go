// Package yourmaster is the client-side session and realtime
// synchronization core of the YourMaster services marketplace.
//
// It keeps an authenticated session alive across token expiry and keeps
// each chat's message log consistent across optimistic sends, the live
// STOMP event stream and paginated history.
//
// Example:
//
//	client := yourmaster.NewClient(
//		yourmaster.WithEnvironment(yourmaster.Production),
//		yourmaster.WithCredentialStore(yourmaster.NewFileCredentialStore(path)),
//	)
//	defer client.Close()
//
//	_, _ = client.SignIn(ctx, "ada@example.com", "secret")
//	_ = client.Connect(ctx)
//	_, _ = client.OpenChat(ctx, chatID)
//	_, _ = client.SendMessage(ctx, chatID, "Hello!")
//	log, _ := client.VisibleLog(chatID)
package yourmaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://api.yourmaster.app/api/v1",
	Local:      "http://localhost:8080/api/v1",
}

const (
	DefaultBaseURL            = "https://api.yourmaster.app/api/v1"
	DefaultTimeout            = 30 * time.Second
	DefaultPageSize           = 50
	DefaultProvisionalTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the facade the UI talks to. It owns one SessionManager, one
// realtime Channel and the state of every open chat.
type Client struct {
	baseURL            string
	realtimeURL        string
	httpClient         *http.Client
	logger             *slog.Logger
	clock              clockwork.Clock
	store              CredentialStore
	pageSize           int
	provisionalTimeout time.Duration
	location           *time.Location
	dateLabel          DateLabeler
	chatTopicPrefix    string
	realtime           RealtimeConfig

	session *SessionManager
	channel *Channel

	mu          sync.Mutex
	chats       map[string]*chatState
	closed      bool
	connecting  int  // Connect calls in flight
	authRetried bool // recovery attempted since the last StatusConnected

	// connMu serializes connect, recovery and teardown of the channel.
	connMu sync.Mutex
	life   context.Context
	stop   context.CancelFunc
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithCredentialStore sets where the session is persisted. The default is
// an in-memory store.
func WithCredentialStore(store CredentialStore) ClientOption {
	return func(c *Client) { c.store = store }
}

// WithRealtimeURL overrides the STOMP WebSocket endpoint. By default it is
// derived from the base URL: https://host/api/v1 becomes wss://host/ws.
func WithRealtimeURL(url string) ClientOption {
	return func(c *Client) { c.realtimeURL = url }
}

// WithRealtimeConfig tunes the realtime channel. URL, TokenSource, Logger
// and Clock are filled in by the client when left empty.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

func WithPageSize(size int) ClientOption {
	return func(c *Client) { c.pageSize = size }
}

// WithProvisionalTimeout sets how long a sent message may stay unconfirmed
// before it is marked as failed.
func WithProvisionalTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.provisionalTimeout = d }
}

// WithLocation sets the time zone used for date headers in the chat timeline.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) { c.location = loc }
}

// WithDateLabeler sets how timeline date headers are rendered.
func WithDateLabeler(label DateLabeler) ClientOption {
	return func(c *Client) { c.dateLabel = label }
}

// WithChatTopicPrefix overrides the destination prefix of per-chat topics.
func WithChatTopicPrefix(prefix string) ClientOption {
	return func(c *Client) { c.chatTopicPrefix = prefix }
}

// NewClient creates a new YourMaster client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		pageSize:           DefaultPageSize,
		provisionalTimeout: DefaultProvisionalTimeout,
		location:           time.Local,
		dateLabel:          EnglishDateLabel,
		chatTopicPrefix:    DefaultChatTopicPrefix,
		chats:              make(map[string]*chatState),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.store == nil {
		c.store = NewMemoryCredentialStore()
	}
	if c.realtimeURL == "" {
		c.realtimeURL = realtimeURLFor(c.baseURL)
	}

	c.session = NewSessionManager(SessionConfig{
		BaseURL:    c.baseURL,
		HTTPClient: c.httpClient,
		Store:      c.store,
		Logger:     c.logger,
		Clock:      c.clock,
	})

	rt := c.realtime
	if rt.URL == "" {
		rt.URL = c.realtimeURL
	}
	if rt.TokenSource == nil {
		rt.TokenSource = c.session.AccessToken
	}
	if rt.Logger == nil {
		rt.Logger = c.logger
	}
	if rt.Clock == nil {
		rt.Clock = c.clock
	}
	c.channel = NewChannel(rt)

	c.life, c.stop = context.WithCancel(context.Background())
	c.session.OnSessionLost(c.handleSessionLost)
	c.channel.OnStatus(c.handleChannelStatus)
	return c
}

// Session returns the session manager.
func (c *Client) Session() *SessionManager {
	return c.session
}

// BaseURL returns the REST API base URL in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the STOMP endpoint in use.
func (c *Client) RealtimeURL() string {
	return c.realtimeURL
}

// Channel returns the realtime channel.
func (c *Client) Channel() *Channel {
	return c.channel
}

// realtimeURLFor maps an API base URL to the STOMP endpoint on the same origin.
func realtimeURLFor(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

// ============================================================================
// Internal request helper
// ============================================================================

// restTransport performs single JSON requests against the API. It knows
// nothing about token lifecycles; SessionManager layers that on top.
type restTransport struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func (t *restTransport) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, token string) ([]byte, error) {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, data)
		t.logger.Debug("api request failed",
			"method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
