package yourmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenSource supplies a fresh bearer token for reconnect attempts.
type TokenSource func(ctx context.Context) (string, error)

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	// URL of the STOMP WebSocket endpoint (ws://, wss://, http:// or https://).
	URL string
	// ReconnectDelay is the fixed wait before re-entering connecting after
	// an unexpected drop.
	ReconnectDelay time.Duration
	// HeartbeatInterval is offered to the broker in both directions.
	// Negative disables heart-beats.
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	TokenSource       TokenSource
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Clock             clockwork.Clock
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// ChannelStatus is the observable connection state.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusError        ChannelStatus = "error"
)

// MessageHandler receives the body of every MESSAGE frame on a topic.
// Handlers run on the channel's read goroutine in arrival order.
type MessageHandler func(topic string, body []byte)

// ============================================================================
// Channel
// ============================================================================

// Channel is a STOMP-over-WebSocket connection with a durable subscription
// set. Subscriptions survive reconnects; an unexpected drop re-enters
// connecting after a fixed delay.
type Channel struct {
	config RealtimeConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    ChannelStatus
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	gen      uint64
	token    string
	torndown bool
	retry    clockwork.Timer

	subs     map[string]MessageHandler
	topicIDs map[string]string // per connection
	idTopics map[string]string // per connection
	nextID   int

	statusMu sync.RWMutex
	onStatus []func(ChannelStatus)

	lastRead atomic.Int64
}

// NewChannel creates a disconnected channel.
func NewChannel(cfg RealtimeConfig) *Channel {
	cfg.defaults()
	return &Channel{
		config:   cfg,
		logger:   cfg.Logger,
		state:    StatusDisconnected,
		subs:     make(map[string]MessageHandler),
		topicIDs: make(map[string]string),
		idTopics: make(map[string]string),
	}
}

// OnStatus registers a handler for status transitions.
func (c *Channel) OnStatus(h func(ChannelStatus)) {
	c.statusMu.Lock()
	c.onStatus = append(c.onStatus, h)
	c.statusMu.Unlock()
}

func (c *Channel) emitStatus(s ChannelStatus) {
	c.logger.Debug("realtime status", "state", s)
	c.statusMu.RLock()
	handlers := append([]func(ChannelStatus){}, c.onStatus...)
	c.statusMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("status handler panicked", "panic", r)
				}
			}()
			h(s)
		}()
	}
}

// Status returns the current connection state.
func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics returns the registered subscription topics.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

func (c *Channel) endpoint() (string, string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("realtime url: unsupported scheme %q", u.Scheme)
	}
	return u.String(), u.Hostname(), nil
}

// Connect opens the socket and authenticates with token. A broker ERROR
// reply moves the channel to StatusError and is not retried; the caller
// must refresh the session and Reconnect. Any other failure is returned
// and the channel keeps retrying in the background.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state == StatusConnected || c.state == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.torndown = false
	c.token = token
	c.gen++
	gen := c.gen
	c.state = StatusConnecting
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)
	return c.connect(ctx, gen, token)
}

func (c *Channel) connect(ctx context.Context, gen uint64, token string) error {
	wsURL, host, err := c.endpoint()
	if err != nil {
		c.transition(gen, StatusError)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient:   c.config.HTTPClient,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		c.logger.Warn("realtime dial failed", "url", wsURL, "error", err)
		c.dropped(gen)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := c.write(dialCtx, conn, connectFrame(host, token, c.config.HeartbeatInterval)); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		c.dropped(gen)
		return err
	}

	connected, err := awaitConnected(dialCtx, conn)
	if err != nil {
		if errors.Is(err, ErrRealtimeAuth) {
			conn.Close(websocket.StatusPolicyViolation, "rejected")
			c.logger.Warn("realtime authentication rejected", "error", err)
			c.transition(gen, StatusError)
			return err
		}
		conn.Close(websocket.StatusInternalError, "handshake failed")
		c.dropped(gen)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.torndown {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrClosed
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelFn = connCancel
	c.state = StatusConnected
	c.topicIDs = make(map[string]string)
	c.idTopics = make(map[string]string)
	var frames []*frame.Frame
	for topic := range c.subs {
		frames = append(frames, c.subscribeFrameLocked(topic))
	}
	c.mu.Unlock()

	c.lastRead.Store(c.config.Clock.Now().UnixNano())
	for _, f := range frames {
		if err := c.write(connCtx, conn, f); err != nil {
			c.logger.Warn("resubscribe failed", "topic", f.Header.Get(frame.Destination), "error", err)
		}
	}
	c.logger.Info("realtime connected", "url", wsURL, "subscriptions", len(frames))
	c.emitStatus(StatusConnected)

	go c.readLoop(connCtx, conn, gen)
	if hb := negotiatedHeartbeat(connected, c.config.HeartbeatInterval); hb > 0 {
		go c.heartbeatLoop(connCtx, conn, gen, c.config.HeartbeatInterval, hb)
	}
	return nil
}

// awaitConnected reads until the broker answers CONNECT.
func awaitConnected(ctx context.Context, conn *websocket.Conn) (*frame.Frame, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read CONNECTED: %w", err)
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				return f, nil
			case frame.ERROR:
				msg := f.Header.Get(frame.Message)
				if msg == "" {
					msg = strings.TrimSpace(string(f.Body))
				}
				return nil, fmt.Errorf("%w: %s", ErrRealtimeAuth, msg)
			}
		}
	}
}

// transition moves to s unless the connection attempt gen was superseded.
func (c *Channel) transition(gen uint64, s ChannelStatus) bool {
	c.mu.Lock()
	if c.gen != gen || c.state == s {
		c.mu.Unlock()
		return false
	}
	c.state = s
	if s != StatusConnected {
		c.conn = nil
		if c.cancelFn != nil {
			c.cancelFn()
			c.cancelFn = nil
		}
	}
	c.mu.Unlock()
	c.emitStatus(s)
	return true
}

// dropped handles an unexpected loss of connection gen.
func (c *Channel) dropped(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.torndown || c.state == StatusError {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.transition(gen, StatusDisconnected)
	c.scheduleReconnect(gen)
}

func (c *Channel) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.torndown {
		return
	}
	if c.retry != nil {
		c.retry.Stop()
	}
	c.logger.Info("realtime reconnect scheduled", "delay", c.config.ReconnectDelay)
	c.retry = c.config.Clock.AfterFunc(c.config.ReconnectDelay, func() {
		c.reconnectAfterDrop(gen)
	})
}

func (c *Channel) reconnectAfterDrop(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.torndown || c.state != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	token := c.token
	c.mu.Unlock()

	if c.config.TokenSource != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		fresh, err := c.config.TokenSource(ctx)
		cancel()
		switch {
		case err == nil:
			token = fresh
		case errors.Is(err, ErrSessionLost), errors.Is(err, ErrNotSignedIn):
			c.logger.Warn("realtime reconnect abandoned", "error", err)
			c.transition(gen, StatusError)
			return
		default:
			c.logger.Warn("token refresh before reconnect failed", "error", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.torndown || c.state != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen = c.gen
	c.token = token
	c.state = StatusConnecting
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)
	if err := c.connect(context.Background(), gen, token); err != nil {
		c.logger.Warn("realtime reconnect failed", "error", err)
	}
}

// Reconnect drops the current socket and connects again with token,
// keeping every subscription.
func (c *Channel) Reconnect(ctx context.Context, token string) error {
	c.mu.Lock()
	conn := c.detachLocked()
	prev := c.state
	c.state = StatusDisconnected
	c.torndown = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect")
	}
	if prev != StatusDisconnected {
		c.emitStatus(StatusDisconnected)
	}
	return c.Connect(ctx, token)
}

// detachLocked invalidates the current connection generation and returns
// its socket, if any.
func (c *Channel) detachLocked() *websocket.Conn {
	c.gen++
	conn := c.conn
	c.conn = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	return conn
}

// Teardown closes the socket and forgets every subscription. It is safe to
// call more than once.
func (c *Channel) Teardown() {
	c.mu.Lock()
	c.torndown = true
	conn := c.detachLocked()
	c.subs = make(map[string]MessageHandler)
	c.topicIDs = make(map[string]string)
	c.idTopics = make(map[string]string)
	prev := c.state
	c.state = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.write(ctx, conn, frame.New(frame.DISCONNECT))
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	if prev != StatusDisconnected {
		c.emitStatus(StatusDisconnected)
	}
}

// ── Subscriptions ─────────────────────────────────────────

func (c *Channel) subscribeFrameLocked(topic string) *frame.Frame {
	c.nextID++
	id := "sub-" + strconv.Itoa(c.nextID)
	c.topicIDs[topic] = id
	c.idTopics[id] = topic
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, topic,
		frame.Ack, "auto",
	)
}

// Subscribe registers handler for topic. Subscribing to a topic that is
// already registered replaces its handler without a second SUBSCRIBE.
// While disconnected the subscription is recorded and sent on connect.
func (c *Channel) Subscribe(topic string, handler MessageHandler) error {
	topic = normalizeTopic(topic)

	c.mu.Lock()
	c.subs[topic] = handler
	if c.state != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.topicIDs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	f := c.subscribeFrameLocked(topic)
	conn := c.conn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	c.logger.Debug("subscribe", "topic", topic)
	return c.write(ctx, conn, f)
}

// Unsubscribe removes the subscription for topic.
func (c *Channel) Unsubscribe(topic string) error {
	topic = normalizeTopic(topic)

	c.mu.Lock()
	delete(c.subs, topic)
	id, ok := c.topicIDs[topic]
	if ok {
		delete(c.topicIDs, topic)
		delete(c.idTopics, id)
	}
	conn := c.conn
	connected := c.state == StatusConnected
	c.mu.Unlock()

	if !ok || !connected || conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return c.write(ctx, conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

// Publish sends payload as JSON to destination. It returns once the frame
// is written; there is no delivery acknowledgement.
func (c *Channel) Publish(ctx context.Context, destination string, payload interface{}, headers map[string]string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	for k, v := range headers {
		f.Header.Set(k, v)
	}
	f.Body = body

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.write(ctx, conn, f)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Command, err)
	}
	return nil
}

// ── Read side ─────────────────────────────────────────────

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("realtime connection lost", "error", err)
			}
			c.dropped(gen)
			return
		}
		c.lastRead.Store(c.config.Clock.Now().UnixNano())

		frames, err := decodeFrames(data)
		if err != nil {
			c.logger.Warn("malformed frame", "error", err)
		}
		for _, f := range frames {
			c.handleFrame(gen, conn, f)
		}
	}
}

func (c *Channel) handleFrame(gen uint64, conn *websocket.Conn, f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		c.mu.Lock()
		topic, ok := c.idTopics[f.Header.Get(frame.Subscription)]
		if !ok {
			topic = normalizeTopic(f.Header.Get(frame.Destination))
		}
		handler := c.subs[topic]
		current := c.gen == gen
		c.mu.Unlock()
		if !current {
			return
		}
		if handler == nil {
			c.logger.Debug("message for unknown subscription", "topic", topic)
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("message handler panicked", "topic", topic, "panic", r)
				}
			}()
			handler(topic, f.Body)
		}()
	case frame.ERROR:
		c.logger.Warn("broker error", "message", f.Header.Get(frame.Message))
		if c.transition(gen, StatusError) {
			conn.Close(websocket.StatusNormalClosure, "broker error")
		}
	case frame.RECEIPT:
	default:
		c.logger.Debug("ignoring frame", "command", f.Command)
	}
}

// heartbeatLoop sends a heart-beat every send interval and drops the
// connection when nothing has been read for twice the broker's interval.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64, send, expect time.Duration) {
	ticker := c.config.Clock.NewTicker(send)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			last := time.Unix(0, c.lastRead.Load())
			if c.config.Clock.Since(last) > 2*expect {
				c.logger.Warn("realtime heartbeat timeout", "since", c.config.Clock.Since(last))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte("\n"))
			cancel()
			if err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}
