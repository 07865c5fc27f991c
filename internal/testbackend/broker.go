package testbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

type brokerConn struct {
	ws     *websocket.Conn
	userID string

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
	seq  int
}

func (c *brokerConn) send(ctx context.Context, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, buf.Bytes())
}

func (c *brokerConn) deliver(destination string, body []byte) {
	c.mu.Lock()
	var ids []string
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	for _, id := range ids {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, id,
			frame.MessageId, id+"-"+strconv.Itoa(seq),
			frame.ContentType, "application/json",
		)
		f.Body = body
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.send(ctx, f)
		cancel()
	}
}

func readFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return
	}
	conn := &brokerConn{ws: ws, subs: make(map[string]string)}
	ctx := r.Context()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frames, err := readFrames(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			if !s.handleFrame(ctx, conn, f) {
				return
			}
		}
	}
}

// handleFrame processes one client frame and reports whether the
// connection stays open.
func (s *Server) handleFrame(ctx context.Context, conn *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		s.mu.Lock()
		reject := s.rejectStomp
		s.mu.Unlock()
		if reject != "" {
			_ = conn.send(ctx, frame.New(frame.ERROR, frame.Message, reject))
			return false
		}
		auth := f.Header.Get("Authorization")
		userID, status, body := s.tokenUser(strings.TrimPrefix(auth, "Bearer "))
		if status != 0 {
			_ = conn.send(ctx, frame.New(frame.ERROR, frame.Message, body["message"]))
			return false
		}
		conn.userID = userID
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.connects++
		s.mu.Unlock()
		_ = conn.send(ctx, frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Server, "testbackend",
		))
	case frame.SUBSCRIBE:
		dest := f.Header.Get(frame.Destination)
		conn.mu.Lock()
		conn.subs[f.Header.Get(frame.Id)] = dest
		conn.mu.Unlock()
		s.mu.Lock()
		s.subscribes[dest]++
		s.mu.Unlock()
	case frame.UNSUBSCRIBE:
		conn.mu.Lock()
		delete(conn.subs, f.Header.Get(frame.Id))
		conn.mu.Unlock()
	case frame.SEND:
		s.handleSend(conn, f)
	case frame.DISCONNECT:
		return false
	}
	return true
}

type sendPayload struct {
	ChatID           string `json:"chatId"`
	UserID           string `json:"userId"`
	Content          string `json:"content"`
	ReplyToMessageID string `json:"replyToMessageId"`
	ClientMessageID  string `json:"clientMessageId"`
}

func (s *Server) handleSend(conn *brokerConn, f *frame.Frame) {
	headers := make(map[string]string)
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		headers[k] = v
	}
	dest := f.Header.Get(frame.Destination)

	s.mu.Lock()
	s.published = append(s.published, Published{Destination: dest, Headers: headers, Body: f.Body})
	echo, echoClientID := s.echo, s.echoClientID
	s.mu.Unlock()

	if dest != "/app/chat" {
		return
	}
	var p sendPayload
	if err := json.Unmarshal(f.Body, &p); err != nil || p.ChatID == "" {
		return
	}
	s.mu.Lock()
	m := s.storeLocked(p.ChatID, conn.userID, p.Content, p.ReplyToMessageID)
	s.mu.Unlock()

	if !echo {
		return
	}
	n := map[string]any{
		"id":        m.ID,
		"chatId":    m.ChatID,
		"senderId":  m.SenderID,
		"content":   m.Content,
		"createdAt": m.CreatedAt.Format("2006-01-02T15:04:05.000000"),
	}
	if m.ReplyToID != "" {
		n["replyToMessageId"] = m.ReplyToID
	}
	if echoClientID && p.ClientMessageID != "" {
		n["clientMessageId"] = p.ClientMessageID
	}
	s.Broadcast("/topic/chat/"+m.ChatID, n)
	s.sendToUser(conn.userID, "/user/queue/message-delivered", map[string]string{"messageId": m.ID})
}

// Broadcast sends payload (JSON-encoded unless already []byte) to every
// subscriber of destination.
func (s *Server) Broadcast(destination string, payload any) {
	body, ok := payload.([]byte)
	if !ok {
		body, _ = json.Marshal(payload)
	}
	for _, c := range s.connections() {
		c.deliver(destination, body)
	}
}

// sendToUser delivers to the user's own queue the way a user destination
// prefix does: only that user's sessions receive it.
func (s *Server) sendToUser(userID, destination string, payload any) {
	body, _ := json.Marshal(payload)
	for _, c := range s.connections() {
		if c.userID == userID {
			c.deliver(destination, body)
		}
	}
}

func (s *Server) connections() []*brokerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*brokerConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// DropConnections closes every broker socket without a STOMP goodbye.
func (s *Server) DropConnections() {
	for _, c := range s.connections() {
		c.ws.Close(websocket.StatusGoingAway, "server restart")
	}
}

// SendError sends a STOMP ERROR frame with message to every broker session
// and closes it, the way the broker reports a token that expired mid-session.
func (s *Server) SendError(message string) {
	for _, c := range s.connections() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.send(ctx, frame.New(frame.ERROR, frame.Message, message))
		cancel()
		c.ws.Close(websocket.StatusPolicyViolation, message)
	}
}

// Connections returns the number of authenticated broker sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connects returns how many CONNECT frames were accepted.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// SubscribeCount returns how many SUBSCRIBE frames named destination.
func (s *Server) SubscribeCount(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[destination]
}

// ActiveSubscriptions returns, over all live sessions, how many
// subscriptions point at destination.
func (s *Server) ActiveSubscriptions(destination string) int {
	n := 0
	for _, c := range s.connections() {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == destination {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

// Published returns every SEND frame received so far.
func (s *Server) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}
