// Package testbackend is an in-process stand-in for the YourMaster API: the
// auth, user and message REST endpoints plus a STOMP-over-WebSocket broker.
// Tests drive failure modes through its knobs (expiring tokens, dropping
// sockets, withholding echoes) and inspect what the client sent.
package testbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const APIPrefix = "/api/v1"

var signingKey = []byte("testbackend-signing-key")

// User is an account known to the backend.
type User struct {
	ID        string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
}

// StoredMessage is a message as persisted by the backend.
type StoredMessage struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	ReplyToID string
	CreatedAt time.Time
	Read      bool
}

// Published is one SEND frame received by the broker.
type Published struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

// Server is a running fake backend.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[string]*User // by email
	usersByID     map[string]*User
	access        map[string]string // token -> user id
	expired       map[string]bool   // access tokens forced expired
	refresh       map[string]string // refresh token -> user id
	messages      map[string][]*StoredMessage
	failures      map[string][]int // path -> queued status codes
	refreshCalls  int
	refreshDelay  time.Duration
	requests      map[string]int
	now           func() time.Time
	echo          bool
	echoClientID  bool
	rejectStomp   string
	published     []Published
	subscribes    map[string]int
	conns         map[*brokerConn]struct{}
	connects      int
}

// New starts a backend with one default user.
func New() *Server {
	s := &Server{
		users:      make(map[string]*User),
		usersByID:  make(map[string]*User),
		access:     make(map[string]string),
		expired:    make(map[string]bool),
		refresh:    make(map[string]string),
		messages:   make(map[string][]*StoredMessage),
		failures:   make(map[string][]int),
		requests:   make(map[string]int),
		now:        time.Now,
		echo:       true,
		subscribes: make(map[string]int),
		conns:      make(map[*brokerConn]struct{}),
	}
	s.AddUser(User{
		ID:        "11111111-1111-1111-1111-111111111111",
		Email:     "ada@example.com",
		Password:  "secret",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Role:      "ROLE_CLIENT",
	})

	r := mux.NewRouter()
	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.countAndFail)
	api.HandleFunc("/auth/sign-in", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.authorized(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/users/currentUser", s.authorized(s.handleCurrentUser)).Methods(http.MethodGet)
	api.HandleFunc("/messages/chat/{chatId}", s.authorized(s.handleChatMessages)).Methods(http.MethodGet)
	api.HandleFunc("/messages/unread-count", s.authorized(s.handleUnreadCount)).Methods(http.MethodGet)
	api.HandleFunc("/messages/{messageId}/read", s.authorized(s.handleMarkRead)).Methods(http.MethodPut)
	r.HandleFunc("/ws", s.handleWS)

	s.Server = httptest.NewServer(r)
	return s
}

// APIURL is the base URL clients should use.
func (s *Server) APIURL() string { return s.URL + APIPrefix }

// WSURL is the STOMP endpoint.
func (s *Server) WSURL() string { return "ws" + s.URL[len("http"):] + "/ws" }

// DefaultUser returns the account created by New.
func (s *Server) DefaultUser() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users["ada@example.com"]
}

// AddUser registers an account.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.Email] = &u
	s.usersByID[u.ID] = &u
}

// ── Knobs ─────────────────────────────────────────────────

// SetClock overrides the time used for message timestamps.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// ExpireAccessTokens makes every access token issued so far answer 401
// "Token expired".
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.access {
		s.expired[tok] = true
	}
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// SetRefreshDelay makes /auth/refresh take at least d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// FailNext makes the next requests to path (relative to the API prefix)
// answer with the given statuses, in order. A 401 carries the backend's
// "Token expired" body.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// SetEcho controls whether published messages are broadcast back to the
// chat topic.
func (s *Server) SetEcho(on bool) {
	s.mu.Lock()
	s.echo = on
	s.mu.Unlock()
}

// SetEchoClientID controls whether broadcasts carry clientMessageId.
func (s *Server) SetEchoClientID(on bool) {
	s.mu.Lock()
	s.echoClientID = on
	s.mu.Unlock()
}

// RejectStompConnect makes CONNECT answer with an ERROR frame carrying
// message. An empty message restores normal behavior.
func (s *Server) RejectStompConnect(message string) {
	s.mu.Lock()
	s.rejectStomp = message
	s.mu.Unlock()
}

// ── Inspection ────────────────────────────────────────────

// RefreshCalls returns how many times /auth/refresh was hit.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Requests returns how many requests reached path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// ValidRefreshTokens returns how many refresh tokens are still accepted.
func (s *Server) ValidRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refresh)
}

// ── Messages ──────────────────────────────────────────────

// Seed stores n messages in chatID from senderID, one step apart starting
// at start, with contents "msg-0" ... "msg-(n-1)". It returns them oldest first.
func (s *Server) Seed(chatID, senderID string, n int, start time.Time, step time.Duration) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, 0, n)
	for i := 0; i < n; i++ {
		m := &StoredMessage{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			SenderID:  senderID,
			Content:   "msg-" + strconv.Itoa(i),
			CreatedAt: start.Add(time.Duration(i) * step).UTC(),
		}
		s.messages[chatID] = append(s.messages[chatID], m)
		out = append(out, *m)
	}
	s.sortLocked(chatID)
	return out
}

// Messages returns the stored messages of chatID, oldest first.
func (s *Server) Messages(chatID string) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		out = append(out, *m)
	}
	return out
}

func (s *Server) sortLocked(chatID string) {
	msgs := s.messages[chatID]
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func (s *Server) storeLocked(chatID, senderID, content, replyTo string) *StoredMessage {
	m := &StoredMessage{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		ReplyToID: replyTo,
		CreatedAt: s.now().UTC(),
	}
	s.messages[chatID] = append(s.messages[chatID], m)
	s.sortLocked(chatID)
	return m
}

// ── Tokens ────────────────────────────────────────────────

func (s *Server) issueLocked(userID string) (string, string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(s.now().Add(time.Hour)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", "", err
	}
	refresh := uuid.NewString()
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh, nil
}

// IssueExpiredToken mints a JWT for the default user whose exp claim is
// already in the past.
func (s *Server) IssueExpiredToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users["ada@example.com"]
	claims := jwt.RegisteredClaims{
		Subject:   u.ID,
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(s.now().Add(-time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	s.access[tok] = u.ID
	s.expired[tok] = true
	return tok
}

// IssueTokens signs the default user in without going through HTTP.
func (s *Server) IssueTokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, refresh, err := s.issueLocked(s.users["ada@example.com"].ID)
	if err != nil {
		panic(err)
	}
	return access, refresh
}

// tokenUser resolves a bearer token. status is 0 for a valid token.
func (s *Server) tokenUser(token string) (userID string, status int, body map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.access[token]
	if !ok {
		return "", http.StatusUnauthorized, map[string]string{"error": "Authentication error", "message": "Invalid credentials"}
	}
	if s.expired[token] {
		return "", http.StatusUnauthorized, map[string]string{"error": "Token expired", "message": "JWT token has expired"}
	}
	return userID, 0, nil
}

// ── HTTP plumbing ─────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len(APIPrefix):]
		s.mu.Lock()
		s.requests[path]++
		var fail int
		if q := s.failures[path]; len(q) > 0 {
			fail, s.failures[path] = q[0], q[1:]
		}
		s.mu.Unlock()
		switch {
		case fail == http.StatusUnauthorized:
			writeJSON(w, fail, map[string]string{"error": "Token expired", "message": "JWT token has expired"})
			return
		case fail != 0:
			writeJSON(w, fail, map[string]string{"error": http.StatusText(fail), "message": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(h func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if len(auth) < 7 || auth[:7] != "Bearer " {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication error", "message": "Missing token"})
			return
		}
		userID, status, body := s.tokenUser(auth[7:])
		if status != 0 {
			writeJSON(w, status, body)
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request", "message": err.Error()})
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Email]
	if !ok || u.Password != req.Password {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication error", "message": "Invalid credentials"})
		return
	}
	access, refresh, err := s.issueLocked(u.ID)
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	userID, ok := s.refresh[req.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"type": "about:blank", "title": "Unauthorized", "status": 401,
			"detail": "Refresh token not found",
		})
		return
	}
	delete(s.refresh, req.RefreshToken)
	access, refresh, err := s.issueLocked(userID)
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	for tok, id := range s.refresh {
		if id == userID {
			delete(s.refresh, tok)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	u := s.usersByID[userID]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"role":      u.Role,
		"isOnline":  true,
	})
}

// entity renders a message the way the REST API does: nested sender and
// chat, a "read" flag and a LocalDateTime component array.
func (s *Server) entityLocked(m *StoredMessage) map[string]any {
	t := m.CreatedAt
	sender := map[string]any{"id": m.SenderID}
	if u, ok := s.usersByID[m.SenderID]; ok {
		sender["firstName"] = u.FirstName
	}
	e := map[string]any{
		"id":        m.ID,
		"chat":      map[string]any{"id": m.ChatID},
		"chat_id":   m.ChatID,
		"sender":    sender,
		"content":   m.Content,
		"createdAt": []int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()},
		"read":      m.Read,
	}
	if m.ReplyToID != "" {
		e["replyToMessageId"] = m.ReplyToID
	}
	return e
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, _ string) {
	chatID := mux.Vars(r)["chatId"]
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 20
	}

	s.mu.Lock()
	msgs := s.messages[chatID]
	total := len(msgs)
	totalPages := (total + size - 1) / size
	content := make([]map[string]any, 0, size)
	// Newest first.
	for i := page * size; i < (page+1)*size && i < total; i++ {
		content = append(content, s.entityLocked(msgs[total-1-i]))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"content":       content,
		"number":        page,
		"size":          size,
		"totalPages":    totalPages,
		"totalElements": total,
		"last":          page >= totalPages-1,
		"first":         page == 0,
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	var n int
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.SenderID != userID && !m.Read {
				n++
			}
		}
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, _ string) {
	id := mux.Vars(r)["messageId"]
	s.mu.Lock()
	var found *StoredMessage
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				found = m
			}
		}
	}
	if found == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found", "message": "Message not found"})
		return
	}
	found.Read = true
	e := s.entityLocked(found)
	sender := found.SenderID
	s.mu.Unlock()

	s.sendToUser(sender, "/user/queue/message-read", map[string]string{"messageId": id})
	writeJSON(w, http.StatusOK, e)
}
