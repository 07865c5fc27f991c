package yourmaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      CredentialStore
	Logger     *slog.Logger
	Clock      clockwork.Clock
}

func (c *SessionConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Store == nil {
		c.Store = NewMemoryCredentialStore()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// SessionManager owns the token lifecycle. It attaches bearer tokens to
// outbound calls, refreshes expired tokens at most once at a time, retries
// the original call once, and reports when the session is irrecoverably lost.
type SessionManager struct {
	rest   *restTransport
	store  CredentialStore
	logger *slog.Logger
	clock  clockwork.Clock

	mu     sync.Mutex
	creds  *Credentials
	loaded bool

	refreshGroup singleflight.Group

	lostMu sync.RWMutex
	onLost []func(error)
}

// NewSessionManager creates a session manager. Stored credentials are read
// lazily on first use.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	cfg.defaults()
	return &SessionManager{
		rest: &restTransport{
			baseURL:    cfg.BaseURL,
			httpClient: cfg.HTTPClient,
			logger:     cfg.Logger,
		},
		store:  cfg.Store,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
}

// OnSessionLost registers a handler called after credentials have been
// cleared because the session could not be recovered.
func (s *SessionManager) OnSessionLost(h func(cause error)) {
	s.lostMu.Lock()
	s.onLost = append(s.onLost, h)
	s.lostMu.Unlock()
}

func (s *SessionManager) emitSessionLost(cause error) {
	s.lostMu.RLock()
	handlers := append([]func(error){}, s.onLost...)
	s.lostMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session lost handler panicked", "panic", r)
				}
			}()
			h(cause)
		}()
	}
}

// ── Credential cache ──────────────────────────────────────

func (s *SessionManager) load(ctx context.Context) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		creds, err := s.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		s.creds = creds
		s.loaded = true
	}
	return cloneCredentials(s.creds), nil
}

// save persists creds and then publishes them to the cache. A store failure
// is logged and the cache still advances: the server has already rotated the
// refresh token, so the old one is useless.
func (s *SessionManager) save(ctx context.Context, creds *Credentials) {
	if err := s.store.Save(ctx, creds); err != nil {
		s.logger.Error("persist credentials", "error", err)
	}
	s.mu.Lock()
	s.creds = cloneCredentials(creds)
	s.loaded = true
	s.mu.Unlock()
}

// invalidate clears all credentials and signals session loss once per session.
func (s *SessionManager) invalidate(ctx context.Context, cause error) {
	s.mu.Lock()
	had := s.creds != nil && (s.creds.AccessToken != "" || s.creds.RefreshToken != "")
	s.creds = &Credentials{}
	s.loaded = true
	s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("clear credentials", "error", err)
	}
	if had {
		s.logger.Warn("session lost", "error", cause)
		s.emitSessionLost(cause)
	}
}

// Credentials returns a copy of the current credentials.
func (s *SessionManager) Credentials(ctx context.Context) (*Credentials, error) {
	return s.load(ctx)
}

// SignedIn reports whether a session is stored.
func (s *SessionManager) SignedIn(ctx context.Context) bool {
	creds, err := s.load(ctx)
	return err == nil && (creds.AccessToken != "" || creds.RefreshToken != "")
}

// Profile returns the cached profile of the signed-in user.
func (s *SessionManager) Profile(ctx context.Context) (*UserProfile, error) {
	creds, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if creds.User == nil {
		return nil, ErrNotSignedIn
	}
	return creds.User, nil
}

// ── Sign-in / logout ──────────────────────────────────────

// SignIn exchanges email and password for a token pair, then caches the
// user's profile and role.
func (s *SessionManager) SignIn(ctx context.Context, email, password string) (*UserProfile, error) {
	data, err := s.rest.doRequest(ctx, http.MethodPost, "/auth/sign-in",
		&signInRequest{Email: email, Password: password}, nil, "")
	if err != nil {
		if IsAPIStatus(err, http.StatusUnauthorized) || IsAPIStatus(err, http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}
	pair, err := decodeJSON[TokenPair](data)
	if err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("sign in: response carried no access token")
	}
	s.save(ctx, &Credentials{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	s.logger.Info("signed in", "email", email)

	return s.RefreshProfile(ctx)
}

// RefreshProfile fetches the current user and stores role and profile.
func (s *SessionManager) RefreshProfile(ctx context.Context) (*UserProfile, error) {
	data, err := s.Do(ctx, http.MethodGet, "/users/currentUser", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	profile, err := decodeJSON[UserProfile](data)
	if err != nil {
		return nil, err
	}
	creds, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	creds.User = profile
	creds.Role = profile.Role
	s.save(ctx, creds)
	return profile, nil
}

// Logout tells the server to revoke the session, then clears local
// credentials whatever the server said. It does not signal session loss.
func (s *SessionManager) Logout(ctx context.Context) error {
	creds, err := s.load(ctx)
	if err != nil {
		return err
	}
	if creds.AccessToken != "" {
		if _, err := s.rest.doRequest(ctx, http.MethodPost, "/auth/logout", nil, nil, creds.AccessToken); err != nil {
			s.logger.Warn("server logout failed", "error", err)
		}
	}

	s.mu.Lock()
	s.creds = &Credentials{}
	s.loaded = true
	s.mu.Unlock()
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}

// ── Tokens ────────────────────────────────────────────────

// AccessToken returns a bearer token believed to be valid. A JWT whose exp
// claim has already passed is refreshed before being handed out.
func (s *SessionManager) AccessToken(ctx context.Context) (string, error) {
	creds, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.AccessToken == "" {
		if creds.RefreshToken == "" {
			return "", ErrNotSignedIn
		}
		return s.refreshFrom(ctx, "")
	}
	if exp, ok := tokenExpiry(creds.AccessToken); ok && !s.clock.Now().Before(exp) {
		s.logger.Debug("access token past exp, refreshing proactively", "exp", exp)
		return s.refreshFrom(ctx, creds.AccessToken)
	}
	return creds.AccessToken, nil
}

// TokenExpiry returns the exp claim of a JWT access token, read without
// verifying the signature.
func TokenExpiry(token string) (time.Time, bool) {
	return tokenExpiry(token)
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Refresh forces a token refresh and returns the new access token.
func (s *SessionManager) Refresh(ctx context.Context) (string, error) {
	creds, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return s.refreshFrom(ctx, creds.AccessToken)
}

// refreshFrom replaces the access token failed. Concurrent callers share a
// single in-flight refresh; a caller whose token was already replaced gets
// the replacement without another network round trip.
func (s *SessionManager) refreshFrom(ctx context.Context, failed string) (string, error) {
	ch := s.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		return s.doRefresh(context.WithoutCancel(ctx), failed)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SessionManager) doRefresh(ctx context.Context, failed string) (string, error) {
	creds, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.AccessToken != "" && creds.AccessToken != failed {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		cause := fmt.Errorf("%w: no refresh token", ErrSessionLost)
		s.invalidate(ctx, cause)
		return "", cause
	}

	s.logger.Debug("refreshing access token")
	data, err := s.rest.doRequest(ctx, http.MethodPost, "/auth/refresh",
		&refreshRequest{RefreshToken: creds.RefreshToken}, nil, "")
	if err != nil {
		if refreshRejected(err) {
			cause := fmt.Errorf("%w: %w", ErrSessionLost, err)
			s.invalidate(ctx, cause)
			return "", cause
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	pair, err := decodeJSON[TokenPair](data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if pair.AccessToken == "" {
		return "", fmt.Errorf("%w: response carried no access token", ErrRefreshFailed)
	}

	creds.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		creds.RefreshToken = pair.RefreshToken
	}
	s.save(ctx, creds)
	s.logger.Info("access token refreshed")
	return pair.AccessToken, nil
}

// refreshRejected reports whether the refresh endpoint refused the refresh
// token itself. Timeouts, throttling and server errors are not rejections.
func refreshRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// ── Authorized calls ──────────────────────────────────────

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// send performs one authorized attempt, repeating it once on a transient
// failure when the method is idempotent.
func (s *SessionManager) send(ctx context.Context, method, path string, body interface{}, query url.Values, token string) ([]byte, error) {
	data, err := s.rest.doRequest(ctx, method, path, body, query, token)
	if err != nil && transient(err) && idempotent(method) && ctx.Err() == nil {
		s.logger.Debug("retrying after transient failure", "method", method, "path", path, "error", err)
		data, err = s.rest.doRequest(ctx, method, path, body, query, token)
	}
	return data, err
}

// Do performs an authorized request. When the server reports the access
// token as expired, the token is refreshed and the request retried exactly
// once. Any other 401 ends the session.
func (s *SessionManager) Do(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.send(ctx, method, path, body, query, token)
	if err == nil {
		return data, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		return nil, err
	}
	if !apiErr.TokenExpired() {
		cause := fmt.Errorf("%w: %w", ErrSessionLost, err)
		s.invalidate(ctx, cause)
		return nil, cause
	}

	s.logger.Debug("access token expired", "method", method, "path", path)
	token, err = s.refreshFrom(ctx, token)
	if err != nil {
		return nil, err
	}
	data, err = s.send(ctx, method, path, body, query, token)
	if err != nil {
		if IsAPIStatus(err, http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return nil, err
	}
	return data, nil
}
