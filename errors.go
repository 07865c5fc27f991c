package yourmaster

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotSignedIn is returned when an authorized call is made with no
	// stored session.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrSessionLost means the session is gone for good: the refresh token
	// was rejected or the server refused the credentials. Credentials have
	// been cleared and the user must sign in again.
	ErrSessionLost = errors.New("session lost")

	// ErrSessionExpired is returned when a call still fails authorization
	// after a successful refresh and retry.
	ErrSessionExpired = errors.New("session expired after refresh")

	// ErrRefreshFailed wraps transient refresh failures. Credentials are kept.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrInvalidCredentials is returned by SignIn for a wrong email or password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrNetwork wraps transport-level failures (no HTTP response).
	ErrNetwork = errors.New("network error")

	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrRealtimeAuth means the broker rejected the CONNECT credentials.
	ErrRealtimeAuth = errors.New("realtime authentication failed")

	ErrEmptyMessage   = errors.New("message content is empty")
	ErrChatNotOpen    = errors.New("chat is not open")
	ErrUnknownMessage = errors.New("unknown message")
	ErrClosed         = errors.New("client closed")
)

// parseAPIError builds an APIError from an error body. Spring returns either
// {"error","message"} maps or RFC 7807 problem details; anything else keeps
// the raw text as the message.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if gjson.ValidBytes(body) {
		v := gjson.ParseBytes(body)
		apiErr.Code = v.Get("error").String()
		apiErr.Message = v.Get("message").String()
		apiErr.Detail = v.Get("detail").String()
		if apiErr.Code == "" {
			apiErr.Code = v.Get("title").String()
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" && apiErr.Detail == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// transient reports whether err is worth one more attempt.
func transient(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}
