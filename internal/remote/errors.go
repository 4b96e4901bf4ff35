package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrCircuitOpen is returned without contacting the server while the
// circuit breaker is open.
var ErrCircuitOpen = errors.New("sync server temporarily unavailable")

// Error is a non-success response from the sync server.
type Error struct {
	StatusCode int
	Message    string

	body       []byte
	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("sync server: %d %s", e.StatusCode, msg)
}

// Temporary reports whether retrying the request later may succeed.
func (e *Error) Temporary() bool {
	return retryable(e.StatusCode)
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, code int) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == code
}

// parseError builds an *Error from a response body. The message is taken
// from the first of the common error layouts that matches.
func parseError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				e.Message = r.String()
				return e
			}
		}
		return e
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 512 {
		e.Message = text
	}
	return e
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
