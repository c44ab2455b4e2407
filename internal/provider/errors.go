package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnavailable covers network failures, timeouts, 5xx and 429. Retryable.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected covers every other 4xx. Not retryable.
	ErrRejected = errors.New("provider rejected request")
	// ErrIgnoredEvent is returned by ParseWebhook for events with no payment meaning.
	ErrIgnoredEvent = errors.New("webhook event ignored")
	// ErrMalformed is returned by ParseWebhook for bodies it cannot read.
	ErrMalformed = errors.New("malformed webhook payload")
	ErrUnknown   = errors.New("unknown provider")
)

// Error is a failed provider call. Kind is ErrUnavailable or ErrRejected.
type Error struct {
	Kind       error
	Provider   Name
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// Unavailable wraps err as a retryable failure.
func Unavailable(p Name, op string, err error) *Error {
	return &Error{Kind: ErrUnavailable, Provider: p, Op: op, Err: err}
}

// Rejected wraps err as a permanent failure.
func Rejected(p Name, op string, err error) *Error {
	return &Error{Kind: ErrRejected, Provider: p, Op: op, Err: err}
}

// FromStatus classifies an HTTP error response.
func FromStatus(p Name, op string, status int, code string, err error) *Error {
	e := &Error{Kind: ErrRejected, Provider: p, Op: op, StatusCode: status, Code: code, Err: err}
	if status == http.StatusTooManyRequests || status >= 500 {
		e.Kind = ErrUnavailable
	}
	return e
}

// FromTransport classifies an error returned before any HTTP response.
// Transport failures are all retryable; the request may not have arrived.
func FromTransport(p Name, op string, err error) *Error {
	return Unavailable(p, op, err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
