package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an upstream call failure for retry decisions. The taxonomy
// follows the transport/server/client/local split: transport and server
// errors are worth retrying, client and local errors are not.
type Kind int

const (
	// KindConnReset is a connection reset by the peer mid-call.
	KindConnReset Kind = iota

	// KindConnRefused means the upstream is not accepting connections.
	KindConnRefused

	// KindTimeout covers dial, request, and context deadline timeouts.
	KindTimeout

	// KindThrottled is an HTTP 429 from the upstream.
	KindThrottled

	// KindServer is any HTTP 5xx from the upstream.
	KindServer

	// KindClient is any other HTTP 4xx — the request itself is bad and
	// retrying cannot help.
	KindClient

	// KindLocal is a gateway-side failure unrelated to transport, such as a
	// malformed response body.
	KindLocal
)

// String returns the short name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnReset:
		return "conn-reset"
	case KindConnRefused:
		return "conn-refused"
	case KindTimeout:
		return "timeout"
	case KindThrottled:
		return "throttled"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure. It carries a machine-checkable Kind
// and, for HTTP-level failures, the status code, so callers never need to
// match on message text.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Status is the HTTP status code, or 0 for transport/local errors.
	Status int

	// Err is the underlying cause. May be nil for pure status errors.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		if e.Err != nil {
			return fmt.Sprintf("upstream: %s (status %d): %v", e.Kind, e.Status, e.Err)
		}
		return fmt.Sprintf("upstream: %s (status %d)", e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: %v", e.Kind, e.Err)
	}
	return "upstream: " + e.Kind.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth retrying: transport
// errors (reset, refused, timeout), HTTP 429, and HTTP 5xx.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnReset, KindConnRefused, KindTimeout, KindThrottled, KindServer:
		return true
	}
	return false
}

// statusError builds an [Error] for a non-2xx HTTP response.
func statusError(status int) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindThrottled, Status: status}
	case status >= 500:
		return &Error{Kind: KindServer, Status: status}
	default:
		return &Error{Kind: KindClient, Status: status}
	}
}

// Classify normalises an arbitrary error from the HTTP layer into an [Error].
// Typed checks (net.Error, syscall errnos, context deadlines) come first;
// message matching is a last resort for errors arriving from layers that
// expose no structured cause.
func Classify(err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return &Error{Kind: KindConnReset, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindConnRefused, Err: err}
	}

	// Fallback for untyped transport errors.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ECONNRESET"), strings.Contains(msg, "connection reset"):
		return &Error{Kind: KindConnReset, Err: err}
	case strings.Contains(msg, "ECONNREFUSED"), strings.Contains(msg, "connection refused"):
		return &Error{Kind: KindConnRefused, Err: err}
	case strings.Contains(msg, "ETIMEDOUT"), strings.Contains(msg, "timeout"):
		return &Error{Kind: KindTimeout, Err: err}
	}
	if status, ok := embeddedStatus(msg); ok {
		e := statusError(status)
		e.Err = err
		return e
	}
	return &Error{Kind: KindLocal, Err: err}
}

// embeddedStatus scans a message for an HTTP status code (400–599). Used only
// when no structured cause is available.
func embeddedStatus(msg string) (int, bool) {
	for i := 0; i+3 <= len(msg); i++ {
		if (msg[i] == '4' || msg[i] == '5') &&
			isDigit(msg[i+1]) && isDigit(msg[i+2]) &&
			(i == 0 || !isDigit(msg[i-1])) &&
			(i+3 == len(msg) || !isDigit(msg[i+3])) {
			return int(msg[i]-'0')*100 + int(msg[i+1]-'0')*10 + int(msg[i+2]-'0'), true
		}
	}
	return 0, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// IsRetryable reports whether err represents a retryable upstream failure.
// It accepts both classified [Error] values and raw transport errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}
