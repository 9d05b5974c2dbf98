package upstream

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassify_TypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"conn reset errno", fmt.Errorf("write: %w", syscall.ECONNRESET), KindConnReset},
		{"conn refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindConnRefused},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"already classified", &Error{Kind: KindServer, Status: 502}, KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Kind; got != tt.want {
				t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"ECONNRESET message", errors.New("read ECONNRESET"), true},
		{"ECONNREFUSED message", errors.New("connect ECONNREFUSED 127.0.0.1:8001"), true},
		{"ETIMEDOUT message", errors.New("connect ETIMEDOUT"), true},
		{"status 429", statusError(429), true},
		{"status 500", statusError(500), true},
		{"status 503", statusError(503), true},
		{"embedded 429 in message", errors.New("request failed with status 429"), true},
		{"embedded 502 in message", errors.New("HTTP 502 Bad Gateway"), true},
		{"status 400", statusError(400), false},
		{"status 404", statusError(404), false},
		{"embedded 403 in message", errors.New("request failed with status 403"), false},
		{"unrelated message", errors.New("invalid payload encoding"), false},
		{"parse error", &Error{Kind: KindLocal, Err: errors.New("decode response: unexpected EOF")}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEmbeddedStatus(t *testing.T) {
	tests := []struct {
		msg    string
		status int
		ok     bool
	}{
		{"status 429", 429, true},
		{"HTTP 503 Service Unavailable", 503, true},
		{"got 404 from server", 404, true},
		{"no status here", 0, false},
		{"port 58001 is not a status", 0, false}, // surrounded by digits
		{"latency 300ms", 0, false},              // out of 4xx/5xx range
	}
	for _, tt := range tests {
		status, ok := embeddedStatus(tt.msg)
		if ok != tt.ok || status != tt.status {
			t.Errorf("embeddedStatus(%q) = (%d, %v), want (%d, %v)", tt.msg, status, ok, tt.status, tt.ok)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindServer, Status: 502}
	if got := e.Error(); got != "upstream: server (status 502)" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := fmt.Errorf("forward: %w", e)
	var ue *Error
	if !errors.As(wrapped, &ue) || ue.Status != 502 {
		t.Error("classified error did not survive wrapping")
	}
}
