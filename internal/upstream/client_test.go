package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const okBody = `{"status":"ok","final":{"text":"xin chào","words":[]},"detections":[]}`

func newTestClient(t *testing.T, url string, cfg ClientConfig) (*Client, *Pool) {
	t.Helper()
	cfg.BaseURL = url
	pool := NewPool()
	t.Cleanup(pool.Shutdown)
	c, err := NewClient(pool, cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, pool
}

func TestClient_ForwardSuccess(t *testing.T) {
	var gotSession, gotKey, gotType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession.Store(r.Header.Get("X-Session-ID"))
		gotKey.Store(r.Header.Get("X-API-Key"))
		gotType.Store(r.Header.Get("Content-Type"))
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{APIKey: "dev-secret"})
	res, err := c.Forward(context.Background(), "sess-1", []byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.Final == nil || res.Final.Text != "xin chào" {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotSession.Load() != "sess-1" {
		t.Errorf("session header = %v, want sess-1", gotSession.Load())
	}
	if gotKey.Load() != "dev-secret" {
		t.Errorf("api key header = %v", gotKey.Load())
	}
	if gotType.Load() != "application/octet-stream" {
		t.Errorf("content type = %v", gotType.Load())
	}
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	// Short base delay keeps the test fast; delay doubling is verified
	// separately in TestClient_RetryDelays.
	c, _ := newTestClient(t, srv.URL, ClientConfig{RetryBaseDelay: 5 * time.Millisecond})

	start := time.Now()
	res, err := c.Forward(context.Background(), "sess-1", []byte{1})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	// Two sleeps: 5ms + 10ms.
	if elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, expected at least 15ms of backoff", elapsed)
	}
}

func TestClient_RetryDelays(t *testing.T) {
	pool := NewPool()
	defer pool.Shutdown()
	c, err := NewClient(pool, ClientConfig{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	if d := c.retryDelay(1); d != 100*time.Millisecond {
		t.Errorf("retryDelay(1) = %v, want 100ms", d)
	}
	if d := c.retryDelay(2); d != 200*time.Millisecond {
		t.Errorf("retryDelay(2) = %v, want 200ms", d)
	}
}

func TestClient_FatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{})
	_, err := c.Forward(context.Background(), "sess-1", []byte{1})

	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ue.Kind != KindClient || ue.Status != 400 {
		t.Errorf("err = %+v, want client/400", ue)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for 4xx)", got)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{RetryBaseDelay: time.Millisecond})
	_, err := c.Forward(context.Background(), "sess-1", []byte{1})

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindThrottled {
		t.Fatalf("err = %v, want throttled", err)
	}
	// 1 initial attempt + 2 retries.
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestClient_RetrySleepAbortsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{RetryBaseDelay: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Forward(ctx, "sess-1", []byte{1})
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry sleep was not cancelled (took %v)", elapsed)
	}
}

func TestClient_MalformedResponseIsLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{})
	_, err := c.Forward(context.Background(), "sess-1", []byte{1})

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindLocal {
		t.Fatalf("err = %v, want local parse error", err)
	}
	if ue.Retryable() {
		t.Error("parse errors must not be retryable")
	}
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want /healthz", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{})
	latency, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if latency <= 0 {
		t.Errorf("latency = %v, want > 0", latency)
	}
}

func TestClient_PingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, ClientConfig{})
	if _, err := c.Ping(context.Background()); !IsRetryable(err) {
		t.Errorf("Ping 500 should classify retryable, got %v", err)
	}
}
