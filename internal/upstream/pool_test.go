package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestPool_MetricsConstants(t *testing.T) {
	pool := NewPool()
	defer pool.Shutdown()

	m := pool.Metrics()
	if m.MaxSockets != 3 {
		t.Errorf("MaxSockets = %d, want 3", m.MaxSockets)
	}
	if m.MaxFreeSockets != 2 {
		t.Errorf("MaxFreeSockets = %d, want 2", m.MaxFreeSockets)
	}
	if m.ReuseRate < 0 || m.ReuseRate > 1 {
		t.Errorf("ReuseRate = %f, want within [0,1]", m.ReuseRate)
	}
}

func TestPool_ReuseAccounting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c, pool := newTestClient(t, srv.URL, ClientConfig{})

	// Sequential requests on one host should reuse the same connection.
	for i := 0; i < 5; i++ {
		if _, err := c.Forward(context.Background(), "sess-1", []byte{1}); err != nil {
			t.Fatalf("Forward %d: %v", i, err)
		}
	}

	m := pool.Metrics()
	if m.TotalConnections < 1 {
		t.Errorf("TotalConnections = %d, want >= 1", m.TotalConnections)
	}
	if m.TotalConnections > 3 {
		t.Errorf("TotalConnections = %d, exceeds MaxSockets", m.TotalConnections)
	}
	if m.ReuseRate <= 0 || m.ReuseRate > 1 {
		t.Errorf("ReuseRate = %f, want in (0,1] after sequential reuse", m.ReuseRate)
	}
	if m.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d, want 0 at rest", m.ActiveConnections)
	}
}

func TestPool_ConcurrentSessionsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c, pool := newTestClient(t, srv.URL, ClientConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Forward(context.Background(), "sess", []byte{1})
		}()
	}
	wg.Wait()

	m := pool.Metrics()
	if m.ActiveConnections != 0 || m.PendingRequests != 0 {
		t.Errorf("active = %d, pending = %d at rest, want 0/0", m.ActiveConnections, m.PendingRequests)
	}
	if m.ReuseRate < 0 || m.ReuseRate > 1 {
		t.Errorf("ReuseRate = %f, want within [0,1]", m.ReuseRate)
	}
	if m.FreeConnections > int64(m.MaxFreeSockets) {
		t.Errorf("FreeConnections = %d, cap is %d", m.FreeConnections, m.MaxFreeSockets)
	}
}

func TestPool_ShutdownIdempotent(t *testing.T) {
	pool := NewPool()
	pool.Shutdown()
	pool.Shutdown() // must not panic

	req, _ := http.NewRequest(http.MethodGet, "http://localhost:1/", nil)
	if _, err := pool.RoundTrip(req); err != ErrPoolClosed {
		t.Errorf("RoundTrip after Shutdown = %v, want ErrPoolClosed", err)
	}
}

func TestPool_ShutdownWithCallsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c, pool := newTestClient(t, srv.URL, ClientConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Forward(context.Background(), "sess-1", []byte{1})
		done <- err
	}()

	// Shut the pool down while the request is blocked in the handler, then
	// let the handler finish. The in-flight call must complete either way.
	<-entered
	pool.Shutdown()
	close(release)
	if err := <-done; err != nil {
		t.Errorf("in-flight call after Shutdown: %v", err)
	}

	if m := pool.Metrics(); m.FreeConnections != 0 {
		t.Errorf("FreeConnections = %d after shutdown, want 0", m.FreeConnections)
	}
}
