// Package upstream provides the pooled HTTP client used to relay aggregated
// audio batches to the inference service.
//
// The package splits into three layers: [Pool] owns two bounded connection
// pools (plain and TLS) with reuse accounting, [Client] issues one forwarding
// call per batch with classified retries, and [Classify]/[IsRetryable] expose
// the error taxonomy for reuse by the circuit breaker.
//
// All types are safe for concurrent use.
package upstream

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"
)

// Pool sizing. The gateway expects 1–3 concurrent live sessions, so a small
// hot set of reused connections removes handshake latency without hoarding
// sockets.
const (
	// MaxSockets is the concurrent connection cap per pool.
	MaxSockets = 3

	// MaxFreeSockets is the number of idle connections each pool retains.
	MaxFreeSockets = 2

	// idleConnTimeout is how long an idle connection stays in the pool.
	idleConnTimeout = 90 * time.Second
)

// ErrPoolClosed is returned by [Pool.RoundTrip] after [Pool.Shutdown].
var ErrPoolClosed = errors.New("upstream: connection pool is closed")

// PoolMetrics is a point-in-time snapshot of pool state.
type PoolMetrics struct {
	// TotalConnections is the number of connections dialed since start.
	TotalConnections int64

	// ActiveConnections is the number of round trips currently in flight.
	ActiveConnections int64

	// FreeConnections estimates idle connections retained for reuse.
	FreeConnections int64

	// PendingRequests is the number of requests waiting for a connection.
	PendingRequests int64

	// ReuseRate is the fraction of requests served by a reused connection,
	// in [0, 1].
	ReuseRate float64

	// MaxSockets is the concurrent connection cap (always 3).
	MaxSockets int

	// MaxFreeSockets is the idle retention cap (always 2).
	MaxFreeSockets int
}

// Pool owns the two outbound connection pools — one for plain HTTP, one for
// TLS — and implements [http.RoundTripper] by routing each request to the
// matching transport. Connection reuse is tracked per request via httptrace.
type Pool struct {
	plain  *http.Transport
	secure *http.Transport

	dialed  atomic.Int64 // connections established
	reused  atomic.Int64 // requests served on a kept-alive connection
	active  atomic.Int64 // round trips in flight
	pending atomic.Int64 // requests waiting for a connection

	closed   atomic.Bool
	stopOnce sync.Once
}

// NewPool creates a [Pool] with both transports configured for bounded reuse:
// at most [MaxSockets] concurrent and [MaxFreeSockets] idle connections each.
// The transport hands out the most recently parked idle connection first,
// keeping a small hot set warm.
func NewPool() *Pool {
	return &Pool{
		plain:  newTransport(nil),
		secure: newTransport(&tls.Config{MinVersion: tls.VersionTLS12}),
	}
}

// newTransport builds one bounded keep-alive transport.
func newTransport(tlsCfg *tls.Config) *http.Transport {
	return &http.Transport{
		TLSClientConfig:     tlsCfg,
		MaxConnsPerHost:     MaxSockets,
		MaxIdleConnsPerHost: MaxFreeSockets,
		MaxIdleConns:        MaxFreeSockets,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   false,
	}
}

// RoundTrip routes the request through the plain or TLS pool depending on the
// URL scheme and updates reuse accounting.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.pending.Add(1)
	var assigned atomic.Bool

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if assigned.CompareAndSwap(false, true) {
				p.pending.Add(-1)
			}
			if info.Reused {
				p.reused.Add(1)
			} else {
				p.dialed.Add(1)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	p.active.Add(1)
	defer p.active.Add(-1)

	t := p.plain
	if req.URL.Scheme == "https" {
		t = p.secure
	}
	resp, err := t.RoundTrip(req)
	if assigned.CompareAndSwap(false, true) {
		// The request failed before a connection was assigned.
		p.pending.Add(-1)
	}
	return resp, err
}

// Metrics returns a snapshot of pool state. FreeConnections is an estimate:
// the transport does not expose its idle list, so the snapshot reports how
// many of the dialed connections could currently be parked, capped at
// [MaxFreeSockets].
func (p *Pool) Metrics() PoolMetrics {
	dialed := p.dialed.Load()
	reused := p.reused.Load()
	active := p.active.Load()

	free := dialed - active
	if free < 0 {
		free = 0
	}
	if free > MaxFreeSockets {
		free = MaxFreeSockets
	}
	if p.closed.Load() {
		free = 0
	}

	var reuseRate float64
	if total := dialed + reused; total > 0 {
		reuseRate = float64(reused) / float64(total)
	}

	return PoolMetrics{
		TotalConnections:  dialed,
		ActiveConnections: active,
		FreeConnections:   free,
		PendingRequests:   p.pending.Load(),
		ReuseRate:         reuseRate,
		MaxSockets:        MaxSockets,
		MaxFreeSockets:    MaxFreeSockets,
	}
}

// Shutdown closes all idle connections in both pools and rejects further
// requests. In-flight calls are cancelled through their own contexts during
// process shutdown; once they return, their connections are not re-pooled.
// Safe to call multiple times and concurrently with in-flight calls.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		p.plain.CloseIdleConnections()
		p.secure.CloseIdleConnections()
		slog.Info("connection pool closed",
			"dialed", p.dialed.Load(),
			"reused", p.reused.Load(),
		)
	})
}
