// Package app wires all SpeechGuard subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order — ingress first, connection pool last.
//
// For testing, inject doubles via functional options (WithListener,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vietvoicelabs/speechguard/internal/breaker"
	"github.com/vietvoicelabs/speechguard/internal/config"
	"github.com/vietvoicelabs/speechguard/internal/flow"
	"github.com/vietvoicelabs/speechguard/internal/gateway"
	"github.com/vietvoicelabs/speechguard/internal/health"
	"github.com/vietvoicelabs/speechguard/internal/moderate"
	"github.com/vietvoicelabs/speechguard/internal/observe"
	"github.com/vietvoicelabs/speechguard/internal/upstream"
	"github.com/vietvoicelabs/speechguard/pkg/types"
)

// snapshotInterval is the cadence of the periodic status log line.
const snapshotInterval = 30 * time.Second

// App owns all subsystem lifetimes and bridges live WebSocket sessions to
// the inference upstream.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	pool       *upstream.Pool
	client     *upstream.Client
	mainBrk    *breaker.Breaker
	healthBrk  *breaker.Breaker
	flowCtl    *flow.Controller
	aggregator *moderate.Aggregator
	gw         *gateway.Handler
	metrics    *observe.Metrics
	server     *http.Server
	listener   net.Listener

	// closers are called in order during Shutdown, after the serving loops
	// have stopped.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger injects a logger instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on an existing listener instead of binding
// cfg.Server.ListenAddr. Useful for tests that bind :0.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: connection pool,
// outbound client, the two circuit breakers, the adaptive flow controller,
// the audio aggregator, and the WebSocket gateway, all mounted on one HTTP
// server alongside the health and metrics endpoints.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Connection pool + outbound client ─────────────────────────────
	a.pool = upstream.NewPool()

	client, err := upstream.NewClient(a.pool, upstream.ClientConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		RequestTimeout: cfg.Upstream.RequestTimeout.Std(),
		MaxRetries:     cfg.Upstream.MaxRetries,
		RetryBaseDelay: cfg.Upstream.RetryBaseDelay.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: init client: %w", err)
	}
	a.client = client

	// ── 2. Circuit breakers ──────────────────────────────────────────────
	a.mainBrk = newBreaker("main", cfg.Breakers.Main)
	a.healthBrk = newBreaker("health", cfg.Breakers.Health)

	// ── 3. Adaptive flow controller ──────────────────────────────────────
	a.flowCtl = flow.NewController(flow.Config{
		Prober: &guardedProber{
			client: a.client,
			main:   a.mainBrk,
			health: a.healthBrk,
			retry: breaker.RetryPolicy{
				MaxRetries: 1,
				BaseDelay:  cfg.Upstream.RetryBaseDelay.Std(),
			},
		},
		Interval:      cfg.Flow.Interval.Std(),
		TargetLatency: cfg.Flow.TargetLatency.Std(),
		HistorySize:   cfg.Flow.HistorySize,
		ProbeBytes:    cfg.Flow.ProbeBytes,
		Pending: func() int64 {
			return a.pool.Metrics().PendingRequests
		},
		OnBufferSizeChange: func(size int) {
			a.log.Info("aggregation buffer resized", "bytes", size)
		},
	})

	// ── 4. Audio aggregator ──────────────────────────────────────────────
	agg, err := moderate.New(moderate.Config{
		Dispatch:    a.dispatch,
		FlushWindow: cfg.Aggregator.FlushWindow.Std(),
		BufferSize:  a.flowCtl.BufferSize,
		OnResult: func(sessionID string, res *types.InferenceResult) {
			a.gw.PushResult(sessionID, res)
		},
		OnAlert: func(alert types.Alert) {
			a.metrics.RecordAlert(context.Background(), string(alert.State))
			a.gw.PushAlert(alert)
		},
		OnError: func(sessionID string, err error) {
			a.gw.PushError(sessionID, err)
		},
		Logger: a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init aggregator: %w", err)
	}
	a.aggregator = agg

	// ── 5. WebSocket gateway ─────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		Backend:        agg,
		OriginPatterns: cfg.Server.AllowedOrigins,
		OnSessionStart: func(string) {
			a.metrics.ActiveSessions.Add(context.Background(), 1)
		},
		OnSessionEnd: func(string) {
			a.metrics.ActiveSessions.Add(context.Background(), -1)
		},
		Logger: a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gw = gw

	// ── 6. Pool gauges ───────────────────────────────────────────────────
	reg, err := a.metrics.RegisterPoolGauges(func() observe.PoolSnapshot {
		pm := a.pool.Metrics()
		return observe.PoolSnapshot{
			Total:     pm.TotalConnections,
			Free:      pm.FreeConnections,
			Active:    pm.ActiveConnections,
			Pending:   pm.PendingRequests,
			ReuseRate: pm.ReuseRate,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("app: register pool gauges: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The pool must outlive every subsystem that forwards through it.
	a.closers = append(a.closers, func() error {
		a.pool.Shutdown()
		return nil
	})

	return a, nil
}

// newBreaker builds one breaker from its config section, honouring the
// Disabled flag.
func newBreaker(name string, cfg config.BreakerConfig) *breaker.Breaker {
	b := breaker.New(breaker.Config{
		Name:                        name,
		FailureThreshold:            cfg.FailureThreshold,
		RequestVolumeThreshold:      cfg.RequestVolumeThreshold,
		ErrorPercentageThreshold:    float64(cfg.ErrorPercentageThreshold),
		SlowCallDurationThreshold:   cfg.SlowCallDurationThreshold.Std(),
		SlowCallPercentageThreshold: float64(cfg.SlowCallPercentageThreshold),
		ResetTimeout:                cfg.ResetTimeout.Std(),
		EventBufferSize:             cfg.EventBufferSize,
	})
	if cfg.Disabled {
		b.Disable()
	}
	return b
}

// buildMux mounts the gateway, health, and metrics endpoints behind the
// request-duration middleware.
func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/audio", a.gw)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.Upstream("upstream", a.client, a.healthBrk),
	).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// dispatch relays one assembled batch through the main breaker and records
// the outcome.
func (a *App) dispatch(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error) {
	ctx, span := observe.StartSpan(ctx, "forward")
	defer span.End()

	var res *types.InferenceResult
	start := time.Now()
	err := a.mainBrk.Execute(ctx, "forward", func(ctx context.Context) error {
		r, ferr := a.client.Forward(ctx, sessionID, payload)
		if ferr != nil {
			return ferr
		}
		res = r
		return nil
	})
	if err != nil {
		a.metrics.RecordForwardError(ctx, errorKind(err))
		return nil, err
	}
	a.metrics.RecordForward(ctx, time.Since(start).Seconds(), len(payload), "ok")
	return res, nil
}

// errorKind maps a dispatch failure to the metric attribute value.
func errorKind(err error) string {
	if errors.Is(err, breaker.ErrOpen) {
		return "breaker_open"
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.Kind.String()
	}
	return "other"
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server, the flow controller loop, the breaker event
// consumers, and the snapshot logger, then blocks until ctx is cancelled or
// a loop fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.flowCtl.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.consumeEvents(gctx, a.mainBrk)
		return nil
	})
	g.Go(func() error {
		a.consumeEvents(gctx, a.healthBrk)
		return nil
	})
	g.Go(func() error {
		a.logSnapshots(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutCtx)
	})

	a.log.Info("speechguard running",
		"addr", a.cfg.Server.ListenAddr,
		"upstream", a.cfg.Upstream.BaseURL,
		"tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// serve runs the HTTP server on the configured address or the injected
// listener.
func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	if a.listener != nil {
		if tls != nil {
			return a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		}
		return a.server.Serve(a.listener)
	}
	if tls != nil {
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	return a.server.ListenAndServe()
}

// consumeEvents forwards breaker state changes and rejections into metrics.
func (a *App) consumeEvents(ctx context.Context, b *breaker.Breaker) {
	events := b.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case breaker.EventStateChange:
				a.metrics.RecordBreakerTransition(ctx, b.Name(), ev.PreviousState, ev.NewState)
			case breaker.EventCallRejected:
				a.metrics.RecordBreakerRejection(ctx, b.Name())
			}
		}
	}
}

// logSnapshots emits one status line per interval covering the pool, both
// breakers, and the flow sample aggregates.
func (a *App) logSnapshots(ctx context.Context) {
	t := time.NewTicker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pm := a.pool.Metrics()
			mm := a.mainBrk.Metrics()
			hm := a.healthBrk.Metrics()
			fs := a.flowCtl.Stats()
			a.log.Info("status snapshot",
				"sessions", a.gw.ActiveSessions(),
				"pool_active", pm.ActiveConnections,
				"pool_free", pm.FreeConnections,
				"pool_pending", pm.PendingRequests,
				"pool_reuse_rate", pm.ReuseRate,
				"main_breaker", mm.State.String(),
				"main_failure_rate", mm.FailureRate,
				"health_breaker", hm.State.String(),
				"flow_samples", fs.Count,
				"flow_avg_latency", fs.AvgLatency,
				"buffer_size", a.flowCtl.BufferSize(),
				"chunk_size", a.flowCtl.ChunkSize())
		}
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfigDiff applies the hot-reloadable parts of a config change:
// breaker enable/disable toggles. Sections that need a restart are logged
// and left as-is. Log level changes are handled by the caller, which owns
// the slog.LevelVar.
func (a *App) ApplyConfigDiff(diff config.ConfigDiff) {
	for _, t := range diff.BreakerToggles {
		var b *breaker.Breaker
		switch t.Name {
		case "main":
			b = a.mainBrk
		case "health":
			b = a.healthBrk
		default:
			continue
		}
		if t.Disabled {
			b.Disable()
		} else {
			b.Enable()
		}
		a.log.Info("breaker toggled", "name", t.Name, "disabled", t.Disabled)
	}
	for _, section := range diff.RestartRequired {
		a.log.Warn("config section changed, restart required", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the pipeline down front to back: stop accepting sessions,
// flush and stop the aggregator, stop the flow loop, close the HTTP server,
// then release the pool. It respects the context deadline; on expiry the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.gw.Shutdown(ctx); err != nil {
			a.log.Warn("gateway shutdown", "err", err)
			shutdownErr = err
		}
		if err := a.aggregator.Shutdown(ctx); err != nil {
			a.log.Warn("aggregator shutdown", "err", err)
			shutdownErr = err
		}
		a.flowCtl.Stop()
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("server shutdown", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// guardedProber routes the flow controller's measurements through the
// breakers: pings through the health breaker with a short retry, throughput
// probes through the main path like real traffic.
type guardedProber struct {
	client *upstream.Client
	main   *breaker.Breaker
	health *breaker.Breaker
	retry  breaker.RetryPolicy
}

func (p *guardedProber) Ping(ctx context.Context) (time.Duration, error) {
	var rtt time.Duration
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.health.Execute(ctx, "flow_ping", func(ctx context.Context) error {
			d, perr := p.client.Ping(ctx)
			if perr != nil {
				return perr
			}
			rtt = d
			return nil
		})
	})
	return rtt, err
}

func (p *guardedProber) Forward(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error) {
	var res *types.InferenceResult
	err := p.main.Execute(ctx, "flow_probe", func(ctx context.Context) error {
		r, ferr := p.client.Forward(ctx, sessionID, payload)
		if ferr != nil {
			return ferr
		}
		res = r
		return nil
	})
	return res, err
}
