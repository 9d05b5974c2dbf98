// Package observe provides application-wide observability primitives for
// SpeechGuard: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SpeechGuard metrics.
const meterName = "github.com/vietvoicelabs/speechguard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// ForwardDuration tracks the latency of one audio batch forward, retries
	// included. Use with attributes:
	//   attribute.String("status", "ok"|"error")
	ForwardDuration metric.Float64Histogram

	// ForwardBytes counts forwarded audio payload bytes.
	ForwardBytes metric.Int64Counter

	// ForwardErrors counts failed forwards by error kind. Use with attribute:
	//   attribute.String("kind", ...)
	ForwardErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// BreakerRejections counts calls rejected by an open breaker. Use with
	// attribute:
	//   attribute.String("breaker", ...)
	BreakerRejections metric.Int64Counter

	// AlertsRaised counts moderation state flips. Use with attribute:
	//   attribute.String("state", "TOXIC"|"CLEAN")
	AlertsRaised metric.Int64Counter

	// ActiveSessions tracks the number of live speech sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// live-speech round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.ForwardDuration, err = m.Float64Histogram("speechguard.forward.duration",
		metric.WithDescription("Latency of one audio batch forward, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ForwardBytes, err = m.Int64Counter("speechguard.forward.bytes",
		metric.WithDescription("Total forwarded audio payload bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ForwardErrors, err = m.Int64Counter("speechguard.forward.errors",
		metric.WithDescription("Total failed forwards by error kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("speechguard.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker, from, and to."),
	); err != nil {
		return nil, err
	}
	if met.BreakerRejections, err = m.Int64Counter("speechguard.breaker.rejections",
		metric.WithDescription("Total calls rejected by an open circuit breaker."),
	); err != nil {
		return nil, err
	}

	if met.AlertsRaised, err = m.Int64Counter("speechguard.alerts",
		metric.WithDescription("Total moderation state flips by new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("speechguard.active_sessions",
		metric.WithDescription("Number of live speech sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("speechguard.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// PoolSnapshot carries the connection pool state sampled by the observable
// pool gauges.
type PoolSnapshot struct {
	Total     int64
	Free      int64
	Active    int64
	Pending   int64
	ReuseRate float64
}

// RegisterPoolGauges registers observable gauges that sample the connection
// pool on every metrics collection. The returned registration should be
// unregistered during shutdown.
func (m *Metrics) RegisterPoolGauges(snapshot func() PoolSnapshot) (metric.Registration, error) {
	total, err := m.meter.Int64ObservableGauge("speechguard.pool.connections",
		metric.WithDescription("Connections opened by the upstream pool."),
	)
	if err != nil {
		return nil, err
	}
	free, err := m.meter.Int64ObservableGauge("speechguard.pool.free_connections",
		metric.WithDescription("Idle connections held for reuse."),
	)
	if err != nil {
		return nil, err
	}
	active, err := m.meter.Int64ObservableGauge("speechguard.pool.active_requests",
		metric.WithDescription("Requests currently using a pooled connection."),
	)
	if err != nil {
		return nil, err
	}
	pending, err := m.meter.Int64ObservableGauge("speechguard.pool.pending_requests",
		metric.WithDescription("Requests waiting for a pooled connection."),
	)
	if err != nil {
		return nil, err
	}
	reuse, err := m.meter.Float64ObservableGauge("speechguard.pool.reuse_rate",
		metric.WithDescription("Fraction of requests served on a reused connection."),
	)
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(total, s.Total)
		o.ObserveInt64(free, s.Free)
		o.ObserveInt64(active, s.Active)
		o.ObserveInt64(pending, s.Pending)
		o.ObserveFloat64(reuse, s.ReuseRate)
		return nil
	}, total, free, active, pending, reuse)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordForward records one batch forward: its latency, payload size, and
// outcome.
func (m *Metrics) RecordForward(ctx context.Context, seconds float64, bytes int, status string) {
	m.ForwardDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.ForwardBytes.Add(ctx, int64(bytes))
}

// RecordForwardError records one failed forward by error kind.
func (m *Metrics) RecordForwardError(ctx context.Context, kind string) {
	m.ForwardErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerRejection records one call rejected by an open breaker.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, breaker string) {
	m.BreakerRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("breaker", breaker)),
	)
}

// RecordAlert records one moderation state flip.
func (m *Metrics) RecordAlert(ctx context.Context, state string) {
	m.AlertsRaised.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
