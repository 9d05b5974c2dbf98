package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValueWith finds the int64 sum data point carrying the given attribute.
func sumValueWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordForward(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordForward(ctx, 0.123, 4096, "ok")
	m.RecordForward(ctx, 0.456, 2048, "ok")
	m.RecordForward(ctx, 1.2, 4096, "error")

	rm := collect(t, reader)

	met := findMetric(rm, "speechguard.forward.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}

	met = findMetric(rm, "speechguard.forward.bytes")
	if met == nil {
		t.Fatal("bytes metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("bytes metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 10240 {
		t.Errorf("forwarded bytes = %+v, want 10240", sum.DataPoints)
	}
}

func TestRecordForwardError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordForwardError(ctx, "timeout")
	m.RecordForwardError(ctx, "timeout")
	m.RecordForwardError(ctx, "server")

	rm := collect(t, reader)
	if got := sumValueWith(t, rm, "speechguard.forward.errors", "kind", "timeout"); got != 2 {
		t.Errorf("timeout errors = %d, want 2", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "main", "closed", "open")
	m.RecordBreakerTransition(ctx, "main", "open", "half-open")

	rm := collect(t, reader)
	if got := sumValueWith(t, rm, "speechguard.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions to open = %d, want 1", got)
	}
}

func TestRecordBreakerRejection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerRejection(ctx, "main")
	m.RecordBreakerRejection(ctx, "main")
	m.RecordBreakerRejection(ctx, "health")

	rm := collect(t, reader)
	if got := sumValueWith(t, rm, "speechguard.breaker.rejections", "breaker", "main"); got != 2 {
		t.Errorf("main rejections = %d, want 2", got)
	}
}

func TestRecordAlert(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAlert(ctx, "TOXIC")
	m.RecordAlert(ctx, "CLEAN")
	m.RecordAlert(ctx, "TOXIC")

	rm := collect(t, reader)
	if got := sumValueWith(t, rm, "speechguard.alerts", "state", "TOXIC"); got != 2 {
		t.Errorf("TOXIC alerts = %d, want 2", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "speechguard.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v, want 1", sum.DataPoints)
	}
}

func TestRegisterPoolGauges(t *testing.T) {
	m, reader := newTestMetrics(t)

	reg, err := m.RegisterPoolGauges(func() PoolSnapshot {
		return PoolSnapshot{Total: 3, Free: 2, Active: 1, Pending: 0, ReuseRate: 0.85}
	})
	if err != nil {
		t.Fatalf("RegisterPoolGauges: %v", err)
	}
	defer reg.Unregister()

	rm := collect(t, reader)

	intGauges := []struct {
		name string
		want int64
	}{
		{"speechguard.pool.connections", 3},
		{"speechguard.pool.free_connections", 2},
		{"speechguard.pool.active_requests", 1},
		{"speechguard.pool.pending_requests", 0},
	}
	for _, tc := range intGauges {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("metric %q not found", tc.name)
			continue
		}
		g, ok := met.Data.(metricdata.Gauge[int64])
		if !ok {
			t.Errorf("metric %q is not a gauge", tc.name)
			continue
		}
		if len(g.DataPoints) == 0 || g.DataPoints[0].Value != tc.want {
			t.Errorf("%s = %+v, want %d", tc.name, g.DataPoints, tc.want)
		}
	}

	met := findMetric(rm, "speechguard.pool.reuse_rate")
	if met == nil {
		t.Fatal("reuse rate metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("reuse rate metric is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 0.85 {
		t.Errorf("reuse rate = %+v, want 0.85", g.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "speechguard.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
