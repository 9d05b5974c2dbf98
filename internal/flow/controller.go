// Package flow adjusts the gateway's aggregation buffer and chunk sizes to
// the measured state of the network path to the inference service.
//
// Speech moderation favours low latency: on a healthy network, small buffers
// and chunks minimise time-to-decision, while a degraded network needs larger
// batches to amortise per-call round-trip cost. [Controller] resolves that
// trade-off by periodic re-measurement rather than a fixed policy — it probes
// latency and throughput through the outbound client, keeps a bounded rolling
// history, and pushes a new buffer size to the aggregator only when the
// computed value actually changes.
//
// All methods are safe for concurrent use.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietvoicelabs/speechguard/pkg/types"
)

// Sizing bounds. Buffer and chunk sizes are always clamped to these ranges,
// and the chunk size additionally stays within [25%, 100%] of the buffer.
const (
	MinBufferSize     = 4096
	MaxBufferSize     = 16384
	DefaultBufferSize = 4096

	MinChunkSize     = 1024
	MaxChunkSize     = 8192
	DefaultChunkSize = 2048
)

// realtimeBytesPerSec is the wire rate of 16 kHz mono 16-bit PCM. Throughput
// at or above this keeps up with live speech; anything below it is degraded.
const realtimeBytesPerSec = 32000

// probeSessionID tags throughput probe payloads so the upstream can tell
// them apart from live sessions.
const probeSessionID = "flow-probe"

// Prober is the subset of the outbound client the controller measures
// against.
type Prober interface {
	// Ping performs one lightweight round trip and returns its latency.
	Ping(ctx context.Context) (time.Duration, error)

	// Forward relays a payload and returns the inference result.
	Forward(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error)
}

// Sample is one network measurement: a round-trip latency and an achieved
// throughput.
type Sample struct {
	Latency    time.Duration
	Throughput float64 // bytes per second
	At         time.Time
}

// Stats aggregates the retained sample history for the observability surface.
type Stats struct {
	Count         int
	AvgLatency    time.Duration
	AvgThroughput float64
}

// Config holds tuning knobs for a [Controller].
type Config struct {
	// Prober performs the measurement round trips.
	Prober Prober

	// Interval between adaptive updates. Default: 10s.
	Interval time.Duration

	// TargetLatency is the round-trip latency the sizing heuristics treat as
	// healthy. Default: 300ms.
	TargetLatency time.Duration

	// HistorySize bounds the sample history. Default: 32.
	HistorySize int

	// ProbeBytes is the throughput probe payload size. Default: 3200
	// (100ms of 16 kHz PCM).
	ProbeBytes int

	// Pending reports the number of queued outbound requests; a non-zero
	// value is treated as downstream congestion. May be nil.
	Pending func() int64

	// OnBufferSizeChange is invoked with the new buffer size whenever an
	// adaptive update computes a different value. May be nil.
	OnBufferSizeChange func(int)
}

// Controller owns the buffer/chunk sizing state. The sample history is held
// in insertion order and the oldest entry is evicted first.
type Controller struct {
	prober        Prober
	interval      time.Duration
	targetLatency time.Duration
	historySize   int
	probeBytes    int
	pending       func() int64
	onChange      func(int)

	mu         sync.Mutex
	samples    []Sample
	bufferSize int
	chunkSize  int

	done     chan struct{}
	stopOnce sync.Once
}

// NewController creates a [Controller] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewController(cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = 300 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if cfg.ProbeBytes <= 0 {
		cfg.ProbeBytes = 3200
	}
	return &Controller{
		prober:        cfg.Prober,
		interval:      cfg.Interval,
		targetLatency: cfg.TargetLatency,
		historySize:   cfg.HistorySize,
		probeBytes:    cfg.ProbeBytes,
		pending:       cfg.Pending,
		onChange:      cfg.OnBufferSizeChange,
		bufferSize:    DefaultBufferSize,
		chunkSize:     DefaultChunkSize,
		done:          make(chan struct{}),
	}
}

// BufferSize returns the current aggregation buffer size in bytes.
func (c *Controller) BufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferSize
}

// ChunkSize returns the current transfer chunk size in bytes.
func (c *Controller) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkSize
}

// MeasureLatency performs one lightweight round trip through the client and
// returns the elapsed time.
func (c *Controller) MeasureLatency(ctx context.Context) (time.Duration, error) {
	return c.prober.Ping(ctx)
}

// MeasureThroughput sends a probe payload and divides its size by the
// elapsed time.
func (c *Controller) MeasureThroughput(ctx context.Context) (float64, error) {
	payload := make([]byte, c.probeBytes)
	start := time.Now()
	if _, err := c.prober.Forward(ctx, probeSessionID, payload); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}
	return float64(len(payload)) / elapsed.Seconds(), nil
}

// RecordSample appends a measurement to the bounded history, evicting the
// oldest sample once the bound is reached.
func (c *Controller) RecordSample(latency time.Duration, throughput float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, Sample{Latency: latency, Throughput: throughput, At: time.Now()})
	if len(c.samples) > c.historySize {
		c.samples = c.samples[1:]
	}
}

// Stats returns rolling averages over the retained history.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	avgLat, avgTp := c.averagesLocked()
	return Stats{Count: len(c.samples), AvgLatency: avgLat, AvgThroughput: avgTp}
}

// averagesLocked computes rolling averages. Must be called with c.mu held.
func (c *Controller) averagesLocked() (time.Duration, float64) {
	if len(c.samples) == 0 {
		return 0, 0
	}
	var latSum time.Duration
	var tpSum float64
	for _, s := range c.samples {
		latSum += s.Latency
		tpSum += s.Throughput
	}
	n := len(c.samples)
	return latSum / time.Duration(n), tpSum / float64(n)
}

// OptimalBufferSize weights recent average latency and inverse throughput:
// higher latency and lower throughput both increase the target buffer size,
// since more aggregation reduces per-call overhead. The result is always
// clamped to [MinBufferSize, MaxBufferSize]. With no samples the current
// size is kept.
func (c *Controller) OptimalBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	avgLat, avgTp := c.averagesLocked()
	if avgLat <= 0 {
		return c.bufferSize
	}

	latFactor := float64(avgLat) / float64(c.targetLatency)
	tpFactor := 1.0
	if avgTp > 0 {
		tpFactor = realtimeBytesPerSec / avgTp
	}

	factor := 0.6*latFactor + 0.4*tpFactor
	return clamp(int(float64(MinBufferSize)*factor), MinBufferSize, MaxBufferSize)
}

// OptimalChunkSize derives the transfer chunk from the current buffer size.
// The base chunk is 25–50% of the buffer: high average latency pushes toward
// 50% (fewer, larger transfers amortise round trips), while downstream
// backlog or a large latency gap pushes back to 25% (smaller chunks reduce
// time-to-first-result and memory pressure). The result is clamped to
// [MinChunkSize, MaxChunkSize], never exceeds the buffer size, and never
// drops below a quarter of it.
func (c *Controller) OptimalChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optimalChunkLocked(c.bufferSize)
}

// optimalChunkLocked computes the chunk size against an explicit buffer size
// so a pending buffer change and its chunk are derived from the same value.
// Must be called with c.mu held.
func (c *Controller) optimalChunkLocked(buffer int) int {
	avgLat, _ := c.averagesLocked()
	latFactor := float64(avgLat) / float64(c.targetLatency)

	frac := 0.25 + 0.25*minFloat(1, latFactor/2)

	congested := avgLat > 4*c.targetLatency
	if c.pending != nil && c.pending() > 0 {
		congested = true
	}
	if congested {
		frac = 0.25
	}

	chunk := clamp(int(frac*float64(buffer)), MinChunkSize, MaxChunkSize)
	if chunk > buffer {
		chunk = buffer
	}
	if quarter := buffer / 4; chunk < quarter {
		chunk = quarter
	}
	return chunk
}

// AdaptiveUpdate runs one measurement + computation cycle. The aggregator's
// buffer-size callback fires only when the computed size differs from the
// current one, to avoid churn. Probe failures skip the cycle; the previous
// sizes remain in effect.
func (c *Controller) AdaptiveUpdate(ctx context.Context) {
	latency, err := c.MeasureLatency(ctx)
	if err != nil {
		slog.Debug("flow: latency probe failed", "err", err)
		return
	}
	throughput, err := c.MeasureThroughput(ctx)
	if err != nil {
		slog.Debug("flow: throughput probe failed", "err", err)
		return
	}
	c.RecordSample(latency, throughput)

	newBuffer := c.OptimalBufferSize()

	// The chunk is derived from the buffer being committed, not the previous
	// one, so the pair always satisfies chunk <= buffer <= 4*chunk.
	c.mu.Lock()
	changed := newBuffer != c.bufferSize
	c.bufferSize = newBuffer
	newChunk := c.optimalChunkLocked(newBuffer)
	c.chunkSize = newChunk
	c.mu.Unlock()

	if changed {
		slog.Info("flow: buffer size adjusted",
			"buffer_bytes", newBuffer,
			"chunk_bytes", newChunk,
			"avg_latency", latency,
			"throughput_bps", int64(throughput),
		)
		if c.onChange != nil {
			c.onChange(newBuffer)
		}
	}
}

// Run performs adaptive updates on the configured interval until ctx is
// cancelled or [Controller.Stop] is called.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.AdaptiveUpdate(ctx)
		}
	}
}

// Stop halts the update loop. Safe to call multiple times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Split cuts payload into chunks of the current chunk size. Chunks share the
// payload's backing array; their lengths always sum to len(payload).
func (c *Controller) Split(payload []byte) [][]byte {
	size := c.ChunkSize()
	if size <= 0 || len(payload) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
