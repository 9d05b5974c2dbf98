// Package breaker implements the circuit breaker protecting the call path to
// the inference service.
//
// The central type is [Breaker], a three-state breaker
// (closed → open → half-open) that trips on an absolute failure count, a
// failure rate, or a slow-call rate, and exposes a metrics snapshot plus a
// bounded event history. Two independently configured instances guard the
// main forwarding path and the periodic health checks.
//
// [Retry] wraps breaker-protected calls with jittered exponential backoff.
//
// All types are safe for concurrent use.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker is open and the
// reset timeout has not yet elapsed. It is a cheap, distinct failure mode:
// callers must not retry against it.
var ErrOpen = errors.New("breaker: circuit is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. The
	// next call's outcome decides between closed and open.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a human-readable label used in log messages and events.
	Name string

	// FailureThreshold is the absolute failure count that trips the breaker
	// regardless of request volume. Default: 5.
	FailureThreshold int64

	// RequestVolumeThreshold is the minimum number of calls before the
	// percentage rules below apply. Default: 10.
	RequestVolumeThreshold int64

	// ErrorPercentageThreshold trips the breaker when the failure rate
	// reaches this percentage (0–100). Default: 50.
	ErrorPercentageThreshold float64

	// SlowCallDurationThreshold marks a call as slow when it takes longer,
	// even if it succeeds. Default: 2s.
	SlowCallDurationThreshold time.Duration

	// SlowCallPercentageThreshold trips the breaker when the slow-call rate
	// reaches this percentage (0–100). Default: 100.
	SlowCallPercentageThreshold float64

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration

	// EventBufferSize bounds the event history ring. Default: 128.
	EventBufferSize int
}

// Metrics is a point-in-time snapshot of breaker state.
type Metrics struct {
	State                State
	FailureCount         int64
	SuccessCount         int64
	TotalRequests        int64
	FailureRate          float64 // in [0,1]
	SlowCallCount        int64
	SlowCallRate         float64 // in [0,1]
	LastFailureTime      *time.Time
	LastSuccessTime      *time.Time
	StateTransitionCount int64
	Uptime               time.Duration // since last reset
}

// Breaker implements the three-state circuit breaker pattern with rate-based
// trip rules, slow-call accounting, a bounded event history, and manual
// overrides. It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	name          string
	failureLimit  int64
	volumeLimit   int64
	errorPct      float64
	slowThreshold time.Duration
	slowPct       float64
	resetTimeout  time.Duration

	// now is the clock; replaced in tests.
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int64
	successes   int64
	slowCalls   int64
	lastFailure time.Time
	lastSuccess time.Time
	openedAt    time.Time
	startedAt   time.Time
	transitions int64
	disabled    bool
	events      *eventRing
	subs        []chan Event
}

// New creates a [Breaker] with the supplied configuration. Zero-value config
// fields are replaced with sensible defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RequestVolumeThreshold <= 0 {
		cfg.RequestVolumeThreshold = 10
	}
	if cfg.ErrorPercentageThreshold <= 0 {
		cfg.ErrorPercentageThreshold = 50
	}
	if cfg.SlowCallDurationThreshold <= 0 {
		cfg.SlowCallDurationThreshold = 2 * time.Second
	}
	if cfg.SlowCallPercentageThreshold <= 0 {
		cfg.SlowCallPercentageThreshold = 100
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 128
	}
	b := &Breaker{
		name:          cfg.Name,
		failureLimit:  cfg.FailureThreshold,
		volumeLimit:   cfg.RequestVolumeThreshold,
		errorPct:      cfg.ErrorPercentageThreshold,
		slowThreshold: cfg.SlowCallDurationThreshold,
		slowPct:       cfg.SlowCallPercentageThreshold,
		resetTimeout:  cfg.ResetTimeout,
		now:           time.Now,
		state:         StateClosed,
		events:        newEventRing(cfg.EventBufferSize),
	}
	b.startedAt = b.now()
	return b
}

// Execute runs fn if the breaker allows it. In the open state it records a
// call_rejected event and returns [ErrOpen] without invoking fn and without
// touching the call counters. In the closed and half-open states fn is
// invoked, its duration measured, and the outcome recorded. While half-open,
// a success closes the breaker (zeroing the call counters) and a failure
// re-opens it.
//
// In disabled mode fn is always invoked and outcomes are recorded but never
// evaluated for tripping.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	b.mu.Lock()
	if !b.disabled {
		switch b.state {
		case StateOpen:
			if b.now().Sub(b.openedAt) >= b.resetTimeout {
				b.transitionLocked(StateHalfOpen, "reset timeout elapsed")
			} else {
				b.appendLocked(Event{
					Type:      EventCallRejected,
					Timestamp: b.now(),
					Reason:    operation,
				})
				b.mu.Unlock()
				return ErrOpen
			}
		case StateHalfOpen:
			// Probe in progress is not tracked separately; the next outcome
			// decides. Multiple concurrent probes all count.
		}
	}
	b.mu.Unlock()

	start := b.now()
	err := fn(ctx)
	duration := b.now().Sub(start)

	b.record(operation, err, duration)
	return err
}

// record updates counters and evaluates trip rules for one completed call.
func (b *Breaker) record(operation string, err error, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	slow := duration > b.slowThreshold
	if slow {
		b.slowCalls++
	}

	if err != nil {
		b.failures++
		b.lastFailure = now
		evType := EventCallFailure
		if errors.Is(err, context.DeadlineExceeded) {
			evType = EventCallTimeout
		}
		b.appendLocked(Event{
			Type:      evType,
			Timestamp: now,
			Reason:    operation,
			Metadata:  map[string]any{"duration_ms": duration.Milliseconds()},
		})
	} else {
		b.successes++
		b.lastSuccess = now
		b.appendLocked(Event{
			Type:      EventCallSuccess,
			Timestamp: now,
			Reason:    operation,
			Metadata:  map[string]any{"duration_ms": duration.Milliseconds(), "slow": slow},
		})
	}

	if b.disabled {
		return
	}

	switch b.state {
	case StateHalfOpen:
		if err != nil {
			b.transitionLocked(StateOpen, "half-open probe failed")
		} else {
			b.transitionLocked(StateClosed, "half-open probe succeeded")
			b.resetCountersLocked()
		}
	case StateClosed:
		if b.shouldTripLocked() {
			b.transitionLocked(StateOpen, "trip conditions met")
		}
	}
}

// shouldTripLocked evaluates the trip rules. Must be called with b.mu held.
func (b *Breaker) shouldTripLocked() bool {
	if b.failures >= b.failureLimit {
		return true
	}
	total := b.failures + b.successes
	if total < b.volumeLimit {
		return false
	}
	failureRate := float64(b.failures) / float64(total)
	slowRate := float64(b.slowCalls) / float64(total)
	return failureRate*100 >= b.errorPct || slowRate*100 >= b.slowPct
}

// transitionLocked moves the breaker to a new state, bumps the transition
// counter, appends a state_change event, and notifies subscribers.
// Must be called with b.mu held.
func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitions++
	if to == StateOpen {
		b.openedAt = b.now()
	}
	b.appendLocked(Event{
		Type:          EventStateChange,
		Timestamp:     b.now(),
		PreviousState: from.String(),
		NewState:      to.String(),
		Reason:        reason,
	})
	slog.Info("circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

// resetCountersLocked zeroes the per-window call counters. The state
// transition counter is monotonic and never reset. Must be called with b.mu
// held.
func (b *Breaker) resetCountersLocked() {
	b.failures = 0
	b.successes = 0
	b.slowCalls = 0
	b.startedAt = b.now()
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen]; the actual transition
// happens on the next [Breaker.Execute] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Metrics returns a snapshot of breaker counters and rates.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.failures + b.successes
	m := Metrics{
		State:                b.state,
		FailureCount:         b.failures,
		SuccessCount:         b.successes,
		TotalRequests:        total,
		SlowCallCount:        b.slowCalls,
		StateTransitionCount: b.transitions,
		Uptime:               b.now().Sub(b.startedAt),
	}
	if total > 0 {
		m.FailureRate = float64(b.failures) / float64(total)
		m.SlowCallRate = float64(b.slowCalls) / float64(total)
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		m.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		m.LastSuccessTime = &t
	}
	return m
}

// Trip manually forces the breaker open. The transition is recorded as a
// state_change event followed by a manual_trip event carrying the reason.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen, reason)
	b.appendLocked(Event{
		Type:      EventManualTrip,
		Timestamp: b.now(),
		Reason:    reason,
	})
}

// Reset manually forces the breaker closed and zeroes the failure/success
// counters. Recorded as a state_change event (when the state actually
// changes) followed by a manual_reset event.
func (b *Breaker) Reset(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed, reason)
	b.resetCountersLocked()
	b.appendLocked(Event{
		Type:      EventManualReset,
		Timestamp: b.now(),
		Reason:    reason,
	})
}

// Disable bypasses all trip logic: every call is executed and outcomes are
// recorded but never evaluated, and the state stays closed regardless of
// failures. Errors still propagate to callers.
func (b *Breaker) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = true
	b.transitionLocked(StateClosed, "breaker disabled")
	slog.Warn("circuit breaker disabled", "name", b.name)
}

// Enable restores normal trip evaluation.
func (b *Breaker) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = false
	slog.Info("circuit breaker enabled", "name", b.name)
}

// Name returns the breaker's configured label.
func (b *Breaker) Name() string { return b.name }
