// Package moderate accumulates per-session audio into batches, forwards them
// to the inference service, and debounces the resulting verdicts into stable
// per-session moderation alerts.
package moderate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietvoicelabs/speechguard/pkg/types"
)

const (
	// DefaultFlushWindow is how long a batch may accumulate before it is
	// forwarded regardless of size.
	DefaultFlushWindow = 400 * time.Millisecond

	// defaultBufferSize caps a batch when no flow controller is wired in.
	defaultBufferSize = 4096
)

var (
	// ErrShutdown is returned when audio arrives after Shutdown.
	ErrShutdown = errors.New("moderate: aggregator shut down")

	// ErrSessionEnded is returned when audio arrives for an ended session.
	ErrSessionEnded = errors.New("moderate: session ended")
)

// DispatchFunc forwards one assembled batch to the inference service.
type DispatchFunc func(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error)

// Config carries the dependencies and tuning knobs for an Aggregator. Zero
// values get sensible defaults.
type Config struct {
	// Dispatch forwards assembled batches upstream. Required.
	Dispatch DispatchFunc

	// FlushWindow bounds how long a batch accumulates before forwarding.
	FlushWindow time.Duration

	// BufferSize returns the current batch size cap in bytes. Wiring the flow
	// controller's buffer size here lets batches track measured conditions.
	BufferSize func() int

	// OnResult receives every successful inference result.
	OnResult func(sessionID string, res *types.InferenceResult)

	// OnAlert receives debounced moderation state changes.
	OnAlert func(alert types.Alert)

	// OnError receives forwarding failures. The batch that failed is dropped;
	// subsequent audio keeps flowing.
	OnError func(sessionID string, err error)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Aggregator batches audio per session and forwards each batch through a
// single dispatcher goroutine per session, so at most one forward call is in
// flight for any session at a time.
type Aggregator struct {
	dispatch   DispatchFunc
	window     time.Duration
	bufferSize func() int
	onResult   func(string, *types.InferenceResult)
	onAlert    func(types.Alert)
	onError    func(string, error)
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// session is the per-session arena: the accumulating batch, its flush timer,
// the dispatch queue feeding the session's dispatcher goroutine, and the
// moderation hysteresis.
//
// Batches are taken and enqueued under mu in one critical section, so the
// queue receives them in the order they were cut. hyst is touched only by
// the session's dispatcher goroutine.
type session struct {
	id   string
	hyst hysteresis

	mu          sync.Mutex
	chunks      [][]byte
	size        int
	timer       *time.Timer
	ended       bool
	queue       chan []byte
	queueClosed bool
}

// New builds an Aggregator from cfg. Dispatch must be set.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Dispatch == nil {
		return nil, errors.New("moderate: Dispatch is required")
	}
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = DefaultFlushWindow
	}
	if cfg.BufferSize == nil {
		cfg.BufferSize = func() int { return defaultBufferSize }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		dispatch:   cfg.Dispatch,
		window:     cfg.FlushWindow,
		bufferSize: cfg.BufferSize,
		onResult:   cfg.OnResult,
		onAlert:    cfg.OnAlert,
		onError:    cfg.OnError,
		log:        cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}, nil
}

// Ingest appends one chunk to its session's batch, creating the session on
// first sight. The batch is forwarded once it reaches the buffer size cap or
// once the flush window elapses, whichever comes first.
func (a *Aggregator) Ingest(chunk types.AudioChunk) error {
	if len(chunk.PCM) == 0 {
		return nil
	}
	s, err := a.sessionFor(chunk.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.chunks = append(s.chunks, chunk.PCM)
	s.size += len(chunk.PCM)
	if s.timer == nil {
		s.timer = time.AfterFunc(a.window, func() { a.flushOnTimer(s) })
	}
	if s.size >= a.bufferSize() {
		s.enqueueLocked(a.ctx, s.takeBatchLocked())
	}
	return nil
}

// SessionCount reports how many sessions currently hold state.
func (a *Aggregator) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// EndSession flushes any residual audio for the session, tears down its
// state, and lets the dispatcher drain. Ending an unknown session is a no-op.
func (a *Aggregator) EndSession(sessionID string) {
	a.mu.Lock()
	s := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if s == nil {
		return
	}
	a.teardown(a.ctx, s)
}

// Shutdown ends every session and waits for in-flight forwards to finish. If
// ctx expires first, outstanding dispatch calls are cancelled and Shutdown
// returns ctx.Err after they unwind.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	remaining := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		remaining = append(remaining, s)
	}
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	// Once ctx expires, cancel in-flight dispatches and blocked enqueues so
	// the teardowns below cannot wedge behind a stalled upstream call.
	stop := context.AfterFunc(ctx, a.cancel)
	defer stop()

	for _, s := range remaining {
		a.teardown(ctx, s)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return ctx.Err()
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

func (a *Aggregator) sessionFor(id string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrShutdown
	}
	s, ok := a.sessions[id]
	if !ok {
		s = &session{
			id:    id,
			queue: make(chan []byte, 1),
		}
		a.sessions[id] = s
		a.wg.Add(1)
		go a.dispatchLoop(s)
		a.log.Debug("session opened", "session_id", id)
	}
	return s, nil
}

// flushOnTimer fires when the flush window elapses with audio still pending.
func (a *Aggregator) flushOnTimer(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.timer = nil
	if payload := s.takeBatchLocked(); payload != nil {
		s.enqueueLocked(a.ctx, payload)
	}
}

// teardown marks the session ended, flushes residual audio, and closes the
// dispatch queue so the dispatcher exits after draining. The residual flush
// is abandoned if ctx expires first.
func (a *Aggregator) teardown(ctx context.Context, s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if payload := s.takeBatchLocked(); payload != nil {
		s.enqueueLocked(ctx, payload)
	}
	if !s.queueClosed {
		s.queueClosed = true
		close(s.queue)
	}
	a.log.Debug("session closed", "session_id", s.id)
}

func (a *Aggregator) dispatchLoop(s *session) {
	defer a.wg.Done()
	for payload := range s.queue {
		res, err := a.dispatch(a.ctx, s.id, payload)
		if err != nil {
			a.log.Warn("batch forward failed",
				"session_id", s.id,
				"bytes", len(payload),
				"error", err)
			if a.onError != nil {
				a.onError(s.id, err)
			}
			continue
		}
		if a.onResult != nil {
			a.onResult(s.id, res)
		}
		a.applyVerdict(s, res)
	}
}

// applyVerdict feeds the batch verdict into the session hysteresis and emits
// an alert when the debounced state flips. Runs only on the session's
// dispatcher goroutine, which is the sole accessor of s.hyst.
func (a *Aggregator) applyVerdict(s *session, res *types.InferenceResult) {
	det, present := res.Primary()

	state, flipped := s.hyst.observe(det, present)
	if !flipped {
		return
	}
	alert := types.Alert{SessionID: s.id, State: state, At: time.Now()}
	if present {
		alert.Detection = det
		a.log.Info("moderation state changed",
			"session_id", s.id,
			"state", state,
			"label", det.Label,
			"score", det.Score)
	} else {
		a.log.Info("moderation state changed",
			"session_id", s.id,
			"state", state)
	}
	if a.onAlert != nil {
		a.onAlert(alert)
	}
}

// takeBatchLocked concatenates and resets the accumulated chunks. Callers
// must hold s.mu. Returns nil when nothing has accumulated.
func (s *session) takeBatchLocked() []byte {
	if s.size == 0 {
		return nil
	}
	payload := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		payload = append(payload, c...)
	}
	s.chunks = nil
	s.size = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return payload
}

// enqueueLocked hands a batch to the session dispatcher. With a queue depth
// of one, a producer blocks until the previous batch has been picked up for
// dispatch, which keeps forwards strictly serialised per session. Running
// under s.mu makes cutting a batch and queuing it one atomic step, so a
// concurrent flush trigger cannot slip its batch in between. Sends are
// abandoned once ctx is cancelled. Must be called with s.mu held.
func (s *session) enqueueLocked(ctx context.Context, payload []byte) {
	if s.queueClosed {
		return
	}
	select {
	case s.queue <- payload:
	case <-ctx.Done():
	}
}
