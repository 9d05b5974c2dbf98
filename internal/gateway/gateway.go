// Package gateway exposes the WebSocket ingress that browsers stream live
// speech into. Each connection carries exactly one session: a text start
// frame negotiates the session ID, binary frames carry raw PCM, and the
// server pushes transcription results, moderation alerts, and batch errors
// back as text frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vietvoicelabs/speechguard/pkg/types"
)

const defaultReadLimit = 1 << 20

// ErrClosed is returned when a connection arrives after Shutdown.
var ErrClosed = errors.New("gateway: handler closed")

// Backend receives the audio stream a connection produces. The aggregator
// implements it.
type Backend interface {
	Ingest(chunk types.AudioChunk) error
	EndSession(sessionID string)
}

// envelope is the single JSON frame shape used in both directions. Type
// selects which optional fields are meaningful.
type envelope struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id,omitempty"`
	Transcript *types.Transcript `json:"transcript,omitempty"`
	Detection  *types.Detection  `json:"detection,omitempty"`
	State      types.AlertState  `json:"state,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// Config carries the dependencies for a Handler.
type Config struct {
	// Backend consumes ingested audio. Required.
	Backend Backend

	// ReadLimit caps the size of a single frame in bytes.
	ReadLimit int64

	// OriginPatterns are passed through to the WebSocket accept step. Empty
	// means same-origin only.
	OriginPatterns []string

	// OnSessionStart is invoked after a session handshake completes.
	OnSessionStart func(sessionID string)

	// OnSessionEnd is invoked once a session's serve loop has unwound.
	OnSessionEnd func(sessionID string)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Handler upgrades HTTP requests to WebSocket sessions and bridges them to
// the Backend. It implements http.Handler.
type Handler struct {
	backend   Backend
	readLimit int64
	origins   []string
	onStart   func(string)
	onEnd     func(string)
	log       *slog.Logger

	mu     sync.Mutex
	conns  map[string]*wsSession
	closed bool
	wg     sync.WaitGroup
}

// wsSession is one accepted connection. Writes are serialised through
// writeMu so pushes from the aggregator callbacks never interleave with
// protocol replies.
type wsSession struct {
	id   string
	conn *websocket.Conn
	seq  uint64

	writeMu sync.Mutex
}

// New builds a Handler from cfg. Backend must be set.
func New(cfg Config) (*Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("gateway: Backend is required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		backend:   cfg.Backend,
		readLimit: cfg.ReadLimit,
		origins:   cfg.OriginPatterns,
		onStart:   cfg.OnSessionStart,
		onEnd:     cfg.OnSessionEnd,
		log:       cfg.Logger,
		conns:     make(map[string]*wsSession),
	}, nil
}

// ServeHTTP accepts the WebSocket upgrade and runs the session until the
// client stops, disconnects, or the handler shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	h.serve(r.Context(), conn, r.RemoteAddr)
}

// ActiveSessions reports how many connections are currently registered.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// PushResult sends a result frame to the session, if it is still connected.
func (h *Handler) PushResult(sessionID string, res *types.InferenceResult) {
	s := h.lookup(sessionID)
	if s == nil {
		return
	}
	env := envelope{Type: "result", SessionID: sessionID}
	if res.Final != nil {
		env.Transcript = res.Final
	} else if res.Partial != nil {
		env.Transcript = res.Partial
	}
	if det, ok := res.Primary(); ok {
		env.Detection = &det
	}
	h.push(s, env)
}

// PushAlert sends a moderation state change to the session.
func (h *Handler) PushAlert(alert types.Alert) {
	s := h.lookup(alert.SessionID)
	if s == nil {
		return
	}
	env := envelope{
		Type:      "alert",
		SessionID: alert.SessionID,
		State:     alert.State,
	}
	if alert.Detection.Label != "" {
		env.Detection = &alert.Detection
	}
	h.push(s, env)
}

// PushError reports a dropped batch to the session.
func (h *Handler) PushError(sessionID string, err error) {
	s := h.lookup(sessionID)
	if s == nil {
		return
	}
	h.push(s, envelope{Type: "error", SessionID: sessionID, Reason: err.Error()})
}

// Shutdown stops accepting connections and closes the live ones, then waits
// for their serve loops to unwind or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*wsSession, 0, len(h.conns))
	for _, s := range h.conns {
		conns = append(conns, s)
	}
	h.mu.Unlock()

	for _, s := range conns {
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, remote string) {
	s, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Warn("session handshake failed", "remote", remote, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "expected start frame")
		return
	}
	h.log.Info("session started", "session_id", s.id, "remote", remote)
	if h.onStart != nil {
		h.onStart(s.id)
	}

	defer func() {
		h.unregister(s.id)
		h.backend.EndSession(s.id)
		conn.Close(websocket.StatusNormalClosure, "session ended")
		if h.onEnd != nil {
			h.onEnd(s.id)
		}
		h.log.Info("session ended", "session_id", s.id, "chunks", s.seq)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			s.seq++
			ingestErr := h.backend.Ingest(types.AudioChunk{
				SessionID:  s.id,
				Seq:        s.seq,
				PCM:        data,
				ReceivedAt: time.Now(),
			})
			if ingestErr != nil {
				h.push(s, envelope{Type: "error", SessionID: s.id, Reason: ingestErr.Error()})
				return
			}
		case websocket.MessageText:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				h.push(s, envelope{Type: "error", SessionID: s.id, Reason: "malformed frame"})
				continue
			}
			if env.Type == "stop" {
				return
			}
			h.push(s, envelope{Type: "error", SessionID: s.id, Reason: "unexpected frame type " + env.Type})
		}
	}
}

// handshake reads the start frame, assigns or adopts the session ID, and
// confirms with a ready frame.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (*wsSession, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("gateway: first frame must be a text start frame")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type != "start" {
		return nil, errors.New("gateway: first frame must have type start")
	}

	id := env.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &wsSession{id: id, conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, taken := h.conns[id]; taken {
		h.mu.Unlock()
		return nil, errors.New("gateway: session " + id + " already connected")
	}
	h.conns[id] = s
	h.mu.Unlock()

	if err := h.push(s, envelope{Type: "ready", SessionID: id}); err != nil {
		h.unregister(id)
		return nil, err
	}
	return s, nil
}

func (h *Handler) lookup(sessionID string) *wsSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID]
}

func (h *Handler) unregister(sessionID string) {
	h.mu.Lock()
	delete(h.conns, sessionID)
	h.mu.Unlock()
}

func (h *Handler) push(s *wsSession, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.Debug("push failed", "session_id", s.id, "type", env.Type, "error", err)
		return err
	}
	return nil
}
