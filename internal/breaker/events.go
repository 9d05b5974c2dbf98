package breaker

import "time"

// EventType enumerates the kinds of entries in a breaker's event history.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventCallSuccess  EventType = "call_success"
	EventCallFailure  EventType = "call_failure"
	EventCallTimeout  EventType = "call_timeout"
	EventCallRejected EventType = "call_rejected"
	EventManualTrip   EventType = "manual_trip"
	EventManualReset  EventType = "manual_reset"
)

// Event is one entry in the breaker's bounded history. PreviousState and
// NewState are set only for state_change events; Reason carries the operation
// name for call events and the operator-supplied reason for manual ones.
type Event struct {
	Type          EventType
	Timestamp     time.Time
	PreviousState string
	NewState      string
	Reason        string
	Metadata      map[string]any
}

// eventRing is a fixed-capacity append-only ring: once full, the oldest entry
// is evicted to make room.
type eventRing struct {
	buf   []Event
	next  int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

// append adds an event, evicting the oldest when the ring is full.
func (r *eventRing) append(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the retained events, oldest first.
func (r *eventRing) snapshot() []Event {
	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// appendLocked stores an event in the ring and fans it out to subscribers
// without blocking: a subscriber that has fallen behind misses events rather
// than stalling the breaker. Must be called with b.mu held.
func (b *Breaker) appendLocked(ev Event) {
	b.events.append(ev)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events returns a copy of the retained event history, oldest first.
func (b *Breaker) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events.snapshot()
}

// Subscribe registers an observer channel for breaker events. Delivery is
// best-effort; the channel is buffered and slow consumers miss events.
func (b *Breaker) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}
