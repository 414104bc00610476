// Package bus provides the in-process event bus: many-to-many delivery of
// immutable envelopes with topic wildcarding and per-subscriber bounded
// lag queues.
//
// Producers never block. A subscriber that falls behind loses its oldest
// queued envelopes (recorded in a drop counter); it never stalls emitters
// and never affects other subscribers. Delivery is FIFO per
// (producer, subscriber) pair; there is no cross-producer ordering.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds each subscription's lag queue.
const DefaultQueueSize = 1024

// Envelope is the canonical event wrapper. Envelopes are immutable once
// emitted; consumers must not mutate the payload.
type Envelope struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Payload       any       `json:"payload,omitempty"`
}

// Bus is the in-process pub/sub hub. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextSubID uint64
	queueSize int

	drops  atomic.Int64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscription queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    slog.With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit publishes an event with a fresh correlation id and returns the
// envelope. It never blocks.
func (b *Bus) Emit(eventType string, payload any) Envelope {
	return b.EmitCorrelated(eventType, payload, "")
}

// EmitCorrelated publishes an event carrying the given correlation id so
// causally related events share one id. An empty id generates a new one.
func (b *Bus) EmitCorrelated(eventType string, payload any, correlationID string) Envelope {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	env := Envelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(eventType) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		if s.deliver(env) {
			b.drops.Add(1)
		}
	}
	return env
}

// Subscribe registers a subscription for the given patterns. A pattern is
// an exact event type, a namespace wildcard ("process.*"), or "*" for
// everything. The subscription starts from "now", no replay.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	s := &Subscription{
		bus:      b,
		patterns: patterns,
		ch:       make(chan Envelope, b.queueSize),
	}

	b.mu.Lock()
	b.nextSubID++
	s.id = b.nextSubID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Stats reports subscription count and total envelopes dropped to lagging
// subscribers since the bus was created.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscriptions: n, Dropped: b.drops.Load()}
}

// Stats is a point-in-time bus observability snapshot.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Dropped       int64 `json:"dropped"`
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a finite-until-closed stream of envelopes. Receive from
// C; Close releases the bus slot and closes the channel.
type Subscription struct {
	id       uint64
	bus      *Bus
	patterns []string
	ch       chan Envelope

	// mu orders deliver against Close so no send races the channel close.
	// Deliveries are non-blocking, so the lock is held only briefly.
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Dropped returns how many envelopes this subscription lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues env, evicting the oldest queued envelope when the queue
// is full. Reports whether anything was dropped.
func (s *Subscription) deliver(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- env:
		return false
	default:
	}

	// Queue full: drop the oldest entry to make room. The second send can
	// still miss if the consumer drained and refilled in between; count
	// that as a drop of env itself.
	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- env:
	default:
		dropped = true
	}
	if dropped {
		s.dropped.Add(1)
	}
	return dropped
}

func (s *Subscription) matches(eventType string) bool {
	for _, p := range s.patterns {
		if matchPattern(p, eventType) {
			return true
		}
	}
	return len(s.patterns) == 0
}

// matchPattern supports exact match, "ns.*" namespace wildcards, and the
// match-everything pattern "*".
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if ns, ok := cutWildcard(pattern); ok {
		return len(eventType) > len(ns) && eventType[:len(ns)] == ns
	}
	return pattern == eventType
}

func cutWildcard(pattern string) (string, bool) {
	const suffix = ".*"
	if len(pattern) > len(suffix) && pattern[len(pattern)-len(suffix):] == suffix {
		return pattern[:len(pattern)-1], true // keep the trailing dot
	}
	return "", false
}
