// Package events defines the closed set of events thinkwatch emits and an
// in-process publish/subscribe bus that fans them out to consumers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"thinkwatch/internal/logging"
)

// Kind names an event type.
type Kind string

const (
	KindSessionStart       Kind = "session-start"
	KindSessionEnd         Kind = "session-end"
	KindThinkingChunk      Kind = "thinking-chunk"
	KindResponseText       Kind = "response-text"
	KindUsage              Kind = "usage"
	KindVerdict            Kind = "verdict"
	KindEscalationStarted  Kind = "escalation-started"
	KindEscalationComplete Kind = "escalation-complete"
	KindPatternLearned     Kind = "pattern-learned"
)

// AllKinds lists every kind the system emits.
var AllKinds = []Kind{
	KindSessionStart, KindSessionEnd, KindThinkingChunk, KindResponseText, KindUsage,
	KindVerdict, KindEscalationStarted, KindEscalationComplete, KindPatternLearned,
}

// Valid reports whether k is one of AllKinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one emitted event. Payload holds the kind-specific value.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Subscription receives events from a Bus.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   map[Kind]bool
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// Dropped returns how many events were discarded because the channel was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	now    func() time.Time
}

// NewBus creates a bus whose subscriptions default to buffer slots.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer, now: time.Now}
}

// Subscribe registers a subscriber for the given kinds (all kinds if none).
// On a closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if !ev.Kind.Valid() {
		logging.EventsWarn("Dropping event with unknown kind %q", ev.Kind)
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				logging.EventsWarn("Subscriber buffer full, dropped %d %s events so far", n, ev.Kind)
			}
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}
