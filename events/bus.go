// Package events is the process-wide load event channel.
//
// Every acquisition publishes its lifecycle here: started, stream-partial,
// stream-complete, stream-updated, loaded and failed. Delivery to each
// subscriber is a non-blocking send; a subscriber whose channel is full
// misses the event and the drop is counted.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus.
	ErrBusClosed = errors.New("event bus closed")
	// ErrSubscriberExists is returned for a duplicate subscriber id.
	ErrSubscriberExists = errors.New("subscriber already exists")
	// ErrSubscriberNotFound is returned for an unknown subscriber id.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrNilChannel is returned when subscribing a nil channel.
	ErrNilChannel = errors.New("nil channel")
)

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch      chan<- types.Event
	kinds   map[types.EventType]bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (s *subscriber) wants(t types.EventType) bool {
	return len(s.kinds) == 0 || s.kinds[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Uint64
	stats     *metrics.Collector
}

// NewBus creates a bus. stats may be nil.
func NewBus(stats *metrics.Collector) *Bus {
	return &Bus{
		subs:  make(map[string]*subscriber),
		stats: stats,
	}
}

// Subscribe registers ch under id. When kinds are given, only those event
// types are delivered.
func (b *Bus) Subscribe(id string, ch chan<- types.Event, kinds ...types.EventType) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		return ErrSubscriberExists
	}

	s := &subscriber{ch: ch}
	if len(kinds) > 0 {
		s.kinds = make(map[types.EventType]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.subs[id] = s
	return nil
}

// Unsubscribe removes a subscriber. No send to its channel is in progress
// once Unsubscribe returns.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	return nil
}

// Publish stamps the event time if unset and delivers it. Returns the
// stamped event. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev types.Event) types.Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ev
	}

	b.published.Add(1)
	b.stats.IncEventPublished()

	var dropped int64
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
			dropped++
		}
	}
	if dropped > 0 {
		b.stats.AddEventsDropped(dropped)
	}
	return ev
}

// Stats returns delivery counts for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subs[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, nil
}

// Published returns the number of events published.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close drops all subscribers. Subscriber channels are not closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[string]*subscriber)
}
