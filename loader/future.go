package loader

import (
	"context"
	"io"
	"sync"

	"github.com/pithecene-io/wadostream/types"
)

// Future resolves once with the first frame of a load, or with the error
// that ended the load before any frame arrived.
type Future struct {
	once  sync.Once
	done  chan struct{}
	frame *types.Frame
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(frame *types.Frame) bool {
	resolved := false
	f.once.Do(func() {
		f.frame = frame
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) fail(err error) bool {
	failed := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		failed = true
	})
	return failed
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (*types.Frame, error) {
	select {
	case <-f.done:
		return f.frame, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscription delivers the events of one load in publication order.
// Events are queued without bound, so a slow reader never loses one.
// Next returns io.EOF once the load ended and the queue is drained.
type Subscription struct {
	mu      sync.Mutex
	queue   []types.Event
	closed  bool
	err     error
	notify  chan struct{}
	onClose func(*Subscription)
}

func newSubscription(history []types.Event, onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		queue:   append([]types.Event(nil), history...),
		notify:  make(chan struct{}, 1),
		onClose: onClose,
	}
	if len(s.queue) > 0 {
		s.signal()
	}
	return s
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.signal()
}

// finish marks the end of the load. err is nil for a successful load.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.signal()
}

// Next returns the next event. It blocks until one is available, the
// load ended (io.EOF) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (types.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = types.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return types.Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		}
	}
}

// Err returns the error that ended the load, nil while running or after a
// successful load.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Events still queued are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed && s.onClose == nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if onClose != nil {
		onClose(s)
	}
	s.signal()
}
