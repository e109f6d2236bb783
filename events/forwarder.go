package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/wadostream/adapter"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/types"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// ID is the bus subscriber id (default "forwarder").
	ID string
	// Buffer is the event channel capacity (default 256).
	Buffer int
	// PublishTimeout bounds each adapter publish (default 30s).
	PublishTimeout time.Duration
	// Logger is an optional logger.
	Logger *log.Logger
}

// Forwarder relays terminal load events from a Bus to adapters.
// Adapter errors are logged, never returned to the loader.
type Forwarder struct {
	bus      *Bus
	id       string
	ch       chan types.Event
	adapters []adapter.Adapter
	timeout  time.Duration
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewForwarder subscribes to terminal events on bus and starts relaying
// them to adapters.
func NewForwarder(bus *Bus, cfg ForwarderConfig, adapters ...adapter.Adapter) (*Forwarder, error) {
	if cfg.ID == "" {
		cfg.ID = "forwarder"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}

	f := &Forwarder{
		bus:      bus,
		id:       cfg.ID,
		ch:       make(chan types.Event, cfg.Buffer),
		adapters: adapters,
		timeout:  cfg.PublishTimeout,
		logger:   cfg.Logger,
	}
	if err := bus.Subscribe(f.id, f.ch, types.EventImageLoaded, types.EventLoadFailed); err != nil {
		return nil, err
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for ev := range f.ch {
		f.forward(ev)
	}
}

func (f *Forwarder) forward(ev types.Event) {
	payload := adapter.FromEvent(ev)
	for _, a := range f.adapters {
		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		err := a.Publish(ctx, payload)
		cancel()
		if err != nil {
			f.logger.Error("adapter publish failed", map[string]any{
				"image_id":   ev.ImageID,
				"event_type": string(ev.Type),
				"error":      err.Error(),
			})
		}
	}
}

// Close stops receiving, delivers events already buffered, then closes
// the adapters. Safe to call more than once.
func (f *Forwarder) Close() error {
	var errs []error
	f.once.Do(func() {
		_ = f.bus.Unsubscribe(f.id)
		close(f.ch)
		f.wg.Wait()
		f.cancel()
		for _, a := range f.adapters {
			if err := a.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Abort cancels in-flight publishes, then closes like Close.
func (f *Forwarder) Abort() error {
	f.cancel()
	return f.Close()
}
