package archive

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/wadostream/events"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/types"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// ID is the bus subscriber id (default "archive").
	ID string
	// Buffer is the event channel capacity (default 256).
	Buffer int
	// WriteTimeout bounds each archive write (default 30s).
	WriteTimeout time.Duration
	// Logger is an optional logger.
	Logger *log.Logger
}

// Recorder archives terminal load events published on a bus.
// Write failures are logged and counted, never surfaced to the loader.
type Recorder struct {
	archive *Archive
	bus     *events.Bus
	id      string
	ch      chan types.Event
	timeout time.Duration
	logger  *log.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// NewRecorder subscribes a to the loaded and failed events of bus.
func NewRecorder(a *Archive, bus *events.Bus, cfg RecorderConfig) (*Recorder, error) {
	if cfg.ID == "" {
		cfg.ID = "archive"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	r := &Recorder{
		archive: a,
		bus:     bus,
		id:      cfg.ID,
		ch:      make(chan types.Event, cfg.Buffer),
		timeout: cfg.WriteTimeout,
		logger:  cfg.Logger,
	}
	if err := bus.Subscribe(r.id, r.ch, types.EventImageLoaded, types.EventLoadFailed); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.ch {
		r.record(ev)
	}
}

func (r *Recorder) record(ev types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch ev.Type {
	case types.EventImageLoaded:
		err = r.archive.WriteFrame(ctx, ev)
	case types.EventLoadFailed:
		if types.IsCancelled(ev.Err) {
			return
		}
		err = r.archive.WriteFailure(ctx, ev)
	}
	if err != nil {
		r.logger.Error("archive write failed", map[string]any{
			"image_id":   ev.ImageID,
			"request_id": ev.RequestID,
			"event_type": string(ev.Type),
			"error":      err.Error(),
		})
	}
}

// Close stops receiving and writes the events already buffered.
// Safe to call more than once.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		_ = r.bus.Unsubscribe(r.id)
		close(r.ch)
		r.wg.Wait()
	})
	return r.archive.Close()
}
