package loader

import (
	"sync"

	"github.com/pithecene-io/wadostream/events"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

// DecodeFunc decodes a frame payload. decodeLevel is nil for a full decode.
type DecodeFunc func(payload []byte, transferSyntax string, decodeLevel *int) (any, error)

// UpdateDecoderConfig configures an UpdateDecoder.
type UpdateDecoderConfig struct {
	// ID is the bus subscriber id (default "update-decoder").
	ID string
	// Buffer is the event channel capacity (default 64).
	Buffer int
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
}

// UpdateDecoder decodes streamed frames as they are published and
// publishes the result as a stream-updated event. Decode failures are
// logged and counted; they never fail the load.
type UpdateDecoder struct {
	bus    *events.Bus
	id     string
	ch     chan types.Event
	decode DecodeFunc
	logger *log.Logger
	stats  *metrics.Collector

	wg   sync.WaitGroup
	once sync.Once
}

// NewUpdateDecoder subscribes decode to the stream-partial and
// stream-complete events of bus.
func NewUpdateDecoder(bus *events.Bus, decode DecodeFunc, cfg UpdateDecoderConfig) (*UpdateDecoder, error) {
	if cfg.ID == "" {
		cfg.ID = "update-decoder"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	d := &UpdateDecoder{
		bus:    bus,
		id:     cfg.ID,
		ch:     make(chan types.Event, cfg.Buffer),
		decode: decode,
		logger: cfg.Logger,
		stats:  cfg.Metrics,
	}
	if err := bus.Subscribe(d.id, d.ch, types.EventStreamPartial, types.EventStreamComplete); err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go d.run()
	return d, nil
}

func (d *UpdateDecoder) run() {
	defer d.wg.Done()
	for ev := range d.ch {
		d.handle(ev)
	}
}

func (d *UpdateDecoder) handle(ev types.Event) {
	f := ev.Frame
	if f == nil {
		return
	}

	decoded, err := d.decode(f.Payload, f.TransferSyntax, f.DecodeLevel)
	if err != nil {
		d.stats.IncDecodeFailure()
		d.logger.Warn("frame decode failed", map[string]any{
			"image_id":        ev.ImageID,
			"request_id":      ev.RequestID,
			"status":          string(f.Status),
			"transfer_syntax": f.TransferSyntax,
			"error":           err.Error(),
		})
		return
	}

	d.stats.IncDecodeSuccess()
	d.bus.Publish(types.Event{
		Seq:         ev.Seq,
		Type:        types.EventStreamUpdated,
		ImageID:     ev.ImageID,
		RequestID:   ev.RequestID,
		RequestType: ev.RequestType,
		Frame:       f,
		Decoded:     decoded,
	})
}

// Close stops decoding after the events already buffered.
// Safe to call more than once.
func (d *UpdateDecoder) Close() {
	d.once.Do(func() {
		_ = d.bus.Unsubscribe(d.id)
		close(d.ch)
		d.wg.Wait()
	})
}
