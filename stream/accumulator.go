// Package stream accumulates the chunks of one streamed response and decides
// when enough new bytes have arrived to emit an intermediate frame.
package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/types"
)

// EmitTrigger identifies why an emission happened.
type EmitTrigger string

const (
	// EmitTriggerThreshold indicates the since-last-emission counter reached
	// the minimum chunk size.
	EmitTriggerThreshold EmitTrigger = "threshold"
	// EmitTriggerTerminal indicates the stream was exhausted.
	EmitTriggerTerminal EmitTrigger = "terminal"
)

// ErrClosed is returned when appending to a finished or discarded accumulator.
var ErrClosed = errors.New("stream: accumulator closed")

// Config configures an Accumulator.
type Config struct {
	// ImageID is the resource the stream belongs to. Used for errors and logs.
	ImageID string
	// MinChunkSize is the number of new bytes that triggers an intermediate
	// emission. Must be positive.
	MinChunkSize int
	// TotalBytes is the expected body size, 0 if unknown.
	TotalBytes int64
	// Logger is an optional logger.
	Logger *log.Logger
}

// Emission is a snapshot of the accumulated body.
// Buffer is never written again by the accumulator.
type Emission struct {
	Buffer      []byte
	Trigger     EmitTrigger
	LoadedBytes int64
	TotalBytes  int64
}

// Final returns true for the terminal emission.
func (e *Emission) Final() bool {
	return e.Trigger == EmitTriggerTerminal
}

// Progress is the (loaded, total) byte counter pair.
type Progress struct {
	LoadedBytes int64
	TotalBytes  int64
}

// Stats counts accumulator activity.
type Stats struct {
	Chunks            int64
	Emissions         int64
	TerminalEmissions int64
	Copies            int64
}

// Accumulator is the per-resource stream state.
//
// The buffer is replaced, never grown in place: the first chunk is adopted
// and every later chunk produces a new contiguous buffer holding old+new.
// Snapshots handed out by earlier emissions therefore stay valid while the
// stream continues.
//
// An Accumulator belongs to the single job streaming its resource. mu only
// guards against concurrent Progress/Stats readers.
type Accumulator struct {
	imageID      string
	minChunkSize int
	logger       *log.Logger

	mu        sync.Mutex
	buffer    []byte
	sinceLast int
	loaded    int64
	total     int64
	closed    bool
	stats     Stats
}

// NewAccumulator creates an accumulator.
// Returns a configuration error if MinChunkSize is not positive.
func NewAccumulator(cfg Config) (*Accumulator, error) {
	if cfg.MinChunkSize <= 0 {
		return nil, types.NewError(types.ErrorConfiguration, cfg.ImageID,
			fmt.Sprintf("min chunk size must be a positive integer, got %d", cfg.MinChunkSize), nil)
	}
	return &Accumulator{
		imageID:      cfg.ImageID,
		minChunkSize: cfg.MinChunkSize,
		logger:       cfg.Logger,
		total:        cfg.TotalBytes,
	}, nil
}

// Append adds a chunk and returns an emission once at least MinChunkSize
// bytes arrived since the previous emission. A nil emission means the
// caller should keep reading. Append takes ownership of chunk.
func (a *Accumulator) Append(chunk []byte) (*Emission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	a.stats.Chunks++
	if a.buffer == nil {
		a.buffer = chunk
	} else if len(chunk) > 0 {
		next := make([]byte, len(a.buffer)+len(chunk))
		copy(next, a.buffer)
		copy(next[len(a.buffer):], chunk)
		a.buffer = next
		a.stats.Copies++
	}

	a.sinceLast += len(chunk)
	a.loaded += int64(len(chunk))

	if a.sinceLast < a.minChunkSize {
		return nil, nil
	}

	a.sinceLast = 0
	a.stats.Emissions++
	a.logDebug("threshold emission", map[string]any{
		"loaded_bytes": a.loaded,
		"total_bytes":  a.total,
	})
	return a.emissionLocked(EmitTriggerThreshold), nil
}

// Finish emits the whole body unconditionally and clears the accumulator.
func (a *Accumulator) Finish() (*Emission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	if a.buffer == nil {
		a.buffer = []byte{}
	}
	// Chunked responses carry no length; the final count is authoritative.
	if a.total == 0 || a.total < a.loaded {
		a.total = a.loaded
	}

	a.stats.Emissions++
	a.stats.TerminalEmissions++
	e := a.emissionLocked(EmitTriggerTerminal)

	a.clearLocked()
	a.logDebug("terminal emission", map[string]any{
		"loaded_bytes": e.LoadedBytes,
	})
	return e, nil
}

// Discard drops the buffer without emitting. Used after read failures and
// cancellation so no partial body outlives its attempt.
func (a *Accumulator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.clearLocked()
	a.logDebug("accumulator discarded", map[string]any{
		"loaded_bytes": a.loaded,
	})
}

// Progress returns the byte counters.
func (a *Accumulator) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{LoadedBytes: a.loaded, TotalBytes: a.total}
}

// Buffered returns the number of bytes currently held.
func (a *Accumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Closed returns true once the accumulator was finished or discarded.
func (a *Accumulator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Stats returns a copy of the activity counters.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Accumulator) emissionLocked(trigger EmitTrigger) *Emission {
	return &Emission{
		Buffer:      a.buffer,
		Trigger:     trigger,
		LoadedBytes: a.loaded,
		TotalBytes:  a.total,
	}
}

func (a *Accumulator) clearLocked() {
	a.buffer = nil
	a.sinceLast = 0
	a.closed = true
}

func (a *Accumulator) logDebug(msg string, fields map[string]any) {
	if a.logger == nil {
		return
	}
	fields["image_id"] = a.imageID
	a.logger.Debug(msg, fields)
}
