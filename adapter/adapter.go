// Package adapter defines the boundary for notifying downstream systems of
// finished loads.
//
// Adapters receive one LoadEvent per terminal load event (image-loaded or
// image-load-failed). The events.Forwarder owns adapter lifecycle.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/wadostream/types"
)

// LoadEvent is the payload published when a load finishes.
type LoadEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // image-loaded or image-load-failed
	ImageID         string `json:"image_id"`
	RequestID       string `json:"request_id"`
	RequestType     string `json:"request_type"`
	Status          string `json:"status,omitempty"` // done, lossy, partial
	ContentType     string `json:"content_type,omitempty"`
	TransferSyntax  string `json:"transfer_syntax,omitempty"`
	LoadedBytes     int64  `json:"loaded_bytes"`
	TotalBytes      int64  `json:"total_bytes"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	DurationMs      int64  `json:"duration_ms"`
}

// FromEvent builds the payload for a terminal event.
func FromEvent(ev types.Event) *LoadEvent {
	out := &LoadEvent{
		ContractVersion: types.Version,
		EventType:       string(ev.Type),
		ImageID:         ev.ImageID,
		RequestID:       ev.RequestID,
		RequestType:     string(ev.RequestType),
		Timestamp:       ev.Time.UTC().Format(time.RFC3339Nano),
	}
	if f := ev.Frame; f != nil {
		out.Status = string(f.Status)
		out.ContentType = f.ContentType
		out.TransferSyntax = f.TransferSyntax
		out.LoadedBytes = f.LoadedBytes
		out.TotalBytes = f.TotalBytes
		out.DurationMs = f.LoadTime.Milliseconds()
	}
	if ev.Err != nil {
		re := types.AsRetrievalError(ev.Err, ev.ImageID)
		out.ErrorKind = string(re.Kind)
		out.Error = ev.Err.Error()
	}
	return out
}

// Adapter publishes load events to a downstream system.
type Adapter interface {
	// Publish sends a load event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *LoadEvent) error

	// Close releases adapter resources.
	Close() error
}

// Retry calls attempt up to 1+retries times with exponential backoff
// (500ms, 1s, 2s, ...) between attempts. It stops early when ctx ends or
// permanent reports the error as non-retriable. name prefixes errors.
func Retry(ctx context.Context, name string, retries int, attempt func(ctx context.Context) error, permanent func(error) bool) error {
	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
