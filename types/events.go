package types

import "time"

// EventType is the kind of a load event on the process-wide channel.
type EventType string

// Load event kinds.
const (
	EventLoadStarted    EventType = "image-load-started"
	EventStreamPartial  EventType = "image-load-stream-partial"
	EventStreamComplete EventType = "image-load-stream-complete"
	EventStreamUpdated  EventType = "image-load-stream-updated"
	EventImageLoaded    EventType = "image-loaded"
	EventLoadFailed     EventType = "image-load-failed"
)

// IsTerminal returns true if the event ends an acquisition.
func (e EventType) IsTerminal() bool {
	return e == EventImageLoaded || e == EventLoadFailed
}

// CarriesFrame returns true if the event carries an undecoded frame.
func (e EventType) CarriesFrame() bool {
	return e == EventStreamPartial || e == EventStreamComplete || e == EventImageLoaded
}

// Frame is one emitted, decode-ready payload for an image.
type Frame struct {
	// ImageID is the resource identifier.
	ImageID string `msgpack:"image_id" json:"image_id"`
	// Payload is the extracted codec bitstream. Not mutated after emission.
	Payload []byte `msgpack:"payload" json:"-"`
	// ContentType is the inner part content type.
	ContentType string `msgpack:"content_type" json:"content_type"`
	// TransferSyntax is the transfer syntax UID inferred for the payload.
	TransferSyntax string `msgpack:"transfer_syntax" json:"transfer_syntax"`
	// Status is the completeness of this frame.
	Status FrameStatus `msgpack:"status" json:"status"`
	// DecodeLevel is an optional partial-decode hint.
	DecodeLevel *int `msgpack:"decode_level,omitempty" json:"decode_level,omitempty"`
	// Final is true for the last frame of an acquisition.
	Final bool `msgpack:"final" json:"final"`
	// LoadedBytes is the number of response bytes received so far.
	LoadedBytes int64 `msgpack:"loaded_bytes" json:"loaded_bytes"`
	// TotalBytes is the expected response size, 0 if unknown.
	TotalBytes int64 `msgpack:"total_bytes" json:"total_bytes"`
	// RangeIndex is the index of the byte range that produced the frame, -1 otherwise.
	RangeIndex int `msgpack:"range_index" json:"range_index"`
	// LoadTime is the time since the acquisition started.
	LoadTime time.Duration `msgpack:"load_time" json:"load_time"`
}

// Event is a load event published on the process-wide channel.
type Event struct {
	// Seq is the per-load sequence number, starts at 1.
	Seq int64 `json:"seq"`
	// Type is the event kind.
	Type EventType `json:"type"`
	// ImageID is the resource identifier.
	ImageID string `json:"image_id"`
	// RequestID identifies the load that produced the event.
	RequestID string `json:"request_id"`
	// RequestType is the pool partition of the load.
	RequestType RequestType `json:"request_type"`
	// Frame is set for partial, complete and loaded events.
	Frame *Frame `json:"frame,omitempty"`
	// Decoded is the decode result, set for updated events.
	Decoded any `json:"-"`
	// Err is set for failed events.
	Err error `json:"-"`
	// Time is the publication time.
	Time time.Time `json:"time"`
}

// Status returns the frame status carried by the event, if any.
func (e *Event) Status() FrameStatus {
	if e.Frame == nil {
		return ""
	}
	return e.Frame.Status
}
