// Package framelog reads and writes frame capture files.
//
// A capture file is a sequence of length-prefixed msgpack records:
//
//	uint32 big-endian payload length | msgpack Record
//
// The fetch command writes one record per emitted frame and per failed
// load; inspect reads them back.
package framelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/wadostream/types"
)

const (
	// MaxRecordSize is the maximum record size (64 MiB), including length prefix.
	MaxRecordSize = 64 * 1024 * 1024
	// MaxPayloadSize is the maximum encoded record size.
	MaxPayloadSize = MaxRecordSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Record kinds.
const (
	KindFrame   = "frame"
	KindFailure = "failure"
)

// Record is one capture file entry.
type Record struct {
	Kind      string          `msgpack:"kind"`
	Seq       int64           `msgpack:"seq"`
	EventType types.EventType `msgpack:"event_type"`
	ImageID   string          `msgpack:"image_id"`
	RequestID string          `msgpack:"request_id"`
	Frame     *types.Frame    `msgpack:"frame,omitempty"`
	ErrorKind string          `msgpack:"error_kind,omitempty"`
	Error     string          `msgpack:"error,omitempty"`
	Ts        string          `msgpack:"ts"`
}

// FromEvent builds a record from a frame-carrying or failed event.
// Returns nil for other event types.
func FromEvent(ev types.Event) *Record {
	r := &Record{
		Seq:       ev.Seq,
		EventType: ev.Type,
		ImageID:   ev.ImageID,
		RequestID: ev.RequestID,
	}
	if !ev.Time.IsZero() {
		r.Ts = ev.Time.UTC().Format(time.RFC3339Nano)
	}
	switch {
	case ev.Type.CarriesFrame() && ev.Frame != nil:
		r.Kind = KindFrame
		r.Frame = ev.Frame
	case ev.Type == types.EventLoadFailed:
		r.Kind = KindFailure
		if re := types.AsRetrievalError(ev.Err, ev.ImageID); re != nil {
			r.ErrorKind = string(re.Kind)
			r.Error = ev.Err.Error()
		}
	default:
		return nil
	}
	return r
}

// RecordErrorKind classifies record decoding errors.
type RecordErrorKind int

const (
	// RecordErrorPartial indicates a truncated record.
	RecordErrorPartial RecordErrorKind = iota
	// RecordErrorTooLarge indicates a record exceeding MaxRecordSize.
	RecordErrorTooLarge
	// RecordErrorDecode indicates a msgpack decoding error.
	RecordErrorDecode
)

func (k RecordErrorKind) String() string {
	switch k {
	case RecordErrorPartial:
		return "partial"
	case RecordErrorTooLarge:
		return "too_large"
	case RecordErrorDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// RecordError represents a capture file decoding error.
type RecordError struct {
	Kind RecordErrorKind
	Msg  string
	Err  error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsTruncated returns true if err reports a record cut off mid-way, as left
// by an interrupted fetch.
func IsTruncated(err error) bool {
	var re *RecordError
	return errors.As(err, &re) && re.Kind == RecordErrorPartial
}

// Writer appends records to a capture file. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	n   int
	err error
}

// NewWriter creates a writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes and appends one record.
func (w *Writer) Write(r *Record) error {
	payload, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &RecordError{
			Kind: RecordErrorTooLarge,
			Msg:  fmt.Sprintf("record size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := w.w.Write(lengthBuf[:]); err != nil {
		w.err = err
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		w.err = err
		return err
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Reader decodes records from a capture file.
type Reader struct {
	r io.Reader
}

// NewReader creates a reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads one record.
//
// Errors:
//   - io.EOF: no more records
//   - *RecordError with Kind=RecordErrorPartial: truncated record
//   - *RecordError with Kind=RecordErrorTooLarge: oversized length prefix
//   - *RecordError with Kind=RecordErrorDecode: invalid msgpack
func (r *Reader) Next() (*Record, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &RecordError{
			Kind: RecordErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxPayloadSize {
		return nil, &RecordError{
			Kind: RecordErrorTooLarge,
			Msg:  fmt.Sprintf("record size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &RecordError{
			Kind: RecordErrorPartial,
			Msg:  "failed to read record",
			Err:  err,
		}
	}

	var rec Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &RecordError{
			Kind: RecordErrorDecode,
			Msg:  "failed to decode record",
			Err:  err,
		}
	}
	return &rec, nil
}

// ReadAll reads every record until EOF. Records read before an error are
// returned with it.
func ReadAll(r io.Reader) ([]*Record, error) {
	reader := NewReader(r)
	var out []*Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
