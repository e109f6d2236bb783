package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pithecene-io/wadostream/iox"
	"github.com/pithecene-io/wadostream/metrics"
)

// ContentRange is a parsed Content-Range header. Total is -1 when the
// server reports an unknown length.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// ParseContentRange parses "bytes <start>-<end>/<total|*>".
func ParseContentRange(v string) (*ContentRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return nil, fmt.Errorf("invalid content-range %q", v)
	}
	span, total, ok := strings.Cut(spec, "/")
	if !ok {
		return nil, fmt.Errorf("invalid content-range %q", v)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return nil, fmt.Errorf("invalid content-range %q", v)
	}

	cr := &ContentRange{Total: -1}
	var err error
	if cr.Start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid content-range start %q: %w", v, err)
	}
	if cr.End, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid content-range end %q: %w", v, err)
	}
	if total != "*" {
		if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid content-range total %q: %w", v, err)
		}
	}
	if cr.End < cr.Start {
		return nil, fmt.Errorf("invalid content-range %q: end before start", v)
	}
	return cr, nil
}

// Meta describes a response.
type Meta struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// ContentType is the Content-Type header.
	ContentType string
	// ContentLength is the body length, -1 if unknown.
	ContentLength int64
	// Range is set for 206 responses.
	Range *ContentRange
}

// Partial reports whether the server honoured a range request.
func (m Meta) Partial() bool {
	return m.StatusCode == http.StatusPartialContent && m.Range != nil
}

// TotalBytes returns the full resource size if known, else 0.
func (m Meta) TotalBytes() int64 {
	if m.Range != nil && m.Range.Total >= 0 {
		return m.Range.Total
	}
	if m.Range == nil && m.ContentLength >= 0 {
		return m.ContentLength
	}
	return 0
}

func metaFromResponse(resp *http.Response) (Meta, error) {
	m := Meta{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if resp.StatusCode == http.StatusPartialContent {
		cr, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return Meta{}, err
		}
		m.Range = cr
	}
	return m, nil
}

// Body is a fully read response.
type Body struct {
	Meta
	Data []byte
}

// ChunkStream is a response body consumed chunk by chunk.
type ChunkStream struct {
	Meta

	body     io.ReadCloser
	readSize int
	pending  error
	closed   bool

	ctx     context.Context
	imageID string
	stats   *metrics.Collector
}

// NewChunkStream wraps a body. Exported so strategies can be driven from
// in-memory readers.
func NewChunkStream(meta Meta, body io.ReadCloser, readSize int) *ChunkStream {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &ChunkStream{
		Meta:     meta,
		body:     body,
		readSize: readSize,
		ctx:      context.Background(),
	}
}

// Next returns the next chunk. Each chunk is a fresh slice owned by the
// caller. Returns io.EOF once the body is exhausted.
func (s *ChunkStream) Next() ([]byte, error) {
	if s.pending != nil {
		return nil, s.pending
	}
	if s.closed {
		return nil, io.EOF
	}

	for {
		buf := make([]byte, s.readSize)
		n, err := s.body.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			s.pending = classify(s.ctx, s.imageID, "read body", err)
			if n == 0 {
				return nil, s.pending
			}
		} else if errors.Is(err, io.EOF) {
			s.pending = io.EOF
		}
		if n > 0 {
			s.stats.AddBytesReceived(int64(n))
			return buf[:n:n], nil
		}
		if s.pending != nil {
			return nil, s.pending
		}
	}
}

// Close releases the body. Safe to call more than once.
func (s *ChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	iox.DrainClose(s.body)
	return nil
}
