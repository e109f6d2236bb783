// Package retrieve implements the three acquisition strategies behind a
// load: a streamed GET consumed chunk by chunk, a sequence of byte-range
// GETs, and a plain whole-body GET. All three deliver decode-ready frames
// through the same Sink contract.
package retrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/multipart"
	"github.com/pithecene-io/wadostream/transport"
	"github.com/pithecene-io/wadostream/types"
)

// Kind names an acquisition strategy.
type Kind int

const (
	// KindWhole fetches the whole resource in one GET.
	KindWhole Kind = iota
	// KindStream consumes one GET as a live chunk stream.
	KindStream
	// KindRanges fetches byte ranges in ascending fidelity order.
	KindRanges
)

func (k Kind) String() string {
	switch k {
	case KindWhole:
		return "whole"
	case KindStream:
		return "stream"
	case KindRanges:
		return "ranges"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy is the acquisition strategy of one request. It is selected once
// from the resolved options and never re-inspected. Ranges is set only for
// KindRanges and carries the progress needed to continue later.
type Strategy struct {
	Kind   Kind
	Ranges *RangeState
}

// Select picks the strategy for opts: ranges when any byte-range option is
// set, else streaming unless explicitly disabled, else a whole fetch.
func Select(opts *types.RetrieveOptions) (Strategy, error) {
	if opts.HasRanges() {
		plan, err := BuildPlan(opts)
		if err != nil {
			return Strategy{}, err
		}
		return Strategy{Kind: KindRanges, Ranges: NewRangeState(plan)}, nil
	}
	if opts.StreamingEnabled() {
		return Strategy{Kind: KindStream}, nil
	}
	return Strategy{Kind: KindWhole}, nil
}

// Client is the transport surface the strategies need.
type Client interface {
	Stream(ctx context.Context, req transport.Request) (*transport.ChunkStream, error)
	Fetch(ctx context.Context, req transport.Request) (*transport.Body, error)
}

var _ Client = (*transport.Client)(nil)

// Sink receives frames in emission order. Frames are never mutated after
// delivery.
type Sink interface {
	Frame(f *types.Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *types.Frame)

// Frame calls fn(f).
func (fn SinkFunc) Frame(f *types.Frame) { fn(f) }

// Request is one acquisition attempt.
type Request struct {
	// ImageID is the resource identifier.
	ImageID string
	// URL is the resource URL before options are applied.
	URL string
	// Header holds per-request headers.
	Header map[string]string
	// Options is the resolved, immutable options value for this attempt.
	Options types.RetrieveOptions
	// MinChunkSize is the resolved stream emission threshold.
	MinChunkSize int
	// Start is when the owning job started. Frames carry the time since.
	Start time.Time
}

func (r *Request) transportRequest(rng *types.ByteRange) transport.Request {
	return transport.Request{
		ImageID: r.ImageID,
		URL:     r.Options.BuildURL(r.URL),
		Header:  r.Header,
		Range:   rng,
	}
}

// Runner executes strategies against a transport client.
type Runner struct {
	client Client
	logger *log.Logger
}

// NewRunner creates a runner. logger may be nil.
func NewRunner(client Client, logger *log.Logger) *Runner {
	return &Runner{client: client, logger: logger}
}

// Run executes strategy s for req, delivering frames to sink. For the
// range strategy it fetches the first pending range, and every remaining
// one when AutoLoadAllRanges is set.
func (r *Runner) Run(ctx context.Context, s Strategy, req Request, sink Sink) error {
	switch s.Kind {
	case KindStream:
		return r.stream(ctx, req, sink)
	case KindRanges:
		if s.Ranges == nil {
			return types.NewError(types.ErrorConfiguration, req.ImageID, "range strategy without a plan", nil)
		}
		return r.ranges(ctx, req, s.Ranges, req.Options.AutoLoadAllRanges, sink)
	case KindWhole:
		return r.whole(ctx, req, sink)
	default:
		return types.NewError(types.ErrorConfiguration, req.ImageID, fmt.Sprintf("unknown strategy %s", s.Kind), nil)
	}
}

// Continue fetches the next pending range of a range strategy, or every
// remaining one when all is true.
func (r *Runner) Continue(ctx context.Context, s Strategy, req Request, all bool, sink Sink) error {
	if s.Kind != KindRanges || s.Ranges == nil {
		return types.NewError(types.ErrorConfiguration, req.ImageID,
			fmt.Sprintf("continue is only valid for range loads, strategy is %s", s.Kind), nil)
	}
	return r.ranges(ctx, req, s.Ranges, all, sink)
}

// newFrame builds a frame from an extraction result.
func newFrame(req *Request, res multipart.Result, outerContentType string, status types.FrameStatus, final bool, loaded, total int64) *types.Frame {
	contentType := res.ContentType
	ts := multipart.TransferSyntaxForContentType(contentType)
	if ts == multipart.DefaultTransferSyntax {
		ts = multipart.TransferSyntaxForContentType(outerContentType)
	}
	return &types.Frame{
		ImageID:        req.ImageID,
		Payload:        res.Payload,
		ContentType:    contentType,
		TransferSyntax: ts,
		Status:         status,
		Final:          final,
		LoadedBytes:    loaded,
		TotalBytes:     total,
		RangeIndex:     -1,
		LoadTime:       time.Since(req.Start),
	}
}

// cancelled converts a done context into a cancellation error.
func cancelled(ctx context.Context, imageID string) error {
	return types.NewError(types.ErrorCancelled, imageID, "", ctx.Err())
}
