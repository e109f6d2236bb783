package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/wadostream/multipart"
	"github.com/pithecene-io/wadostream/types"
)

// DefaultInitialBytes is the prefix size used when only a range index is
// configured.
const DefaultInitialBytes = 65536

// RangePlan is the ordered list of byte ranges for one resource, lowest
// fidelity first.
type RangePlan struct {
	Ranges []types.ByteRange
	// Start is the index of the first range to fetch.
	Start int
}

// BuildPlan derives the range plan from opts.
//
// An explicit ranges list is used as-is. Otherwise initial_bytes (default
// 65536) splits the resource into a prefix and the remainder. Ranges other
// than the last inherit the options decode level unless they set their own.
func BuildPlan(opts *types.RetrieveOptions) (RangePlan, error) {
	var ranges []types.ByteRange
	if len(opts.Ranges) > 0 {
		ranges = make([]types.ByteRange, len(opts.Ranges))
		copy(ranges, opts.Ranges)
	} else {
		initial := opts.InitialBytes
		if initial <= 0 {
			initial = DefaultInitialBytes
		}
		ranges = []types.ByteRange{
			{Start: 0, End: initial - 1},
			{Start: initial, End: -1},
		}
	}

	for i := range ranges {
		if err := ranges[i].Validate(); err != nil {
			return RangePlan{}, types.NewError(types.ErrorConfiguration, "", fmt.Sprintf("ranges[%d]", i), err)
		}
		if ranges[i].DecodeLevel == nil && i < len(ranges)-1 && opts.DecodeLevel != nil {
			lvl := *opts.DecodeLevel
			ranges[i].DecodeLevel = &lvl
		}
	}

	start := 0
	if opts.Range != nil {
		start = *opts.Range
	}
	if start < 0 || start >= len(ranges) {
		return RangePlan{}, types.NewError(types.ErrorConfiguration, "",
			fmt.Sprintf("range index %d out of bounds for %d ranges", start, len(ranges)), nil)
	}

	return RangePlan{Ranges: ranges, Start: start}, nil
}

// RangeState is the progress of a range acquisition: the next range to
// fetch and the contiguous bytes received so far, always starting at
// byte 0.
type RangeState struct {
	mu          sync.Mutex
	plan        RangePlan
	next        int
	buffer      []byte
	total       int64
	contentType string
	parse       *multipart.State
}

// NewRangeState creates the state for a plan.
func NewRangeState(plan RangePlan) *RangeState {
	return &RangeState{plan: plan, next: plan.Start}
}

// Plan returns the range plan.
func (s *RangeState) Plan() RangePlan {
	return s.plan
}

// Next returns the index of the next range to fetch.
func (s *RangeState) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Remaining returns the number of ranges not yet fetched.
func (s *RangeState) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plan.Ranges) - s.next
}

// Done returns true once the last range has been fetched.
func (s *RangeState) Done() bool {
	return s.Remaining() == 0
}

// Loaded returns the number of contiguous bytes received.
func (s *RangeState) Loaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buffer))
}

// request returns the span to fetch for the next range. The span always
// begins at the end of the received bytes so the buffer stays contiguous:
// starting past index 0 with nothing received fetches from byte 0.
func (s *RangeState) request() types.ByteRange {
	r := s.plan.Ranges[s.next]
	return types.ByteRange{Start: int64(len(s.buffer)), End: r.End}
}

// fetchedAll marks every range done, used when the server returned the
// whole resource or the last byte was reached early.
func (s *RangeState) fetchedAll() {
	s.next = len(s.plan.Ranges)
}

// ranges fetches the next pending range, and every later one while all is
// true. A range that yields no frame, because the bytes so far do not hold
// the part header yet, is followed by the next one without pausing.
func (r *Runner) ranges(ctx context.Context, req Request, s *RangeState, all bool, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return cancelled(ctx, req.ImageID)
		}
		if s.Done() {
			return nil
		}
		emitted, err := r.fetchRange(ctx, req, s, sink)
		if err != nil {
			return err
		}
		if emitted && !all {
			return nil
		}
	}
}

// fetchRange fetches one range and reports whether it delivered a frame.
func (r *Runner) fetchRange(ctx context.Context, req Request, s *RangeState, sink Sink) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.next
	span := s.request()
	if !span.Open() && span.End < span.Start {
		// Already covered by an earlier, larger response.
		s.next++
		return false, nil
	}

	body, err := r.client.Fetch(ctx, req.transportRequest(&span))
	if err != nil {
		return false, err
	}

	switch {
	case body.Partial():
		if body.Range.Start != int64(len(s.buffer)) {
			return false, types.NewError(types.ErrorTransport, req.ImageID,
				fmt.Sprintf("range response starts at %d, want %d", body.Range.Start, len(s.buffer)), nil)
		}
		next := make([]byte, len(s.buffer)+len(body.Data))
		copy(next, s.buffer)
		copy(next[len(s.buffer):], body.Data)
		s.buffer = next
		if t := body.TotalBytes(); t > 0 {
			s.total = t
		}
		s.next++
		if s.total > 0 && int64(len(s.buffer)) >= s.total {
			s.fetchedAll()
		}
	default:
		// The server ignored the range and sent the whole resource.
		s.buffer = body.Data
		s.total = int64(len(body.Data))
		s.parse = nil
		s.fetchedAll()
	}
	if s.contentType == "" {
		s.contentType = body.ContentType
	}

	final := s.next >= len(s.plan.Ranges)
	res, err := multipart.Extract(s.contentType, s.buffer, s.parse, !final)
	if errors.Is(err, multipart.ErrNeedMoreData) {
		r.logger.Debug("range too short for multipart header, fetching next", map[string]any{
			"image_id":    req.ImageID,
			"range_index": index,
			"loaded":      len(s.buffer),
		})
		return false, nil
	}
	if err != nil {
		return false, types.AsRetrievalError(err, req.ImageID)
	}
	s.parse = res.State

	total := s.total
	if total == 0 && final {
		total = int64(len(s.buffer))
	}
	status := types.StatusFor(final, req.Options.Lossy, !final)
	f := newFrame(&req, res, s.contentType, status, final, int64(len(s.buffer)), total)
	f.RangeIndex = index
	if lvl := s.plan.Ranges[index].DecodeLevel; lvl != nil && !final {
		v := *lvl
		f.DecodeLevel = &v
	}
	sink.Frame(f)
	return true, nil
}
