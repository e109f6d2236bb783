package types

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// RequestType labels a retrieval for pool partitioning.
// Each request type has its own concurrency budget.
type RequestType string

const (
	RequestInteraction RequestType = "interaction"
	RequestThumbnail   RequestType = "thumbnail"
	RequestPrefetch    RequestType = "prefetch"
	RequestCompute     RequestType = "compute"
)

// RequestTypes lists every known request type in scheduling order.
var RequestTypes = []RequestType{RequestInteraction, RequestThumbnail, RequestPrefetch, RequestCompute}

// Valid returns true if the request type is known.
func (r RequestType) Valid() bool {
	for _, t := range RequestTypes {
		if t == r {
			return true
		}
	}
	return false
}

// DefaultPriority is the mid-range priority applied when a caller gives none.
// Lower values are more urgent.
const DefaultPriority = 5

// Stage selects a rule variant from the options table.
type Stage string

const (
	StageDefault Stage = ""
	StageLossy   Stage = "lossy"
	StageFinal   Stage = "final"
)

// Metadata is the subset of image attributes needed to size chunks.
type Metadata struct {
	Rows            int `json:"rows" yaml:"rows"`
	Columns         int `json:"columns" yaml:"columns"`
	BitsAllocated   int `json:"bits_allocated" yaml:"bits_allocated"`
	SamplesPerPixel int `json:"samples_per_pixel" yaml:"samples_per_pixel"`
	NumberOfFrames  int `json:"number_of_frames" yaml:"number_of_frames"`
}

// ExpectedFrameBytes returns the uncompressed size of one frame, or 0 when
// the metadata is incomplete.
func (m Metadata) ExpectedFrameBytes() int64 {
	if m.Rows <= 0 || m.Columns <= 0 || m.BitsAllocated <= 0 {
		return 0
	}
	spp := m.SamplesPerPixel
	if spp <= 0 {
		spp = 1
	}
	return int64(m.Rows) * int64(m.Columns) * int64(spp) * int64((m.BitsAllocated+7)/8)
}

// ChunkSizeFunc computes a minimum chunk size from image metadata.
type ChunkSizeFunc func(md Metadata, imageID string) int

// ChunkSize is the minimum number of new bytes between intermediate
// emissions: either a fixed value or a function of the image metadata.
type ChunkSize struct {
	Fixed int
	Func  ChunkSizeFunc
}

// FixedChunkSize returns a constant chunk size.
func FixedChunkSize(n int) ChunkSize {
	return ChunkSize{Fixed: n}
}

// IsZero returns true if neither a value nor a function is set.
func (c ChunkSize) IsZero() bool {
	return c.Fixed == 0 && c.Func == nil
}

// Resolve evaluates the chunk size for one acquisition attempt.
// A non-positive result is a configuration error.
func (c ChunkSize) Resolve(md Metadata, imageID string) (int, error) {
	n := c.Fixed
	if c.Func != nil {
		n = c.Func(md, imageID)
	}
	if n <= 0 {
		return 0, &RetrievalError{
			Kind:    ErrorConfiguration,
			ImageID: imageID,
			Msg:     fmt.Sprintf("min chunk size must be a positive integer, got %d", n),
		}
	}
	return n, nil
}

// ByteRange is an inclusive byte span. End < 0 means "to end of resource".
type ByteRange struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
	// DecodeLevel is an optional decode hint for the frame built from this range.
	DecodeLevel *int `json:"decode_level,omitempty" yaml:"decode_level,omitempty"`
}

// Open returns true if the range extends to the end of the resource.
func (r ByteRange) Open() bool {
	return r.End < 0
}

// Header returns the HTTP Range header value for the span.
func (r ByteRange) Header() string {
	if r.Open() {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Validate checks span ordering.
func (r ByteRange) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("range start %d must not be negative", r.Start)
	}
	if !r.Open() && r.End < r.Start {
		return fmt.Errorf("range end %d before start %d", r.End, r.Start)
	}
	return nil
}

// RetrieveOptions is the resolved per-resource retrieval configuration.
// One value applies per in-flight request and is not mutated once
// acquisition starts.
type RetrieveOptions struct {
	// FramesPath replaces the /frames/ path segment of the URL.
	FramesPath string `json:"frames_path,omitempty" yaml:"frames_path,omitempty"`
	// URLArguments are appended to the URL query string.
	URLArguments map[string]string `json:"url_arguments,omitempty" yaml:"url_arguments,omitempty"`
	// Streaming disables streaming when explicitly false.
	Streaming *bool `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	// MinChunkSize is the threshold between intermediate streamed frames.
	MinChunkSize ChunkSize `json:"-" yaml:"-"`
	// Lossy marks data retrieved with these options as lossy even when final.
	Lossy bool `json:"lossy,omitempty" yaml:"lossy,omitempty"`
	// InitialBytes requests a prefix range of this many bytes first.
	InitialBytes int64 `json:"initial_bytes,omitempty" yaml:"initial_bytes,omitempty"`
	// Range is the index of the first range to fetch.
	Range *int `json:"range,omitempty" yaml:"range,omitempty"`
	// Ranges is an explicit list of ranges in ascending fidelity order.
	Ranges []ByteRange `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	// DecodeLevel is the default decode hint for non-final ranges.
	DecodeLevel *int `json:"decode_level,omitempty" yaml:"decode_level,omitempty"`
	// AutoLoadAllRanges fetches every remaining range without caller action.
	AutoLoadAllRanges bool `json:"auto_load_all_ranges,omitempty" yaml:"auto_load_all_ranges,omitempty"`
}

// HasRanges returns true if byte-range acquisition is configured.
func (o *RetrieveOptions) HasRanges() bool {
	return o.InitialBytes > 0 || o.Range != nil || len(o.Ranges) > 0
}

// StreamingEnabled returns true unless streaming is explicitly disabled.
func (o *RetrieveOptions) StreamingEnabled() bool {
	return o.Streaming == nil || *o.Streaming
}

// Validate checks the option values that can be checked before I/O.
func (o *RetrieveOptions) Validate() error {
	if o.InitialBytes < 0 {
		return fmt.Errorf("initial_bytes must not be negative, got %d", o.InitialBytes)
	}
	if o.Range != nil && *o.Range < 0 {
		return fmt.Errorf("range index must not be negative, got %d", *o.Range)
	}
	for i, r := range o.Ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("ranges[%d]: %w", i, err)
		}
	}
	if o.MinChunkSize.Func == nil && o.MinChunkSize.Fixed < 0 {
		return fmt.Errorf("min_chunk_size must be positive, got %d", o.MinChunkSize.Fixed)
	}
	return nil
}

// BuildURL applies FramesPath and URLArguments to a base URL.
// Argument keys are appended in sorted order.
func (o *RetrieveOptions) BuildURL(base string) string {
	u := base
	if o.FramesPath != "" {
		u = strings.Replace(u, "/frames/", o.FramesPath, 1)
	}
	if len(o.URLArguments) == 0 {
		return u
	}

	keys := make([]string, 0, len(o.URLArguments))
	for k := range o.URLArguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(o.URLArguments[k]))
	}

	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + b.String()
}
