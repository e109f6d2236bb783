package types //nolint:revive // types is a valid package name

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestChunkSize_Resolve(t *testing.T) {
	md := Metadata{Rows: 512, Columns: 512, BitsAllocated: 16, SamplesPerPixel: 1}

	tests := []struct {
		name    string
		size    ChunkSize
		want    int
		wantErr bool
	}{
		{"fixed", FixedChunkSize(65536), 65536, false},
		{"zero", ChunkSize{}, 0, true},
		{"negative", FixedChunkSize(-1), 0, true},
		{
			name: "function of metadata",
			size: ChunkSize{Func: func(md Metadata, _ string) int { return int(md.ExpectedFrameBytes() / 10) }},
			want: 52428,
		},
		{
			name:    "function returning zero",
			size:    ChunkSize{Func: func(Metadata, string) int { return 0 }},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.size.Resolve(md, "wadors:https://example.com/frames/1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !IsConfigurationError(err) {
					t.Errorf("expected configuration error, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Resolve() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMetadata_ExpectedFrameBytes(t *testing.T) {
	tests := []struct {
		md   Metadata
		want int64
	}{
		{Metadata{Rows: 2, Columns: 3, BitsAllocated: 8}, 6},
		{Metadata{Rows: 2, Columns: 3, BitsAllocated: 16, SamplesPerPixel: 3}, 36},
		{Metadata{Rows: 2, Columns: 3, BitsAllocated: 1}, 6},
		{Metadata{Columns: 3, BitsAllocated: 8}, 0},
	}
	for _, tt := range tests {
		if got := tt.md.ExpectedFrameBytes(); got != tt.want {
			t.Errorf("%+v.ExpectedFrameBytes() = %d, want %d", tt.md, got, tt.want)
		}
	}
}

func TestByteRange_Header(t *testing.T) {
	if got := (ByteRange{Start: 0, End: 65535}).Header(); got != "bytes=0-65535" {
		t.Errorf("Header() = %q", got)
	}
	if got := (ByteRange{Start: 65536, End: -1}).Header(); got != "bytes=65536-" {
		t.Errorf("Header() = %q", got)
	}
	if err := (ByteRange{Start: 10, End: 5}).Validate(); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestRetrieveOptions_Flags(t *testing.T) {
	off := false
	tests := []struct {
		name          string
		opts          RetrieveOptions
		wantRanges    bool
		wantStreaming bool
	}{
		{"empty", RetrieveOptions{}, false, true},
		{"streaming off", RetrieveOptions{Streaming: &off}, false, false},
		{"initial bytes", RetrieveOptions{InitialBytes: 1024}, true, true},
		{"range index", RetrieveOptions{Range: intPtr(0)}, true, true},
		{"explicit ranges", RetrieveOptions{Ranges: []ByteRange{{Start: 0, End: -1}}}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.HasRanges(); got != tt.wantRanges {
				t.Errorf("HasRanges() = %v, want %v", got, tt.wantRanges)
			}
			if got := tt.opts.StreamingEnabled(); got != tt.wantStreaming {
				t.Errorf("StreamingEnabled() = %v, want %v", got, tt.wantStreaming)
			}
		})
	}
}

func TestRetrieveOptions_BuildURL(t *testing.T) {
	base := "https://pacs.example.com/studies/1/series/2/instances/3/frames/1"

	tests := []struct {
		name string
		opts RetrieveOptions
		base string
		want string
	}{
		{"unchanged", RetrieveOptions{}, base, base},
		{
			name: "frames path",
			opts: RetrieveOptions{FramesPath: "/lossy/"},
			base: base,
			want: "https://pacs.example.com/studies/1/series/2/instances/3/lossy/1",
		},
		{
			name: "arguments sorted",
			opts: RetrieveOptions{URLArguments: map[string]string{"quality": "80", "accept": "image/jls"}},
			base: base,
			want: base + "?accept=image%2Fjls&quality=80",
		},
		{
			name: "arguments appended to query",
			opts: RetrieveOptions{URLArguments: map[string]string{"a": "1"}},
			base: base + "?x=y",
			want: base + "?x=y&a=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.BuildURL(tt.base); got != tt.want {
				t.Errorf("BuildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetrievalError_Classification(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewError(ErrorTransport, "img-1", "read body", inner)

	if !IsTransportError(err) {
		t.Error("expected transport error")
	}
	if !errors.Is(err, inner) {
		t.Error("expected unwrap to inner error")
	}
	if IsMalformed(err) || IsConfigurationError(err) || IsCancelled(err) {
		t.Error("unexpected classification")
	}

	cancelled := NewError(ErrorCancelled, "img-1", "", nil)
	if !errors.Is(cancelled, ErrCancelled) {
		t.Error("expected cancelled error to match ErrCancelled")
	}
	if !IsCancelled(cancelled) {
		t.Error("expected IsCancelled")
	}

	plain := AsRetrievalError(inner, "img-2")
	if plain.Kind != ErrorTransport || plain.ImageID != "img-2" {
		t.Errorf("AsRetrievalError() = %+v", plain)
	}
}
