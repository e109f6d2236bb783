// Package multipart extracts single-part payloads from multipart/related
// response bodies, including bodies that are still arriving.
//
// A body looks like:
//
//	[preamble]--BOUNDARY\r\n
//	Content-Type: image/jphc\r\n
//	\r\n
//	<payload>--BOUNDARY--
//
// Extract is called repeatedly with a growing buffer. The parse State it
// returns is handed back on the next call so the header block is classified
// once and the terminal boundary search resumes where it stopped.
package multipart

import (
	"bytes"
	"errors"
	"strings"

	"github.com/pithecene-io/wadostream/types"
)

const (
	headerTerminator = "\r\n\r\n"
	boundaryPrefix   = "--"
	contentTypeKey   = "content-type:"
)

// ErrNeedMoreData is returned for a partial buffer that does not yet hold a
// complete part header. It is not a failure: retry with more bytes.
var ErrNeedMoreData = errors.New("multipart: need more data")

// State is the parse context carried between Extract calls for one body.
// Once Boundary is set, the header fields are fixed for the rest of the body.
type State struct {
	// HeaderStart is the offset of the boundary line.
	HeaderStart int
	// TokenIndex is the offset of the header terminator.
	TokenIndex int
	// Headers are the header block lines, boundary line first.
	Headers []string
	// Boundary is the boundary token including its "--" prefix.
	Boundary string
	// ContentType is the inner part content type.
	ContentType string
	// SearchFrom is the offset where the terminal boundary search resumes.
	SearchFrom int
	// EndIndex is the offset of the terminal boundary, -1 until found.
	EndIndex int
	// Complete is true once the terminal boundary has been located.
	Complete bool
}

// PayloadOffset returns the offset of the first payload byte.
func (s *State) PayloadOffset() int {
	return s.TokenIndex + len(headerTerminator)
}

func (s *State) headerParsed() bool {
	return s != nil && s.Boundary != ""
}

// Result is the outcome of one Extract call.
type Result struct {
	// Payload is the part body, or everything after the header while the
	// terminal boundary is still missing. It aliases the input buffer.
	Payload []byte
	// ContentType is the inner part content type, or the outer content type
	// for single-part bodies.
	ContentType string
	// Done is true once the whole part is available.
	Done bool
	// State is the parse context for the next call. Nil for single-part bodies.
	State *State
}

// IsMultipart reports whether a content type announces a multipart envelope.
func IsMultipart(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "multipart")
}

// Extract locates the part payload inside buf.
//
// For single-part content types the whole buffer is returned with
// Done = !isPartial. For multipart bodies a missing header terminator or
// boundary and, when isPartial is false, a missing terminal boundary are
// malformed container errors. A missing header terminator on a partial
// buffer returns ErrNeedMoreData; once the terminator is present a missing
// boundary is malformed even for a partial buffer. prior is never modified.
func Extract(contentType string, buf []byte, prior *State, isPartial bool) (Result, error) {
	if !IsMultipart(contentType) {
		return Result{
			Payload:     buf,
			ContentType: contentType,
			Done:        !isPartial,
		}, nil
	}

	var st State
	if prior.headerParsed() {
		st = *prior
	} else {
		parsed, err := parseHeader(buf, isPartial)
		if err != nil {
			return Result{}, err
		}
		st = parsed
	}

	offset := st.PayloadOffset()
	if offset > len(buf) {
		return Result{}, malformed("buffer shorter than parsed header")
	}

	if !st.Complete {
		from := min(max(st.SearchFrom, offset), len(buf))
		if idx := bytes.Index(buf[from:], []byte(st.Boundary)); idx >= 0 {
			st.EndIndex = from + idx
			st.Complete = true
		} else {
			// A boundary may straddle the end of the buffer.
			st.SearchFrom = max(offset, len(buf)-len(st.Boundary)+1)
		}
	}

	if !st.Complete {
		if !isPartial {
			return Result{}, malformed("terminating boundary not found")
		}
		return Result{
			Payload:     buf[offset:],
			ContentType: st.ContentType,
			Done:        false,
			State:       &st,
		}, nil
	}

	return Result{
		Payload:     buf[offset:st.EndIndex],
		ContentType: st.ContentType,
		Done:        true,
		State:       &st,
	}, nil
}

// parseHeader finds the boundary line and the header block that follows it.
func parseHeader(buf []byte, isPartial bool) (State, error) {
	start := boundaryLineStart(buf)

	tokenIndex := bytes.Index(buf[max(start, 0):], []byte(headerTerminator))
	if tokenIndex < 0 {
		if isPartial {
			return State{}, ErrNeedMoreData
		}
		return State{}, malformed("no multipart mime header")
	}
	tokenIndex += max(start, 0)

	if start < 0 {
		// The header block is complete; more bytes cannot add a boundary.
		return State{}, malformed("no boundary marker")
	}

	headers := strings.Split(string(buf[start:tokenIndex]), "\r\n")
	boundary := findBoundary(headers)
	if boundary == "" {
		return State{}, malformed("no boundary marker")
	}

	return State{
		HeaderStart: start,
		TokenIndex:  tokenIndex,
		Headers:     headers,
		Boundary:    boundary,
		ContentType: findContentType(headers),
		SearchFrom:  tokenIndex + len(headerTerminator),
		EndIndex:    -1,
	}, nil
}

// boundaryLineStart returns the offset of the first line that begins with
// the boundary prefix, or -1.
func boundaryLineStart(buf []byte) int {
	if bytes.HasPrefix(buf, []byte(boundaryPrefix)) {
		return 0
	}
	idx := bytes.Index(buf, []byte("\r\n"+boundaryPrefix))
	if idx < 0 {
		return -1
	}
	return idx + 2
}

func findBoundary(headers []string) string {
	for _, line := range headers {
		if strings.HasPrefix(line, boundaryPrefix) {
			return strings.TrimRight(line, " \t")
		}
	}
	return ""
}

func findContentType(headers []string) string {
	for _, line := range headers {
		if len(line) >= len(contentTypeKey) && strings.EqualFold(line[:len(contentTypeKey)], contentTypeKey) {
			return strings.TrimSpace(line[len(contentTypeKey):])
		}
	}
	return ""
}

func malformed(msg string) error {
	return types.NewError(types.ErrorMalformedContainer, "", "invalid multipart response: "+msg, nil)
}
