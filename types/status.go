// Package types defines core domain types for the retrieval pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

// FrameStatus classifies how complete a delivered frame is.
// Consumers treat Lossy and Partial frames as superseded by a later Done
// frame for the same image.
type FrameStatus string

const (
	// StatusDone marks a final, full-fidelity frame.
	StatusDone FrameStatus = "done"
	// StatusLossy marks a decodable frame of reduced fidelity.
	StatusLossy FrameStatus = "lossy"
	// StatusPartial marks a frame built from an incomplete byte prefix.
	StatusPartial FrameStatus = "partial"
)

// IsFinal returns true if no later frame can supersede this one.
func (s FrameStatus) IsFinal() bool {
	return s == StatusDone
}

// StatusFor derives the status of an emitted frame.
//
//	final, !lossy        -> Done
//	final, lossy         -> Lossy
//	!final, more ranges  -> Lossy
//	!final, none left    -> Partial
func StatusFor(final, lossy, moreRanges bool) FrameStatus {
	if final {
		if lossy {
			return StatusLossy
		}
		return StatusDone
	}
	if moreRanges {
		return StatusLossy
	}
	return StatusPartial
}
