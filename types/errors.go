package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies retrieval failures.
type ErrorKind string

const (
	// ErrorConfiguration is a bad or missing option, raised before any I/O.
	ErrorConfiguration ErrorKind = "configuration"
	// ErrorMalformedContainer is a multipart body that cannot be parsed.
	ErrorMalformedContainer ErrorKind = "malformed_container"
	// ErrorTransport is a network failure or non-2xx response.
	ErrorTransport ErrorKind = "transport"
	// ErrorCancelled is a retrieval stopped by its caller. Never reported as a failure.
	ErrorCancelled ErrorKind = "cancelled"
)

// ErrCancelled is returned by futures whose load was cancelled before
// producing a frame.
var ErrCancelled = &RetrievalError{Kind: ErrorCancelled, Msg: "retrieval cancelled"}

// RetrievalError is the error type surfaced by every retrieval component.
type RetrievalError struct {
	// Kind is the failure class.
	Kind ErrorKind
	// ImageID is the affected image, when known.
	ImageID string
	// Msg describes the failure.
	Msg string
	// Err is the underlying error, if any.
	Err error
}

func (e *RetrievalError) Error() string {
	prefix := string(e.Kind)
	if e.ImageID != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, e.ImageID)
	}
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	}
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Is matches any RetrievalError of the same kind, and cancellation errors
// against context.Canceled.
func (e *RetrievalError) Is(target error) bool {
	if e.Kind == ErrorCancelled && target == context.Canceled {
		return true
	}
	var other *RetrievalError
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.ImageID == "" && other.Err == nil
	}
	return false
}

// WithImage returns a copy of the error scoped to an image.
func (e *RetrievalError) WithImage(imageID string) *RetrievalError {
	c := *e
	c.ImageID = imageID
	return &c
}

// NewError builds a RetrievalError.
func NewError(kind ErrorKind, imageID, msg string, err error) *RetrievalError {
	return &RetrievalError{Kind: kind, ImageID: imageID, Msg: msg, Err: err}
}

// AsRetrievalError extracts a RetrievalError from err.
// Plain errors are classified as transport errors, context cancellation as
// cancelled.
func AsRetrievalError(err error, imageID string) *RetrievalError {
	if err == nil {
		return nil
	}
	var re *RetrievalError
	if errors.As(err, &re) {
		if re.ImageID == "" {
			return re.WithImage(imageID)
		}
		return re
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorCancelled, imageID, "", err)
	}
	return NewError(ErrorTransport, imageID, "", err)
}

func kindOf(err error) ErrorKind {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return kindOf(err) == ErrorConfiguration
}

// IsMalformed reports whether err is a malformed container error.
func IsMalformed(err error) bool {
	return kindOf(err) == ErrorMalformedContainer
}

// IsTransportError reports whether err is a transport error.
func IsTransportError(err error) bool {
	return kindOf(err) == ErrorTransport
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return kindOf(err) == ErrorCancelled || errors.Is(err, context.Canceled)
}
