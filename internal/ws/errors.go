package ws

import (
	"errors"
	"fmt"
)

// Failure kinds of the relay. Only malformed input, validation, not found and
// upstream failures are reported to the client, and only to the connection
// that caused them.
var (
	ErrMalformedInput = errors.New("malformed input")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrUpstream       = errors.New("upstream lookup failed")
	ErrRouting        = errors.New("routing failed")
	ErrPersistence    = errors.New("persistence failed")
	ErrDelivery       = errors.New("delivery failed")
)

// FrameError is a receive failure that is answered with an error frame.
type FrameError struct {
	Kind    error
	Message string
	Cause   error
}

func newFrameError(kind error, message string, cause error) *FrameError {
	return &FrameError{Kind: kind, Message: message, Cause: cause}
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *FrameError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}
