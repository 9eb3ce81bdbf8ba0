package oob

import (
	"errors"
	"fmt"
)

// Channel errors.
var (
	ErrIO           = errors.New("control channel I/O failed")
	ErrNotConnected = errors.New("control channel not connected")
	ErrClosed       = errors.New("control channel closed")
)

// IOError reports a socket level failure on the control channel. It matches
// both ErrIO and the underlying cause.
type IOError struct {
	Err error
	Op  string
}

func (e *IOError) Error() string {
	return fmt.Sprintf("oob %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}
