package rdma

import (
	"errors"
	"fmt"
)

// Endpoint errors.
var (
	ErrPortOutOfRange      = errors.New("IB port out of range")
	ErrResourceAllocation  = errors.New("RDMA resource allocation failed")
	ErrInvalidTransition   = errors.New("invalid queue pair transition")
	ErrCompletion          = errors.New("work completion failed")
	ErrNotReady            = errors.New("endpoint is not ready to send")
	ErrMessageTooLarge     = errors.New("message does not fit the registered buffer")
	ErrPollCancelled       = errors.New("completion polling cancelled")
	ErrNotInitialized      = errors.New("endpoint not initialized")
	ErrAlreadyInitialized  = errors.New("endpoint already initialized")
	ErrRemoteAlreadySet    = errors.New("remote attributes already set")
	ErrShortAttributes     = errors.New("connection attributes have wrong length")
	ErrEndpointFailed      = errors.New("endpoint failed during initialization")
	ErrEndpointClosed      = errors.New("endpoint closed")
	ErrHardwareUnavailable = errors.New("binary built without rdma_hw support")
)

// StateError describes a rejected queue pair transition.
type StateError struct {
	Err    error
	Reason string
	From   Phase
	To     Phase
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes ErrInvalidTransition for ordering violations and the
// backend cause for failed modifies.
func (e *StateError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return ErrInvalidTransition
}

// CompletionError is returned when a polled work completion carries a
// non-success status.
type CompletionError struct {
	Op     string
	WRID   uint64
	Status WCStatus
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s wr_id %d completed with status %d (%s)", e.Op, e.WRID, int(e.Status), e.Status)
}

func (e *CompletionError) Unwrap() error {
	return ErrCompletion
}
