package link

import (
	"errors"
	"fmt"
)

// Stage names one step of a negotiation.
type Stage string

const (
	StageOpen     Stage = "open"
	StageInit     Stage = "init"
	StageEncode   Stage = "encode"
	StageExchange Stage = "exchange"
	StageDecode   Stage = "decode"
	StageRemote   Stage = "remote"
	StageToInit   Stage = "to_init"
	StageToRTR    Stage = "to_rtr"
	StageToRTS    Stage = "to_rts"
)

var (
	ErrScriptMismatch = errors.New("unexpected message")
	ErrSyncMismatch   = errors.New("sync barrier mismatch")
)

// NegotiationError reports the stage at which a connection could not be
// established.
type NegotiationError struct {
	Role  string
	Stage Stage
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s negotiation failed at %s: %v", e.Role, e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
