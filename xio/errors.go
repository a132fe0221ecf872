package xio

import (
	"errors"
)

const (
	msgErrChannelClosed    = "byte channel closed"
	prefixErrChannelClosed = msgErrChannelClosed + ": "
)

var (
	ErrChannelClosed    = errors.New(msgErrChannelClosed)
	ErrChannelCancelled = errors.New("byte channel cancelled")

	errInvalidBufferSize = errors.New("buffer size must be greater than zero")
)

// ChannelClosedError is returned by every operation on a channel that was
// closed with a cause, and by writes on a gracefully closed channel.
type ChannelClosedError struct {
	Cause error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause == nil {
		return msgErrChannelClosed
	}

	return prefixErrChannelClosed + e.Cause.Error()
}

func (e *ChannelClosedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrChannelClosed}
	}

	return []error{ErrChannelClosed, e.Cause}
}

// ContractViolationError is the panic value raised when a caller breaks
// the single-reader/single-writer contract or a counter overflows.
//
// It is never returned as an error.
type ContractViolationError struct {
	Op  string
	Msg string
}

func (e *ContractViolationError) Error() string {
	return "xio: contract violation in " + e.Op + ": " + e.Msg
}

func contractViolation(op, msg string) {
	panic(&ContractViolationError{Op: op, Msg: msg})
}
