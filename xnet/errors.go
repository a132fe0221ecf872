package xnet

import (
	"errors"
	"strconv"
	"time"
)

const (
	msgErrSocketTimeout = "socket timeout"
	msgErrDialFailed    = "dial failed"
)

var (
	ErrHostNotFound     = errors.New("host not found")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSocketTimeout    = errors.New(msgErrSocketTimeout)
	ErrDialFailed       = errors.New(msgErrDialFailed)
	ErrTLSAlreadyActive = errors.New("connection is already secured")

	errInvalidLimit = errors.New("connection limits must be positive")
)

// SocketTimeoutError reports that a single socket read or write made no
// progress within the configured socket timeout.
type SocketTimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *SocketTimeoutError) Error() string {
	return msgErrSocketTimeout + ": " + e.Op + " exceeded " + e.Limit.String()
}

func (e *SocketTimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSocketTimeout}
	}

	return []error{ErrSocketTimeout, e.Err}
}

func (e *SocketTimeoutError) Timeout() bool {
	return true
}

func (e *SocketTimeoutError) Temporary() bool {
	return false
}

type DialError struct {
	Address string
	// Attempts is the number of resolved addresses that were tried.
	Attempts int
	Err      error
}

func (e *DialError) Error() string {
	return msgErrDialFailed + ": " + e.Address + " after " + strconv.Itoa(e.Attempts) + " attempt(s): " + e.Err.Error()
}

func (e *DialError) Unwrap() []error {
	return []error{ErrDialFailed, e.Err}
}
