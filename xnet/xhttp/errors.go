package xhttp

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrEngineClosed       = errors.New("http engine closed")
	ErrUnsupportedScheme  = errors.New("unsupported url scheme")
	ErrUnsupportedProxy   = errors.New("unsupported proxy")
	ErrUnsupportedUpgrade = errors.New("protocol upgrade requests cannot carry a body")
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrFailToConnect      = errors.New("fail to connect")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrTunnelFailed       = errors.New("proxy tunnel failed")
	ErrPipelineBroken     = errors.New("pipelined connection lost before the response")
)

var (
	errEndpointClosed        = errors.New("endpoint closed")
	errResponseComplete      = errors.New("response complete")
	errBodyClosed            = errors.New("response body closed")
	errConnectAttemptTimeout = errors.New("connect attempt timed out")
	errNotReusable           = errors.New("connection not reusable")
)

// ConnectTimeoutError reports that every connect attempt ran out of time.
type ConnectTimeoutError struct {
	Address  string
	Attempts int
	Limit    time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return "connect to " + e.Address + " timed out after " + strconv.Itoa(e.Attempts) + " attempt(s) of " + e.Limit.String()
}

func (e *ConnectTimeoutError) Unwrap() error {
	return ErrConnectTimeout
}

func (e *ConnectTimeoutError) Timeout() bool {
	return true
}

func (e *ConnectTimeoutError) Temporary() bool {
	return false
}

// FailToConnectError reports that connect attempts were exhausted and at
// least one failed for a reason other than a timeout. Err is the last
// failure.
type FailToConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *FailToConnectError) Error() string {
	return "failed to connect to " + e.Address + " after " + strconv.Itoa(e.Attempts) + " attempt(s): " + e.Err.Error()
}

func (e *FailToConnectError) Unwrap() []error {
	return []error{ErrFailToConnect, e.Err}
}

// RequestTimeoutError is the cause of a call that outlived its request
// timeout.
type RequestTimeoutError struct {
	URL   string
	Limit time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return "request to " + e.URL + " timed out after " + e.Limit.String()
}

func (e *RequestTimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

func (e *RequestTimeoutError) Timeout() bool {
	return true
}

func (e *RequestTimeoutError) Temporary() bool {
	return false
}

// TunnelError reports a proxy that refused or broke a CONNECT tunnel.
type TunnelError struct {
	Proxy  string
	Target string
	Err    error
}

func (e *TunnelError) Error() string {
	return "tunnel to " + e.Target + " via " + e.Proxy + ": " + e.Err.Error()
}

func (e *TunnelError) Unwrap() []error {
	return []error{ErrTunnelFailed, e.Err}
}
