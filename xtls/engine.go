package xtls

import (
	"crypto/tls"
	"errors"
	"io"
	"sync"
)

// Status is the outcome of a single engine operation.
type Status uint8

const (
	StatusOK Status = iota
	// StatusWantRead means the engine needs more raw bytes in its input BIO.
	StatusWantRead
	// StatusWantWrite means the engine's output BIO must be drained first.
	StatusWantWrite
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWantRead:
		return "WANT_READ"
	case StatusWantWrite:
		return "WANT_WRITE"
	case StatusClosed:
		return "CLOSED"
	}

	return "Status(?)"
}

var (
	ErrEngineClosed = errors.New("tls engine closed")
)

// Engine is a TLS implementation that never touches a socket: raw bytes go
// in through Input and come out through Output.
//
// Handshake, Read and Write are not safe for concurrent use with
// themselves; Read and Write may run concurrently with each other.
type Engine interface {
	Handshake() (Status, error)
	// Read returns decrypted application bytes. A zero length read with
	// StatusOK means the input BIO needs refilling, not end of stream.
	Read(p []byte) (int, Status, error)
	Write(p []byte) (int, Status, error)
	// CloseWrite queues a close_notify without tearing the engine down.
	CloseWrite() error
	Input() *BIO
	Output() *BIO
	Close() error
}

type readResult struct {
	n   int
	err error
}

// stdEngine adapts crypto/tls to Engine by running the connection over a
// BIO pair. Blocking reads inside crypto/tls run on helper goroutines and
// are reported as StatusWantRead while they wait on an empty input BIO.
type stdEngine struct {
	conn *tls.Conn
	in   *BIO
	out  *BIO

	hsOnce sync.Once
	hsDone chan struct{}
	hsErr  error

	// read state is owned by the single Read caller
	reading bool
	readCh  chan readResult
	scratch []byte
	pending []byte
	readErr error
}

// NewClientEngine returns a client side engine for cfg, which must carry a
// ServerName or InsecureSkipVerify.
func NewClientEngine(cfg *tls.Config) Engine {
	in, out := NewBIO(), NewBIO()

	return &stdEngine{
		conn:    tls.Client(&bioConn{in: in, out: out}, cfg),
		in:      in,
		out:     out,
		hsDone:  make(chan struct{}),
		readCh:  make(chan readResult, 1),
		scratch: make([]byte, 16*1024),
	}
}

func (e *stdEngine) Input() *BIO {
	return e.in
}

func (e *stdEngine) Output() *BIO {
	return e.out
}

// ConnectionState is available once the handshake is complete.
func (e *stdEngine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

func (e *stdEngine) Handshake() (Status, error) {
	e.hsOnce.Do(func() {
		go func() {
			e.hsErr = e.conn.Handshake()
			close(e.hsDone)
		}()
	})

	for {
		select {
		case <-e.hsDone:
			return e.handshakeStatus()
		default:
		}

		parked, changed := e.in.parked()
		if parked {
			return StatusWantRead, nil
		}

		select {
		case <-e.hsDone:
			return e.handshakeStatus()
		case <-changed:
		}
	}
}

func (e *stdEngine) handshakeStatus() (Status, error) {
	if e.hsErr != nil {
		return StatusClosed, e.hsErr
	}

	return StatusOK, nil
}

func (e *stdEngine) Read(p []byte) (int, Status, error) {
	if len(e.pending) > 0 {
		n := copy(p, e.pending)
		e.pending = e.pending[n:]
		return n, StatusOK, nil
	}

	if e.readErr != nil {
		return 0, StatusClosed, closedErr(e.readErr)
	}

	if !e.reading {
		e.reading = true
		go func() {
			n, err := e.conn.Read(e.scratch)
			e.readCh <- readResult{n, err}
		}()
	}

	for {
		select {
		case r := <-e.readCh:
			return e.consume(r, p)
		default:
		}

		parked, changed := e.in.parked()
		if parked {
			return 0, StatusWantRead, nil
		}

		select {
		case r := <-e.readCh:
			return e.consume(r, p)
		case <-changed:
		}
	}
}

func (e *stdEngine) consume(r readResult, p []byte) (int, Status, error) {
	e.reading = false

	var n int
	if r.n > 0 {
		n = copy(p, e.scratch[:r.n])
		e.pending = e.scratch[n:r.n]
	}

	if r.err != nil {
		e.readErr = r.err
	}

	if n > 0 || e.readErr == nil {
		return n, StatusOK, nil
	}

	return 0, StatusClosed, closedErr(e.readErr)
}

// closedErr hides the orderly end of stream.
func closedErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func (e *stdEngine) Write(p []byte) (int, Status, error) {
	n, err := e.conn.Write(p)
	if err != nil {
		return n, StatusClosed, err
	}

	return n, StatusOK, nil
}

func (e *stdEngine) CloseWrite() error {
	return e.conn.CloseWrite()
}

func (e *stdEngine) Close() error {
	err := e.conn.Close()

	// unblock a handshake that never got its peer's reply
	_ = e.in.Close()

	return err
}
