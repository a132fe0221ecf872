package xtls

import (
	"io"
	"net"
	"sync"
	"time"
)

// BIO is an in-memory byte queue used to feed raw network bytes into a TLS
// engine or to collect the raw bytes it produces.
//
// Write and Read never block. The engine side may block on an empty BIO
// through readWait, and the bridge can observe that through parked.
type BIO struct {
	mu      sync.Mutex
	buf     []byte
	closed  bool
	waiting bool
	// changed is closed and replaced whenever the BIO changes.
	changed chan struct{}
}

func NewBIO() *BIO {
	return &BIO{changed: make(chan struct{})}
}

func (b *BIO) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *BIO) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}

	if len(p) == 0 {
		return 0, nil
	}

	b.buf = append(b.buf, p...)
	b.broadcastLocked()

	return len(p), nil
}

func (b *BIO) readLocked(p []byte) int {
	n := copy(p, b.buf)
	if n == len(b.buf) {
		b.buf = b.buf[:0]
	} else {
		b.buf = b.buf[n:]
	}

	return n
}

// Read takes up to len(p) buffered bytes. It returns 0 and a nil error when
// the BIO is empty, and io.EOF once it is empty and closed.
func (b *BIO) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		return 0, nil
	}

	return b.readLocked(p), nil
}

// readWait blocks until at least one byte can be read or the BIO is closed.
func (b *BIO) readWait(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		b.mu.Lock()

		if len(b.buf) > 0 {
			b.waiting = false
			n := b.readLocked(p)
			b.mu.Unlock()
			return n, nil
		}

		if b.closed {
			b.waiting = false
			b.mu.Unlock()
			return 0, io.EOF
		}

		b.waiting = true
		b.broadcastLocked()
		changed := b.changed
		b.mu.Unlock()

		<-changed
	}
}

// parked reports whether a reader is blocked on this BIO with nothing to
// read, along with a channel that is closed on the next change.
func (b *BIO) parked() (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.waiting && len(b.buf) == 0 && !b.closed, b.changed
}

func (b *BIO) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.buf)
}

// Close marks the end of the stream; buffered bytes remain readable.
func (b *BIO) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.broadcastLocked()

	return nil
}

type bioAddr struct{}

func (bioAddr) Network() string { return "bio" }
func (bioAddr) String() string  { return "bio" }

// bioConn presents a pair of BIOs as the transport of a crypto/tls
// connection. Deadlines are not supported; the bridge enforces them.
type bioConn struct {
	in  *BIO
	out *BIO
}

func (c *bioConn) Read(p []byte) (int, error) {
	return c.in.readWait(p)
}

func (c *bioConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *bioConn) Close() error {
	return c.in.Close()
}

func (c *bioConn) LocalAddr() net.Addr              { return bioAddr{} }
func (c *bioConn) RemoteAddr() net.Addr             { return bioAddr{} }
func (c *bioConn) SetDeadline(time.Time) error      { return nil }
func (c *bioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *bioConn) SetWriteDeadline(time.Time) error { return nil }
