package xnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xtls"
	"golang.org/x/sync/errgroup"
)

// deadlineConn applies a fresh deadline before every read and write and
// reports expiry as a SocketTimeoutError.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}

	n, err := c.Conn.Read(p)
	return n, timeoutError("read", c.readTimeout, err)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}

	n, err := c.Conn.Write(p)
	return n, timeoutError("write", c.writeTimeout, err)
}

func timeoutError(op string, d time.Duration, err error) error {
	if err == nil || d <= 0 {
		return err
	}

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &SocketTimeoutError{Op: op, Limit: d, Err: err}
	}

	return err
}

// Connection is an open socket exposed as a pair of byte channels.
//
// Two pumps move bytes between the socket and the channels. Closing Output
// gracefully shuts down the write side of the socket once everything written
// was sent; a graceful end of stream from the peer closes Input the same
// way. Socket failures cancel the affected channel with the failure.
type Connection struct {
	Address string

	// Input carries bytes received from the peer.
	Input *xio.ByteChannel
	// Output carries bytes to send to the peer.
	Output *xio.ByteChannel

	sock   net.Conn
	rawIn  *xio.ByteChannel
	rawOut *xio.ByteChannel
	tls    *xtls.Conn

	g      *errgroup.Group
	cancel context.CancelCauseFunc

	release   func()
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConnection(address string, sock net.Conn, so SocketOptions, release func(), channelOpts ...xio.ByteChannelOption) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	c := &Connection{
		Address: address,
		rawIn:   xio.NewByteChannel(channelOpts...),
		rawOut:  xio.NewByteChannel(channelOpts...),
		sock:    sock,
		g:       g,
		cancel:  cancel,
		release: release,
		closed:  make(chan struct{}),
	}
	c.Input, c.Output = c.rawIn, c.rawOut

	dc := &deadlineConn{
		Conn:         sock,
		readTimeout:  so.ReadTimeout,
		writeTimeout: so.WriteTimeout,
	}

	g.Go(func() error {
		return c.inbound(gctx, dc)
	})
	g.Go(func() error {
		return c.outbound(gctx, dc)
	})

	return c
}

func (c *Connection) inbound(ctx context.Context, src *deadlineConn) error {
	_, err := xio.CopyFrom(ctx, c.rawIn, src)
	c.rawIn.Close(err)

	return err
}

func (c *Connection) outbound(ctx context.Context, dst *deadlineConn) error {
	_, err := xio.CopyTo(ctx, dst, c.rawOut)
	if err != nil {
		c.rawOut.Cancel(err)
		return err
	}

	if cw, ok := c.sock.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}

	return nil
}

// Secure runs a TLS handshake over the socket and replaces Input and Output
// with the plaintext side of the session. It must be called before Input or
// Output are handed to anyone else.
func (c *Connection) Secure(ctx context.Context, e xtls.Engine) error {
	if c.tls != nil {
		return ErrTLSAlreadyActive
	}

	tc, err := xtls.Client(ctx, e, c.rawIn, c.rawOut)
	if err != nil {
		return err
	}

	c.tls = tc
	c.Input, c.Output = tc.Input, tc.Output

	return nil
}

// IsSecure reports whether Secure completed.
func (c *Connection) IsSecure() bool {
	return c.tls != nil
}

// Done is closed once Close has finished.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Close tears down the session and the socket, then returns the connection's
// permits. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		defer close(c.closed)
		defer c.release()

		var errs []error
		if c.tls != nil {
			errs = append(errs, c.tls.Close())
		}

		c.cancel(ErrConnectionClosed)
		c.rawIn.Cancel(ErrConnectionClosed)
		c.rawOut.Cancel(ErrConnectionClosed)

		if err := c.sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}

		// pump failures already surfaced as channel causes
		_ = c.g.Wait()

		c.closeErr = errors.Join(errs...)
	})

	return c.closeErr
}
