package xtls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xio"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConnClosed = errors.New("tls connection closed")
)

// flushOutput moves everything the engine produced into rawOut and makes it
// visible to the socket.
func flushOutput(ctx context.Context, out *BIO, rawOut *xio.ByteChannel, buf []byte) error {
	var wrote bool
	for {
		n, _ := out.Read(buf)
		if n == 0 {
			break
		}

		if _, err := rawOut.Write(ctx, buf[:n]); err != nil {
			return err
		}
		wrote = true
	}

	if wrote {
		rawOut.Flush()
	}

	return nil
}

// fillInput blocks until rawIn yields bytes and hands them to the engine.
// It returns io.EOF once rawIn is drained after a graceful close.
func fillInput(ctx context.Context, in *BIO, rawIn *xio.ByteChannel, buf []byte) error {
	n, err := rawIn.Read(ctx, buf)
	if n > 0 {
		if _, werr := in.Write(buf[:n]); werr != nil {
			return werr
		}
	}

	return err
}

// Handshake drives e until its handshake completes, shuttling raw bytes
// between the engine's BIOs and the socket channels.
func Handshake(ctx context.Context, e Engine, rawIn, rawOut *xio.ByteChannel) error {
	buf := make([]byte, xio.DefaultBufferSize)

	for {
		st, err := e.Handshake()

		if ferr := flushOutput(ctx, e.Output(), rawOut, buf); ferr != nil {
			return ferr
		}

		if err != nil {
			return fmt.Errorf("tls handshake failed: %w", err)
		}

		switch st {
		case StatusOK:
			return nil
		case StatusWantWrite:
			// output was just drained
		case StatusWantRead:
			if err := fillInput(ctx, e.Input(), rawIn, buf); err != nil {
				if errors.Is(err, io.EOF) {
					return fmt.Errorf("tls handshake failed: peer closed the connection: %w", io.ErrUnexpectedEOF)
				}
				return err
			}
		case StatusClosed:
			return ErrEngineClosed
		}
	}
}

// Conn is an established TLS session bridged onto a pair of socket
// channels. Plaintext flows through Input and Output.
type Conn struct {
	// Input carries decrypted bytes received from the peer.
	Input *xio.ByteChannel
	// Output carries plaintext bytes to encrypt and send. Closing it
	// gracefully sends a close_notify and closes the raw output.
	Output *xio.ByteChannel

	engine Engine
	rawIn  *xio.ByteChannel
	rawOut *xio.ByteChannel

	// readMu serializes engine reads with raw input refills.
	readMu sync.Mutex
	// outMu serializes writers of rawOut.
	outMu sync.Mutex

	g      *errgroup.Group
	cancel context.CancelCauseFunc
	once   sync.Once
	err    error
}

// Client performs the handshake under ctx and then starts the inbound and
// outbound pumps. The pumps outlive ctx; they stop on Close or when either
// side of the connection ends.
func Client(ctx context.Context, e Engine, rawIn, rawOut *xio.ByteChannel) (*Conn, error) {
	if err := Handshake(ctx, e, rawIn, rawOut); err != nil {
		return nil, errors.Join(err, e.Close())
	}

	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(base)

	c := &Conn{
		Input:  xio.NewByteChannel(),
		Output: xio.NewByteChannel(),
		engine: e,
		rawIn:  rawIn,
		rawOut: rawOut,
		g:      g,
		cancel: cancel,
	}

	g.Go(func() error {
		return c.inbound(gctx)
	})
	g.Go(func() error {
		return c.outbound(gctx)
	})

	return c, nil
}

func (c *Conn) flush(ctx context.Context, buf []byte) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	return flushOutput(ctx, c.engine.Output(), c.rawOut, buf)
}

func (c *Conn) refill(ctx context.Context, buf []byte) error {
	err := fillInput(ctx, c.engine.Input(), c.rawIn, buf)
	if errors.Is(err, io.EOF) {
		// let the engine report the end of stream itself
		return c.engine.Input().Close()
	}

	return err
}

func (c *Conn) inbound(ctx context.Context) (retErr error) {
	defer func() {
		if retErr != nil {
			c.Input.Cancel(retErr)
		}
	}()

	plain := make([]byte, xio.DefaultBufferSize)
	raw := make([]byte, xio.DefaultBufferSize)

	for {
		c.readMu.Lock()
		n, st, err := c.engine.Read(plain)
		if err == nil && (st == StatusWantRead || (st == StatusOK && n == 0)) {
			err = c.refill(ctx, raw)
			c.readMu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		c.readMu.Unlock()

		// reads can produce alerts and post-handshake messages
		if ferr := c.flush(ctx, raw); ferr != nil {
			return ferr
		}

		if n > 0 {
			if _, werr := c.Input.Write(ctx, plain[:n]); werr != nil {
				return werr
			}
			c.Input.Flush()
			continue
		}

		if err != nil {
			return err
		}

		if st == StatusClosed {
			c.Input.Close(nil)
			return nil
		}
	}
}

// write feeds p to the engine until all of it was consumed or the engine
// reports closure.
func (c *Conn) write(ctx context.Context, p []byte, raw []byte) error {
	for len(p) > 0 {
		n, st, err := c.engine.Write(p)
		p = p[n:]

		if ferr := c.flush(ctx, raw); ferr != nil {
			return ferr
		}

		if err != nil {
			return err
		}

		switch st {
		case StatusClosed:
			return ErrEngineClosed
		case StatusWantRead:
			c.readMu.Lock()
			err := c.refill(ctx, raw)
			c.readMu.Unlock()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Conn) outbound(ctx context.Context) (retErr error) {
	defer func() {
		if retErr != nil {
			c.Output.Cancel(retErr)
			c.rawOut.Cancel(retErr)
		}
	}()

	plain := make([]byte, xio.DefaultBufferSize)
	raw := make([]byte, xio.DefaultBufferSize)

	for {
		n, err := c.Output.Read(ctx, plain)
		if n > 0 {
			if werr := c.write(ctx, plain[:n], raw); werr != nil {
				return werr
			}
		}

		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) {
			return err
		}

		if cerr := c.engine.CloseWrite(); cerr != nil {
			return cerr
		}

		if ferr := c.flush(ctx, raw); ferr != nil {
			return ferr
		}

		c.outMu.Lock()
		c.rawOut.Close(nil)
		c.outMu.Unlock()

		return nil
	}
}

// Wait blocks until both pumps have stopped.
func (c *Conn) Wait() error {
	return c.g.Wait()
}

// Close stops both pumps and releases the engine. The raw input channel is
// left to its owner.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.cancel(ErrConnClosed)
		c.Input.Cancel(ErrConnClosed)
		c.Output.Cancel(ErrConnClosed)

		err := c.g.Wait()
		if errors.Is(err, ErrConnClosed) {
			err = nil
		}

		c.err = errors.Join(err, c.engine.Close())
	})

	return c.err
}
