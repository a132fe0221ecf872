package xio

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

type closeState struct {
	cause error
}

// ByteChannel is a bounded byte stream between exactly one reader and
// exactly one writer, both of which may run at the same time.
//
// Written bytes become visible to the reader only after Flush. Blocking
// operations take a context and fail with its cause when it is done.
//
// The ring buffer is borrowed from a BufferPool while the channel holds
// data and is handed back whenever the channel is idle and drained.
type ByteChannel struct {
	capacity RingBufferCapacity
	state    atomic.Uint32
	buf      atomic.Pointer[[]byte]
	pool     *BufferPool

	// readPos is owned by the reader and writePos by the writer.
	readPos  int
	writePos int

	readOp  atomic.Bool
	writeOp atomic.Bool

	closed      atomic.Pointer[closeState]
	closedCh    chan struct{}
	readSignal  chan struct{}
	writeSignal chan struct{}

	autoFlush    bool
	totalRead    atomic.Int64
	totalWritten atomic.Int64
}

type channelConfig struct {
	pool      *BufferPool
	autoFlush bool
}

type ByteChannelOption func(*channelConfig)

type byteChannelOptions struct{}

func ByteChannelOpts() byteChannelOptions {
	return byteChannelOptions{}
}

// AutoFlush makes every successful write publish its bytes immediately.
func (byteChannelOptions) AutoFlush(b bool) ByteChannelOption {
	return func(cfg *channelConfig) {
		cfg.autoFlush = b
	}
}

func (byteChannelOptions) BufferPool(p *BufferPool) ByteChannelOption {
	return func(cfg *channelConfig) {
		cfg.pool = p
	}
}

// BufferSize gives the channel a private buffer of n bytes. It panics if n
// is not positive.
func (byteChannelOptions) BufferSize(n int) ByteChannelOption {
	return func(cfg *channelConfig) {
		cfg.pool = mustBufferPool(n, 1)
	}
}

func NewByteChannel(options ...ByteChannelOption) *ByteChannel {
	cfg := channelConfig{
		pool: defaultBufferPool,
	}

	for _, op := range options {
		op(&cfg)
	}

	c := &ByteChannel{
		pool:        cfg.pool,
		autoFlush:   cfg.autoFlush,
		closedCh:    make(chan struct{}),
		readSignal:  make(chan struct{}, 1),
		writeSignal: make(chan struct{}, 1),
	}

	c.capacity.init(cfg.pool.Size())
	// no buffer is attached yet, so nothing may be reserved
	c.capacity.ForceLockForRelease()
	c.state.Store(uint32(StateEmpty))

	return c
}

// NewByteChannelFrom returns a gracefully closed channel holding a copy of b.
func NewByteChannelFrom(b []byte) *ByteChannel {
	c := NewByteChannel(ByteChannelOpts().BufferSize(max(len(b), 1)))

	if _, err := c.Write(context.Background(), b); err != nil {
		panic(err)
	}

	c.Close(nil)

	return c
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *ByteChannel) loadState() BufferState {
	return BufferState(c.state.Load())
}

func (c *ByteChannel) casState(from, to BufferState) bool {
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

// State returns a snapshot of the buffer state.
func (c *ByteChannel) State() BufferState {
	return c.loadState()
}

func (c *ByteChannel) AvailableForRead() int {
	return c.capacity.AvailableForRead()
}

func (c *ByteChannel) AvailableForWrite() int {
	if c.loadState() == StateEmpty && c.closed.Load() == nil {
		return c.capacity.TotalCapacity()
	}

	return c.capacity.AvailableForWrite()
}

func (c *ByteChannel) TotalBytesRead() int64 {
	return c.totalRead.Load()
}

func (c *ByteChannel) TotalBytesWritten() int64 {
	return c.totalWritten.Load()
}

// Done is closed once the channel is closed or cancelled.
func (c *ByteChannel) Done() <-chan struct{} {
	return c.closedCh
}

// ClosedCause returns the error the channel was closed with, or nil if it
// is open or was closed gracefully.
func (c *ByteChannel) ClosedCause() error {
	if cs := c.closed.Load(); cs != nil {
		return cs.cause
	}

	return nil
}

func (c *ByteChannel) IsClosedForWrite() bool {
	return c.closed.Load() != nil
}

// IsClosedForRead reports whether reads can never again return data.
func (c *ByteChannel) IsClosedForRead() bool {
	cs := c.closed.Load()
	if cs == nil {
		return false
	}

	return cs.cause != nil || (c.capacity.AvailableForRead() == 0 && c.capacity.PendingToFlush() == 0)
}

//
// buffer ownership
//

func (c *ByteChannel) enterReading() bool {
	for {
		s := c.loadState()
		if s == StateEmpty || s == StateTerminated {
			return false
		}

		next, err := transition(s, eventStartReading)
		if err != nil {
			contractViolation("read", err.Error())
		}

		if c.casState(s, next) {
			return true
		}
	}
}

func (c *ByteChannel) exitReading() {
	for {
		s := c.loadState()
		next, err := transition(s, eventStopReading)
		if err != nil {
			contractViolation("read", err.Error())
		}

		if c.casState(s, next) {
			if next == StateInitial {
				c.tryRelease()
			}
			return
		}
	}
}

func (c *ByteChannel) enterWriting() bool {
	for {
		s := c.loadState()
		next, err := transition(s, eventStartWriting)
		if err != nil {
			if errors.Is(err, errStateTerminated) {
				return false
			}
			contractViolation("write", err.Error())
		}

		if !c.casState(s, next) {
			continue
		}

		if s == StateEmpty {
			c.buf.Store(c.pool.Get())
			c.capacity.ResetForWrite()
		}

		return true
	}
}

func (c *ByteChannel) exitWriting() {
	for {
		s := c.loadState()
		next, err := transition(s, eventStopWriting)
		if err != nil {
			contractViolation("write", err.Error())
		}

		if c.casState(s, next) {
			if next == StateInitial {
				c.tryRelease()
			}
			return
		}
	}
}

// tryRelease hands the buffer back to the pool if the channel is idle and
// fully drained.
func (c *ByteChannel) tryRelease() {
	if c.closed.Load() != nil {
		c.tryTerminate()
		return
	}

	if !c.capacity.TryLockForRelease() {
		return
	}

	// the buffer cannot be swapped while the capacity is locked
	b := c.buf.Load()

	next, err := transition(StateInitial, eventRelease)
	if err != nil {
		panic(err)
	}

	if !c.casState(StateInitial, next) {
		if c.loadState() != StateTerminated {
			c.capacity.ResetForWrite()
		}
		signal(c.writeSignal)
		return
	}

	c.buf.CompareAndSwap(b, nil)
	c.pool.Put(b)

	// a writer may have given up on the locked capacity in the meantime
	signal(c.writeSignal)
}

// tryTerminate finishes a closed channel once it is idle and drained.
func (c *ByteChannel) tryTerminate() {
	for {
		switch s := c.loadState(); s {
		case StateEmpty:
			if c.casState(s, StateTerminated) {
				return
			}
		case StateInitial:
			if !c.capacity.TryLockForRelease() {
				return
			}

			b := c.buf.Load()
			if c.casState(s, StateTerminated) {
				c.buf.Store(nil)
				c.pool.Put(b)
				return
			}

			if c.loadState() != StateTerminated {
				c.capacity.ResetForWrite()
			}
			return
		default:
			return
		}
	}
}

// terminate discards any buffered data. A buffer still in use by a reader
// or writer is not returned to the pool.
func (c *ByteChannel) terminate() {
	c.capacity.ForceLockForRelease()

	for {
		s := c.loadState()
		if s == StateTerminated {
			return
		}

		next, _ := transition(s, eventTerminate)
		if c.casState(s, next) {
			if s == StateInitial {
				if b := c.buf.Swap(nil); b != nil {
					c.pool.Put(b)
				}
			}
			return
		}
	}
}

//
// single reader / single writer guards
//

func (c *ByteChannel) beginRead(op string) {
	if !c.readOp.CompareAndSwap(false, true) {
		contractViolation(op, errDoubleReader.Error())
	}
}

func (c *ByteChannel) endRead() {
	c.readOp.Store(false)
}

func (c *ByteChannel) beginWrite(op string) {
	if !c.writeOp.CompareAndSwap(false, true) {
		contractViolation(op, errDoubleWriter.Error())
	}
}

func (c *ByteChannel) endWrite() {
	c.writeOp.Store(false)
}

func (c *ByteChannel) await(ctx context.Context, signal <-chan struct{}) error {
	select {
	case <-signal:
		return nil
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

//
// read side
//

// tryRead copies up to len(p) readable bytes into p, or skips them when
// p is nil.
func (c *ByteChannel) tryRead(p []byte, limit int) int {
	if limit == 0 || c.capacity.AvailableForRead() == 0 {
		return 0
	}

	if !c.enterReading() {
		return 0
	}
	defer c.exitReading()

	n := c.capacity.TryReadAtMost(limit)
	if n == 0 {
		return 0
	}

	pos := c.readPos
	if p != nil {
		buf := *c.buf.Load()
		k := copy(p[:n], buf[pos:])
		if k < n {
			copy(p[k:n], buf[:n-k])
		}
	}
	c.readPos = (pos + n) % c.capacity.TotalCapacity()

	c.totalRead.Add(int64(n))
	c.capacity.CompleteRead(n)
	signal(c.writeSignal)

	return n
}

// readSome blocks until at least one byte was read, the channel is drained
// after a graceful close (io.EOF) or an error occurs.
func (c *ByteChannel) readSome(ctx context.Context, p []byte, limit int) (int, error) {
	for {
		cs := c.closed.Load()
		if cs != nil && cs.cause != nil {
			return 0, &ChannelClosedError{Cause: cs.cause}
		}

		if n := c.tryRead(p, limit); n > 0 {
			return n, nil
		}

		if cs != nil {
			// a flush may have raced with the close
			if n := c.tryRead(p, limit); n > 0 {
				return n, nil
			}

			c.tryTerminate()
			return 0, io.EOF
		}

		if err := c.await(ctx, c.readSignal); err != nil {
			return 0, err
		}
	}
}

// Read blocks until at least one byte is available and reads up to len(p)
// bytes. It returns io.EOF once a gracefully closed channel is drained.
func (c *ByteChannel) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c.beginRead("Read")
	defer c.endRead()

	return c.readSome(ctx, p, len(p))
}

func (c *ByteChannel) ReadOneByte(ctx context.Context) (byte, error) {
	var b [1]byte

	c.beginRead("ReadOneByte")
	defer c.endRead()

	if _, err := c.readSome(ctx, b[:], 1); err != nil {
		return 0, err
	}

	return b[0], nil
}

// ReadFull reads exactly len(p) bytes. It returns io.EOF if nothing was
// read and io.ErrUnexpectedEOF if the channel ended part way.
func (c *ByteChannel) ReadFull(ctx context.Context, p []byte) error {
	c.beginRead("ReadFull")
	defer c.endRead()

	var off int
	for off < len(p) {
		n, err := c.readSome(ctx, p[off:], len(p)-off)
		off += n
		if err != nil {
			if errors.Is(err, io.EOF) && off > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}

	return nil
}

// Discard skips up to n bytes and returns how many were skipped. Reaching
// the end of a gracefully closed channel is not an error.
func (c *ByteChannel) Discard(ctx context.Context, n int64) (int64, error) {
	c.beginRead("Discard")
	defer c.endRead()

	var discarded int64
	for discarded < n {
		k, err := c.readSome(ctx, nil, int(min(n-discarded, math.MaxInt32)))
		discarded += int64(k)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return discarded, nil
			}
			return discarded, err
		}
	}

	return discarded, nil
}

// AwaitContent blocks until bytes are readable and returns true, or
// returns false once a gracefully closed channel is drained.
func (c *ByteChannel) AwaitContent(ctx context.Context) (bool, error) {
	c.beginRead("AwaitContent")
	defer c.endRead()

	for {
		cs := c.closed.Load()
		if cs != nil && cs.cause != nil {
			return false, &ChannelClosedError{Cause: cs.cause}
		}

		if c.capacity.AvailableForRead() > 0 {
			return true, nil
		}

		if cs != nil {
			return c.capacity.AvailableForRead() > 0, nil
		}

		if err := c.await(ctx, c.readSignal); err != nil {
			return false, err
		}
	}
}

//
// write side
//

func (c *ByteChannel) tryWrite(p []byte) (int, bool) {
	if !c.enterWriting() {
		return 0, false
	}
	defer c.exitWriting()

	n := c.capacity.TryWriteAtMost(len(p))
	if n == 0 {
		return 0, true
	}

	buf := *c.buf.Load()
	pos := c.writePos
	k := copy(buf[pos:], p[:n])
	if k < n {
		copy(buf, p[k:n])
	}
	c.writePos = (pos + n) % len(buf)

	c.totalWritten.Add(int64(n))
	c.capacity.CompleteWrite(n)

	return n, true
}

func (c *ByteChannel) writeFully(ctx context.Context, p []byte) (int, error) {
	var written int
	for {
		if cs := c.closed.Load(); cs != nil {
			return written, &ChannelClosedError{Cause: cs.cause}
		}

		if written == len(p) {
			return written, nil
		}

		n, ok := c.tryWrite(p[written:])
		if !ok {
			return written, &ChannelClosedError{Cause: c.ClosedCause()}
		}
		written += n

		if n == 0 {
			// the buffer is full; make it readable before waiting on the reader
			c.Flush()

			if err := c.await(ctx, c.writeSignal); err != nil {
				return written, err
			}
		}
	}
}

// Write writes all of p, blocking while the buffer is full. The bytes are
// not visible to the reader until Flush unless the channel auto flushes.
func (c *ByteChannel) Write(ctx context.Context, p []byte) (int, error) {
	c.beginWrite("Write")
	defer c.endWrite()

	n, err := c.writeFully(ctx, p)
	if err == nil && c.autoFlush {
		c.Flush()
	}

	return n, err
}

func (c *ByteChannel) WriteOneByte(ctx context.Context, b byte) error {
	p := [1]byte{b}
	_, err := c.Write(ctx, p[:])
	return err
}

// WritePacket writes the content of pkt and returns pkt to bytebufferpool.
func (c *ByteChannel) WritePacket(ctx context.Context, pkt *bytebufferpool.ByteBuffer) error {
	defer bytebufferpool.Put(pkt)

	_, err := c.Write(ctx, pkt.B)
	return err
}

// Flush publishes written bytes to the reader. It never blocks.
func (c *ByteChannel) Flush() {
	if c.capacity.Flush() {
		signal(c.readSignal)
	}
}

// Close closes the channel. A nil cause is a graceful close: pending bytes
// are flushed and the reader sees io.EOF after draining them. A non-nil
// cause discards buffered bytes and fails every operation with a
// ChannelClosedError carrying it.
//
// Only the first call has an effect; it reports whether this call closed
// the channel.
func (c *ByteChannel) Close(cause error) bool {
	if cause == nil {
		c.Flush()
	}

	if !c.closed.CompareAndSwap(nil, &closeState{cause: cause}) {
		return false
	}

	close(c.closedCh)

	if cause == nil {
		c.Flush()
		c.tryTerminate()
	} else {
		c.terminate()
	}

	signal(c.readSignal)
	signal(c.writeSignal)

	return true
}

// Cancel closes the channel with cause, or with ErrChannelCancelled when
// cause is nil.
func (c *ByteChannel) Cancel(cause error) bool {
	if cause == nil {
		cause = ErrChannelCancelled
	}

	return c.Close(cause)
}
