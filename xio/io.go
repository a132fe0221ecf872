package xio

import (
	"context"
	"io"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xascii"
)

// ChannelReader exposes the read side of a ByteChannel as an io.Reader.
//
// Reads observe the context most recently set with SetContext, which lets
// one long lived reader (for example a bufio.Reader) serve a sequence of
// requests that each carry their own deadline.
type ChannelReader struct {
	ch  *ByteChannel
	ctx context.Context
}

func NewChannelReader(ctx context.Context, ch *ByteChannel) *ChannelReader {
	return &ChannelReader{ch: ch, ctx: ctx}
}

// SetContext must not be called concurrently with Read.
func (r *ChannelReader) SetContext(ctx context.Context) {
	r.ctx = ctx
}

func (r *ChannelReader) Read(p []byte) (int, error) {
	return r.ch.Read(r.ctx, p)
}

func (r *ChannelReader) ReadByte() (byte, error) {
	return r.ch.ReadOneByte(r.ctx)
}

// ChannelWriter exposes the write side of a ByteChannel as an io.Writer.
// Bytes are published to the reader on Flush.
type ChannelWriter struct {
	ch  *ByteChannel
	ctx context.Context
}

func NewChannelWriter(ctx context.Context, ch *ByteChannel) *ChannelWriter {
	return &ChannelWriter{ch: ch, ctx: ctx}
}

// SetContext must not be called concurrently with Write.
func (w *ChannelWriter) SetContext(ctx context.Context) {
	w.ctx = ctx
}

func (w *ChannelWriter) Write(p []byte) (int, error) {
	return w.ch.Write(w.ctx, p)
}

// WriteString copies s into the channel without converting it first.
func (w *ChannelWriter) WriteString(s string) (int, error) {
	return w.ch.Write(w.ctx, xascii.UnsafeConstBytes(s))
}

func (w *ChannelWriter) Flush() error {
	w.ch.Flush()

	if cause := w.ch.ClosedCause(); cause != nil {
		return &ChannelClosedError{Cause: cause}
	}

	return nil
}

// Close closes the channel gracefully.
func (w *ChannelWriter) Close() error {
	w.ch.Close(nil)
	return nil
}

var (
	_ io.Reader       = (*ChannelReader)(nil)
	_ io.ByteReader   = (*ChannelReader)(nil)
	_ io.WriteCloser  = (*ChannelWriter)(nil)
	_ io.StringWriter = (*ChannelWriter)(nil)
)
