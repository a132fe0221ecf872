package xio

import (
	"context"
	"errors"
	"io"
)

// CopyFrom moves bytes from src into dst until src is exhausted, flushing
// after every read so the reader of dst sees data as soon as it arrives.
//
// It returns a nil error when src reports io.EOF. dst is left open.
func CopyFrom(ctx context.Context, dst *ByteChannel, src io.Reader) (int64, error) {
	bp := defaultBufferPool.Get()
	defer defaultBufferPool.Put(bp)
	buf := *bp

	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(ctx, buf[:n]); err != nil {
				return total, err
			}
			dst.Flush()
			total += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// CopyTo moves bytes from src into dst until src is closed. It returns a
// nil error when src was closed gracefully and fully drained.
func CopyTo(ctx context.Context, dst io.Writer, src *ByteChannel) (int64, error) {
	bp := defaultBufferPool.Get()
	defer defaultBufferPool.Put(bp)
	buf := *bp

	var total int64
	for {
		n, rerr := src.Read(ctx, buf)
		if n > 0 {
			m, err := dst.Write(buf[:n])
			total += int64(m)
			if err != nil {
				return total, err
			}
			if m != n {
				return total, io.ErrShortWrite
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
