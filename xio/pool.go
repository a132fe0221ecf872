package xio

import (
	"github.com/josephcopenhaver/go-exp-cio-http-engine/xqueue"
)

const (
	// DefaultBufferSize is the ring buffer size of channels created without
	// an explicit size.
	DefaultBufferSize = 4096

	defaultPoolMaxIdle = 1024
)

// BufferPool hands out fixed size byte slices backed by a bounded LIFO
// free list. Slices that do not fit in the free list are left to the
// garbage collector.
type BufferPool struct {
	size int
	free xqueue.LIFO[*[]byte]
}

func NewBufferPool(size, maxIdle int) (*BufferPool, error) {
	if size <= 0 {
		return nil, errInvalidBufferSize
	}

	op := xqueue.LIFOOpts()
	free, err := xqueue.NewLIFO[*[]byte](op.MaxCapacity(maxIdle))
	if err != nil {
		return nil, err
	}

	return &BufferPool{size: size, free: free}, nil
}

func mustBufferPool(size, maxIdle int) *BufferPool {
	p, err := NewBufferPool(size, maxIdle)
	if err != nil {
		panic(err)
	}

	return p
}

var defaultBufferPool = mustBufferPool(DefaultBufferSize, defaultPoolMaxIdle)

func (p *BufferPool) Size() int {
	return p.size
}

// Idle returns the number of buffers currently held by the free list.
func (p *BufferPool) Idle() int {
	return p.free.Len()
}

func (p *BufferPool) Get() *[]byte {
	if b, ok := p.free.Get(); ok {
		return b
	}

	b := make([]byte, p.size)
	return &b
}

func (p *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != p.size {
		return
	}

	p.free.Put(b)
}
