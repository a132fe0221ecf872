package xio

import (
	"strconv"
	"sync/atomic"
)

// RingBufferCapacity tracks how the bytes of a fixed size ring buffer are
// split between the reader, the writer and written-but-unflushed data.
//
// All mutations are compare-and-swap loops; nothing here blocks. When no
// reservation is outstanding the three counters always sum to the total
// capacity.
type RingBufferCapacity struct {
	totalCapacity     int64
	availableForRead  atomic.Int64
	availableForWrite atomic.Int64
	pendingToFlush    atomic.Int64
}

func NewRingBufferCapacity(totalCapacity int) *RingBufferCapacity {
	c := &RingBufferCapacity{}
	c.init(totalCapacity)
	return c
}

func (c *RingBufferCapacity) init(totalCapacity int) {
	if totalCapacity <= 0 {
		panic("xio: ring buffer capacity must be greater than zero")
	}

	c.totalCapacity = int64(totalCapacity)
	c.availableForWrite.Store(c.totalCapacity)
}

func (c *RingBufferCapacity) TotalCapacity() int {
	return int(c.totalCapacity)
}

func (c *RingBufferCapacity) AvailableForRead() int {
	return int(c.availableForRead.Load())
}

func (c *RingBufferCapacity) AvailableForWrite() int {
	return int(c.availableForWrite.Load())
}

func (c *RingBufferCapacity) PendingToFlush() int {
	return int(c.pendingToFlush.Load())
}

// ResetForWrite makes the whole buffer writable.
func (c *RingBufferCapacity) ResetForWrite() {
	c.availableForRead.Store(0)
	c.pendingToFlush.Store(0)
	c.availableForWrite.Store(c.totalCapacity)
}

// ResetForRead makes the whole buffer readable.
func (c *RingBufferCapacity) ResetForRead() {
	c.availableForRead.Store(c.totalCapacity)
	c.pendingToFlush.Store(0)
	c.availableForWrite.Store(0)
}

func tryAtLeast(v *atomic.Int64, n int) int {
	for {
		remaining := v.Load()
		if remaining < int64(n) || remaining == 0 {
			return 0
		}

		if v.CompareAndSwap(remaining, 0) {
			return int(remaining)
		}
	}
}

func tryExact(v *atomic.Int64, n int) bool {
	for {
		remaining := v.Load()
		if remaining < int64(n) {
			return false
		}

		if v.CompareAndSwap(remaining, remaining-int64(n)) {
			return true
		}
	}
}

func tryAtMost(v *atomic.Int64, n int) int {
	for {
		remaining := v.Load()
		delta := min(remaining, int64(n))
		if delta <= 0 {
			return 0
		}

		if v.CompareAndSwap(remaining, remaining-delta) {
			return int(delta)
		}
	}
}

// TryReadAtLeast reserves everything readable if at least n bytes are
// readable, returning the reserved amount or 0.
func (c *RingBufferCapacity) TryReadAtLeast(n int) int {
	return tryAtLeast(&c.availableForRead, n)
}

func (c *RingBufferCapacity) TryReadExact(n int) bool {
	return tryExact(&c.availableForRead, n)
}

// TryReadAtMost reserves up to n readable bytes, returning the reserved
// amount or 0.
func (c *RingBufferCapacity) TryReadAtMost(n int) int {
	return tryAtMost(&c.availableForRead, n)
}

// TryWriteAtLeast reserves all writable space if at least n bytes are
// writable, returning the reserved amount or 0.
func (c *RingBufferCapacity) TryWriteAtLeast(n int) int {
	return tryAtLeast(&c.availableForWrite, n)
}

func (c *RingBufferCapacity) TryWriteExact(n int) bool {
	return tryExact(&c.availableForWrite, n)
}

// TryWriteAtMost reserves up to n writable bytes, returning the reserved
// amount or 0.
func (c *RingBufferCapacity) TryWriteAtMost(n int) int {
	return tryAtMost(&c.availableForWrite, n)
}

// CompleteRead hands n consumed bytes back to the writer.
func (c *RingBufferCapacity) CompleteRead(n int) {
	for {
		current := c.availableForWrite.Load()
		update := current + int64(n)
		if update > c.totalCapacity {
			contractViolation("CompleteRead", c.overflowMsg("availableForWrite", current, n))
		}

		if c.availableForWrite.CompareAndSwap(current, update) {
			return
		}
	}
}

// CompleteWrite marks n reserved bytes as written but not yet visible to
// the reader.
func (c *RingBufferCapacity) CompleteWrite(n int) {
	for {
		pending := c.pendingToFlush.Load()
		update := pending + int64(n)
		if update > c.totalCapacity {
			contractViolation("CompleteWrite", c.overflowMsg("pendingToFlush", pending, n))
		}

		if c.pendingToFlush.CompareAndSwap(pending, update) {
			return
		}
	}
}

// Flush publishes all pending bytes to the reader and reports whether
// anything is readable afterwards.
func (c *RingBufferCapacity) Flush() bool {
	pending := c.pendingToFlush.Swap(0)
	for {
		current := c.availableForRead.Load()
		update := current + pending
		if current == update || c.availableForRead.CompareAndSwap(current, update) {
			return update > 0
		}
	}
}

// TryLockForRelease takes all write capacity away if the buffer is fully
// drained, so that no new reservation can succeed.
func (c *RingBufferCapacity) TryLockForRelease() bool {
	if c.pendingToFlush.Load() > 0 || c.availableForRead.Load() > 0 {
		return false
	}

	return c.availableForWrite.CompareAndSwap(c.totalCapacity, 0)
}

// ForceLockForRelease takes all write capacity away regardless of any
// buffered data.
func (c *RingBufferCapacity) ForceLockForRelease() {
	c.availableForWrite.Swap(0)
}

func (c *RingBufferCapacity) IsEmpty() bool {
	return c.availableForWrite.Load() == c.totalCapacity
}

func (c *RingBufferCapacity) IsFull() bool {
	return c.availableForWrite.Load() == 0
}

func (c *RingBufferCapacity) String() string {
	return "RingBufferCapacity[read: " + strconv.FormatInt(c.availableForRead.Load(), 10) +
		", write: " + strconv.FormatInt(c.availableForWrite.Load(), 10) +
		", flush: " + strconv.FormatInt(c.pendingToFlush.Load(), 10) +
		", capacity: " + strconv.FormatInt(c.totalCapacity, 10) + "]"
}

func (c *RingBufferCapacity) overflowMsg(counter string, current int64, n int) string {
	return counter + " overflow: " + strconv.FormatInt(current, 10) + " + " + strconv.Itoa(n) +
		" > " + strconv.FormatInt(c.totalCapacity, 10)
}
