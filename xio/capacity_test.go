package xio

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireConserved(t *testing.T, c *RingBufferCapacity) {
	t.Helper()

	sum := c.AvailableForRead() + c.AvailableForWrite() + c.PendingToFlush()
	require.Equal(t, c.TotalCapacity(), sum, c.String())
	require.GreaterOrEqual(t, c.AvailableForRead(), 0)
	require.GreaterOrEqual(t, c.AvailableForWrite(), 0)
	require.GreaterOrEqual(t, c.PendingToFlush(), 0)
}

func TestCapacityWriteFlushRead(t *testing.T) {
	c := NewRingBufferCapacity(16)
	requireConserved(t, c)
	require.True(t, c.IsEmpty())

	n := c.TryWriteAtMost(10)
	require.Equal(t, 10, n)
	c.CompleteWrite(n)
	requireConserved(t, c)
	require.Equal(t, 10, c.PendingToFlush())
	require.Equal(t, 0, c.TryReadAtMost(1))

	require.True(t, c.Flush())
	requireConserved(t, c)
	require.Equal(t, 10, c.AvailableForRead())

	require.Equal(t, 0, c.TryReadAtLeast(11))
	require.Equal(t, 10, c.TryReadAtLeast(4))
	c.CompleteRead(10)
	requireConserved(t, c)
	require.True(t, c.IsEmpty())
	require.False(t, c.Flush())
}

func TestCapacityExactAndAtLeast(t *testing.T) {
	c := NewRingBufferCapacity(8)

	require.False(t, c.TryWriteExact(9))
	require.True(t, c.TryWriteExact(8))
	require.True(t, c.IsFull())
	require.Equal(t, 0, c.TryWriteAtLeast(1))
	c.CompleteWrite(8)
	c.Flush()

	require.True(t, c.TryReadExact(3))
	c.CompleteRead(3)
	requireConserved(t, c)

	require.Equal(t, 3, c.TryWriteAtLeast(2))
	c.CompleteWrite(3)
	requireConserved(t, c)
}

func TestCapacityOverflowIsContractViolation(t *testing.T) {
	c := NewRingBufferCapacity(4)

	require.PanicsWithError(t, (&ContractViolationError{
		Op:  "CompleteRead",
		Msg: "availableForWrite overflow: 4 + 1 > 4",
	}).Error(), func() {
		c.CompleteRead(1)
	})

	require.Panics(t, func() {
		c.CompleteWrite(5)
	})
}

func TestCapacityLockForRelease(t *testing.T) {
	c := NewRingBufferCapacity(8)

	require.True(t, c.TryLockForRelease())
	require.Equal(t, 0, c.AvailableForWrite())
	require.False(t, c.TryLockForRelease())

	c.ResetForWrite()
	requireConserved(t, c)

	require.Equal(t, 2, c.TryWriteAtMost(2))
	c.CompleteWrite(2)
	require.False(t, c.TryLockForRelease(), "pending bytes must block release")

	c.Flush()
	require.False(t, c.TryLockForRelease(), "readable bytes must block release")

	c.ForceLockForRelease()
	require.True(t, c.IsFull())

	c.ResetForRead()
	require.Equal(t, 8, c.AvailableForRead())
	requireConserved(t, c)
}

func TestCapacityConservationRandomSequence(t *testing.T) {
	const total = 64
	c := NewRingBufferCapacity(total)
	r := rand.New(rand.NewPCG(1, 2))

	for range 10_000 {
		switch r.IntN(5) {
		case 0:
			n := c.TryWriteAtMost(r.IntN(total) + 1)
			c.CompleteWrite(n)
		case 1:
			if k := r.IntN(8) + 1; c.TryWriteExact(k) {
				c.CompleteWrite(k)
			}
		case 2:
			c.Flush()
		case 3:
			n := c.TryReadAtMost(r.IntN(total) + 1)
			c.CompleteRead(n)
		case 4:
			n := c.TryReadAtLeast(r.IntN(4) + 1)
			c.CompleteRead(n)
		}

		requireConserved(t, c)
	}
}

func TestCapacityConcurrentProducerConsumer(t *testing.T) {
	const (
		total  = 32
		amount = 20_000
	)
	c := NewRingBufferCapacity(total)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for sent := 0; sent < amount; {
			n := c.TryWriteAtMost(amount - sent)
			if n == 0 {
				c.Flush()
				runtime.Gosched()
				continue
			}
			c.CompleteWrite(n)
			c.Flush()
			sent += n
		}
	}()

	go func() {
		defer wg.Done()
		for received := 0; received < amount; {
			n := c.TryReadAtMost(total)
			if n == 0 {
				runtime.Gosched()
				continue
			}
			c.CompleteRead(n)
			received += n
		}
	}()

	wg.Wait()
	requireConserved(t, c)
	require.True(t, c.IsEmpty())
}
