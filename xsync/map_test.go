package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type route struct {
	name string
}

func TestMapCompareAndDelete(t *testing.T) {
	m := NewMap[string, *route]()

	first := &route{"first"}
	m.Store("example.com:80", first)

	replacement := &route{"replacement"}
	require.False(t, m.CompareAndDelete("example.com:80", replacement))

	v, ok := m.Load("example.com:80")
	require.True(t, ok)
	require.Same(t, first, v)

	require.True(t, m.CompareAndDelete("example.com:80", first))
	_, ok = m.Load("example.com:80")
	require.False(t, ok)
}

func TestMapLoadAndDelete(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.LoadAndDelete("missing")
	require.False(t, ok)

	m.Store("a", 1)
	v, ok := m.LoadAndDelete("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.Load("a")
	require.False(t, ok)
}

func TestLockableMapLoadOrStoreSingleWinner(t *testing.T) {
	m := NewLockableMap[string, *route]()

	const n = 64
	results := make([]*route, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := m.LoadOrStore("host", &route{})
			results[i] = v
		}()
	}
	wg.Wait()

	for _, v := range results {
		require.Same(t, results[0], v)
	}
}

func TestLockableMapWithWriteLockDrains(t *testing.T) {
	m := NewLockableMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)

	var sum int
	m.WithWriteLock(func(inner Map[string, int]) {
		inner.Range(func(k string, v int) bool {
			sum += v
			inner.Delete(k)
			return true
		})
	})

	require.Equal(t, 3, sum)

	var remaining int
	m.Range(func(string, int) bool {
		remaining++
		return true
	})
	require.Zero(t, remaining)
}
