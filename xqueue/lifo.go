package xqueue

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
)

// LIFO is a bounded stack safe for concurrent use.
//
// It is used as a free list: the most recently returned value is the
// first one handed back out, which keeps hot buffers in cache.
type LIFO[T any] interface {
	Get() (T, bool)
	Put(T) bool
	Len() int
	Close() error
}

type lifo[T any] struct {
	mu          sync.Mutex
	stack       []T
	maxCapacity int
	closed      bool
}

type lifoConfig struct {
	initialCapacity    int
	maxCapacity        int
	initialCapacitySet bool
	maxCapacitySet     bool
}

func (cfg *lifoConfig) validate() error {
	if !cfg.maxCapacitySet {
		if cfg.initialCapacitySet {
			cfg.maxCapacity = cfg.initialCapacity
		} else {
			cfg.maxCapacity = math.MaxInt
		}
	}

	if cfg.initialCapacity < 0 {
		return errors.New("initialCapacity must be greater than or equal to 0")
	}

	if cfg.maxCapacity <= 0 || cfg.maxCapacity < cfg.initialCapacity {
		return errors.New("maxCapacity must be greater than zero and greater than or equal to initialCapacity")
	}

	return nil
}

type LIFOOption func(*lifoConfig)

type lifoOptions struct{}

func (lifoOptions) InitialCapacity(n int) LIFOOption {
	return func(cfg *lifoConfig) {
		cfg.initialCapacity = n
		cfg.initialCapacitySet = true
	}
}

func (lifoOptions) MaxCapacity(n int) LIFOOption {
	return func(cfg *lifoConfig) {
		cfg.maxCapacity = n
		cfg.maxCapacitySet = true
	}
}

func LIFOOpts() lifoOptions {
	return lifoOptions{}
}

func NewLIFO[T any](options ...LIFOOption) (LIFO[T], error) {
	cfg := lifoConfig{}

	for _, op := range options {
		op(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid LIFO config: %w", err)
	}

	var stack []T
	if cfg.initialCapacity > 0 {
		stack = make([]T, 0, cfg.initialCapacity)
	}

	return &lifo[T]{
		stack:       stack,
		maxCapacity: cfg.maxCapacity,
	}, nil
}

// Get pops the most recently pushed value.
//
// Values can still be taken out of a closed queue.
func (q *lifo[T]) Get() (T, bool) {
	var zeroVal T

	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.stack) - 1
	if i == -1 {
		return zeroVal, false
	}

	v := q.stack[i]
	q.stack[i] = zeroVal
	q.stack = q.stack[:i]

	return v, true
}

// Put pushes v and reports whether it was retained.
//
// It returns false when the queue is full or closed; the caller keeps
// ownership of v in that case.
func (q *lifo[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.stack) == q.maxCapacity {
		return false
	}

	q.stack = append(q.stack, v)

	return true
}

func (q *lifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.stack)
}

// Close prevents any further puts and drops all retained values.
//
// Subsequent calls to Close return ErrQueueClosed.
func (q *lifo[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.closed = true
	clear(q.stack)
	q.stack = q.stack[:0]

	return nil
}
