package xio

import (
	"errors"
)

// BufferState describes which side of a channel may touch its ring buffer.
type BufferState uint32

const (
	// StateEmpty has no buffer attached; the next writer allocates one.
	StateEmpty BufferState = iota
	// StateInitial has a buffer attached that nobody is accessing.
	StateInitial
	StateReading
	StateWriting
	StateReadingWriting
	// StateTerminated is final; the buffer is gone.
	StateTerminated
)

func (s BufferState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateInitial:
		return "Initial"
	case StateReading:
		return "Reading"
	case StateWriting:
		return "Writing"
	case StateReadingWriting:
		return "ReadingWriting"
	case StateTerminated:
		return "Terminated"
	}

	return "BufferState(?)"
}

// Idle reports whether no reader or writer is attached.
func (s BufferState) Idle() bool {
	return s == StateEmpty || s == StateInitial
}

func (s BufferState) ReadingAllowed() bool {
	return s == StateInitial || s == StateWriting
}

func (s BufferState) WritingAllowed() bool {
	return s == StateEmpty || s == StateInitial || s == StateReading
}

type bufferEvent uint8

const (
	eventStartReading bufferEvent = iota + 1
	eventStopReading
	eventStartWriting
	eventStopWriting
	// eventRelease detaches an idle buffer so it can go back to its pool.
	eventRelease
	eventTerminate
)

func (e bufferEvent) String() string {
	switch e {
	case eventStartReading:
		return "startReading"
	case eventStopReading:
		return "stopReading"
	case eventStartWriting:
		return "startWriting"
	case eventStopWriting:
		return "stopWriting"
	case eventRelease:
		return "release"
	case eventTerminate:
		return "terminate"
	}

	return "bufferEvent(?)"
}

var (
	errDoubleReader    = errors.New("concurrent reader on byte channel")
	errDoubleWriter    = errors.New("concurrent writer on byte channel")
	errNoBuffer        = errors.New("no buffer attached")
	errBufferBusy      = errors.New("buffer is in use")
	errNotReading      = errors.New("reading was not started")
	errNotWriting      = errors.New("writing was not started")
	errStateTerminated = errors.New("byte channel terminated")
)

// transition is the buffer state machine. It never mutates anything; the
// channel applies the returned state with a compare-and-swap.
//
// Stopping a side on a terminated channel is allowed and leaves it
// terminated since termination can race with an in-flight operation.
func transition(s BufferState, e bufferEvent) (BufferState, error) {
	if e == eventTerminate {
		return StateTerminated, nil
	}

	switch s {
	case StateEmpty:
		switch e {
		case eventStartWriting:
			return StateWriting, nil
		case eventStartReading, eventRelease:
			return s, errNoBuffer
		case eventStopReading:
			return s, errNotReading
		case eventStopWriting:
			return s, errNotWriting
		}
	case StateInitial:
		switch e {
		case eventStartReading:
			return StateReading, nil
		case eventStartWriting:
			return StateWriting, nil
		case eventRelease:
			return StateEmpty, nil
		case eventStopReading:
			return s, errNotReading
		case eventStopWriting:
			return s, errNotWriting
		}
	case StateReading:
		switch e {
		case eventStartWriting:
			return StateReadingWriting, nil
		case eventStopReading:
			return StateInitial, nil
		case eventStartReading:
			return s, errDoubleReader
		case eventStopWriting:
			return s, errNotWriting
		case eventRelease:
			return s, errBufferBusy
		}
	case StateWriting:
		switch e {
		case eventStartReading:
			return StateReadingWriting, nil
		case eventStopWriting:
			return StateInitial, nil
		case eventStartWriting:
			return s, errDoubleWriter
		case eventStopReading:
			return s, errNotReading
		case eventRelease:
			return s, errBufferBusy
		}
	case StateReadingWriting:
		switch e {
		case eventStopReading:
			return StateWriting, nil
		case eventStopWriting:
			return StateReading, nil
		case eventStartReading:
			return s, errDoubleReader
		case eventStartWriting:
			return s, errDoubleWriter
		case eventRelease:
			return s, errBufferBusy
		}
	case StateTerminated:
		switch e {
		case eventStopReading, eventStopWriting:
			return s, nil
		case eventStartReading, eventStartWriting, eventRelease:
			return s, errStateTerminated
		}
	}

	panic("xio: unhandled buffer transition " + s.String() + " on " + e.String())
}
