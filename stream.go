package raffel

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// StreamState is the lifecycle state of a Stream (§4.3).
type StreamState string

const (
	StreamOpen    StreamState = "open"
	StreamClosing StreamState = "closing"
	StreamClosed  StreamState = "closed"
	StreamErrored StreamState = "errored"
)

// ErrIterationStopped is the Cancel reason used when a consumer breaks out
// of Stream.Seq's range loop early ("breaking out of iteration cancels the
// stream with a well-defined reason").
var ErrIterationStopped = errors.New("stream: iteration stopped by consumer")

// ErrStreamNotOpen is returned by Write when the stream has already left
// the open state.
var ErrStreamNotOpen = errors.New("stream: not open")

// Stream is a single-producer/single-consumer bounded async duplex channel
// with backpressure (§4.3), the primitive every streaming protocol adapter
// (SSE, WS, TCP, gRPC server-stream, ...) and the router's generator-lifting
// path build on.
//
// Its HWM buffering, direct-handoff fast path, and FIFO ordering guarantee
// all fall out of Go's native buffered-channel semantics: a send to a
// channel with capacity N hands off directly to a blocked receiver, or
// enqueues while there is room, and blocks otherwise — exactly the write()
// contract in §4.3. A zero-capacity channel is therefore a synchronous
// rendezvous for free, which is how Stream implements HWM==0 mode.
type Stream[T any] struct {
	hwm int
	buf chan T

	abort     chan struct{} // closed once, on Error/Cancel; read/write wake immediately
	abortOnce sync.Once
	endOnce   sync.Once

	mu       sync.Mutex
	state    StreamState
	err      error
	pauseGate chan struct{} // non-nil while paused; closed by Resume
}

// NewStream creates a Stream with the given high-water mark. hwm == 0
// yields a synchronous rendezvous stream (§4.3 "Zero-HWM mode").
func NewStream[T any](hwm int) *Stream[T] {
	if hwm < 0 {
		hwm = 0
	}
	return &Stream[T]{
		hwm:   hwm,
		buf:   make(chan T, hwm),
		abort: make(chan struct{}),
		state: StreamOpen,
	}
}

// State returns the stream's current lifecycle state.
func (s *Stream[T]) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferedAmount returns the number of values currently queued, which never
// exceeds the configured HWM except for one in-flight direct handoff
// (testable property 5).
func (s *Stream[T]) BufferedAmount() int {
	return len(s.buf)
}

// Write enqueues v, suspending until a reader consumes it (direct handoff
// or buffered slot), the stream leaves the open state, or ctx is done.
func (s *Stream[T]) Write(ctx context.Context, v T) error {
	select {
	case <-s.abort:
		return s.terminalErr()
	default:
	}

	s.mu.Lock()
	open := s.state == StreamOpen
	s.mu.Unlock()
	if !open {
		return ErrStreamNotOpen
	}

	select {
	case <-s.abort:
		return s.terminalErr()
	case s.buf <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns the next value. end is true once End has been called and
// the buffer is fully drained — all reads from that point on return
// (zero, true, nil). If Error/Cancel has fired, the current and every
// subsequent read return the stored error immediately, even if values
// remain buffered (they are dropped, per §4.3).
func (s *Stream[T]) Read(ctx context.Context) (value T, end bool, err error) {
	var zero T

	for {
		s.mu.Lock()
		gate := s.pauseGate
		s.mu.Unlock()
		if gate == nil {
			break
		}
		select {
		case <-gate:
		case <-s.abort:
			return zero, false, s.terminalErr()
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}

	// Give a terminal abort priority over any value already sitting in the
	// buffer: errored/cancelled streams drop buffered values outright.
	select {
	case <-s.abort:
		return zero, false, s.terminalErr()
	default:
	}

	select {
	case <-s.abort:
		return zero, false, s.terminalErr()
	case v, ok := <-s.buf:
		if !ok {
			return zero, true, nil
		}
		return v, false, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Pause suspends reads and direct handoffs; writers may still buffer up to
// HWM while paused.
func (s *Stream[T]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseGate == nil {
		s.pauseGate = make(chan struct{})
	}
}

// Resume releases a paused stream's reads.
func (s *Stream[T]) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseGate != nil {
		close(s.pauseGate)
		s.pauseGate = nil
	}
}

// End gracefully closes the stream once the producer has no more values:
// open/closing → closed. Idempotent.
func (s *Stream[T]) End() {
	s.mu.Lock()
	if s.state != StreamOpen && s.state != StreamClosing {
		s.mu.Unlock()
		return
	}
	s.state = StreamClosing
	s.mu.Unlock()

	s.endOnce.Do(func() { close(s.buf) })

	s.mu.Lock()
	s.state = StreamClosed
	s.mu.Unlock()
}

// Error transitions the stream to errored, dropping buffered values and
// rejecting all pending and future reads/writes with err. A stream already
// in a terminal state (closed or errored) silently ignores a further Error
// call (open question decision, SPEC_FULL.md §E.2).
func (s *Stream[T]) Error(err error) {
	if err == nil {
		err = NewError(CodeInternal, "stream error")
	}
	s.mu.Lock()
	if s.state == StreamClosed || s.state == StreamErrored {
		s.mu.Unlock()
		return
	}
	s.state = StreamErrored
	s.err = err
	s.mu.Unlock()

	s.abortOnce.Do(func() { close(s.abort) })
}

// Cancel is Error with a CANCELLED-flavored default reason.
func (s *Stream[T]) Cancel(reason error) {
	if reason == nil {
		reason = NewError(CodeCancelled, "stream cancelled")
	}
	s.Error(reason)
}

func (s *Stream[T]) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return NewError(CodeCancelled, "stream cancelled")
}

// Seq adapts the stream to Go's range-over-func iterator protocol. Values
// are yielded in write order; iteration terminates cleanly on End, or with
// the stored error on Error/Cancel. Breaking out of the range loop early
// cancels the stream with ErrIterationStopped.
func (s *Stream[T]) Seq(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, end, err := s.Read(ctx)
			if err != nil {
				yield(v, err)
				return
			}
			if end {
				return
			}
			if !yield(v, nil) {
				s.Cancel(ErrIterationStopped)
				return
			}
		}
	}
}
