package raffel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStream_ZeroHWMRendezvous(t *testing.T) {
	s := NewStream[int](0)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- s.Write(ctx, 1)
	}()

	// The writer must be blocked: nothing can sit in a zero-capacity buffer.
	select {
	case <-done:
		t.Fatal("Write on a zero-HWM stream returned before a reader consumed the value")
	case <-time.After(20 * time.Millisecond):
	}

	v, end, err := s.Read(ctx)
	if err != nil || end || v != 1 {
		t.Fatalf("expected (1, false, nil), got (%d, %v, %v)", v, end, err)
	}

	select {
	case werr := <-done:
		if werr != nil {
			t.Fatalf("unexpected write error: %v", werr)
		}
	case <-time.After(time.Second):
		t.Fatal("Write did not unblock after Read consumed the value")
	}
}

func TestStream_HWMNeverExceeded(t *testing.T) {
	const hwm = 4
	s := NewStream[int](hwm)
	ctx := context.Background()

	// Fill the buffer to capacity without a reader.
	for i := 0; i < hwm; i++ {
		if err := s.Write(ctx, i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if n := s.BufferedAmount(); n != hwm {
		t.Fatalf("expected buffered amount %d, got %d", hwm, n)
	}

	// One more write is the "single in-flight direct handoff" the HWM
	// property allows — it must block until a reader drains a slot.
	blocked := make(chan error, 1)
	go func() {
		blocked <- s.Write(ctx, hwm)
	}()

	select {
	case <-blocked:
		t.Fatal("write beyond HWM completed without a waiting reader")
	case <-time.After(20 * time.Millisecond):
	}

	if _, _, err := s.Read(ctx); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write beyond HWM never unblocked")
	}

	if n := s.BufferedAmount(); n > hwm {
		t.Errorf("buffered amount %d exceeds HWM %d", n, hwm)
	}
}

func TestStream_PauseResume(t *testing.T) {
	s := NewStream[int](4)
	ctx := context.Background()
	if err := s.Write(ctx, 7); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.Pause()

	result := make(chan int, 1)
	go func() {
		v, _, _ := s.Read(ctx)
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Read returned while the stream was paused")
	case <-time.After(20 * time.Millisecond):
	}

	s.Resume()

	select {
	case v := <-result:
		if v != 7 {
			t.Errorf("expected 7, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked after Resume")
	}
}

func TestStream_EndDrainsThenReportsEnd(t *testing.T) {
	s := NewStream[string](2)
	ctx := context.Background()
	_ = s.Write(ctx, "a")
	_ = s.Write(ctx, "b")
	s.End()

	for _, want := range []string{"a", "b"} {
		v, end, err := s.Read(ctx)
		if err != nil || end || v != want {
			t.Fatalf("expected (%q, false, nil), got (%q, %v, %v)", want, v, end, err)
		}
	}

	_, end, err := s.Read(ctx)
	if err != nil || !end {
		t.Fatalf("expected drained stream to report end, got (end=%v, err=%v)", end, err)
	}
	if s.State() != StreamClosed {
		t.Errorf("expected StreamClosed, got %s", s.State())
	}
}

func TestStream_EndIsIdempotent(t *testing.T) {
	s := NewStream[int](1)
	s.End()
	s.End() // must not panic on a double close of the internal channel
	if s.State() != StreamClosed {
		t.Errorf("expected StreamClosed, got %s", s.State())
	}
}

func TestStream_ErrorRejectsPendingAndFutureReads(t *testing.T) {
	s := NewStream[int](4)
	ctx := context.Background()
	_ = s.Write(ctx, 1) // buffered value must be dropped, not delivered

	boom := errors.New("boom")
	s.Error(boom)

	_, _, err := s.Read(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if s.State() != StreamErrored {
		t.Errorf("expected StreamErrored, got %s", s.State())
	}

	// A second read after the terminal error must also fail, not block.
	if _, _, err := s.Read(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected repeated read to surface %v, got %v", boom, err)
	}
}

func TestStream_ErrorAfterTerminalIsSilent(t *testing.T) {
	s := NewStream[int](1)
	s.End()
	s.Error(errors.New("too late")) // must not panic or override the terminal state
	if s.State() != StreamClosed {
		t.Errorf("expected End to win, got %s", s.State())
	}
}

func TestStream_CancelIsErrorWithDefaultReason(t *testing.T) {
	s := NewStream[int](0)
	s.Cancel(nil)
	_, _, err := s.Read(context.Background())
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeCancelled {
		t.Fatalf("expected a CANCELLED *Error, got %v", err)
	}
}

func TestStream_WriteAfterCloseFails(t *testing.T) {
	s := NewStream[int](1)
	s.End()
	if err := s.Write(context.Background(), 1); !errors.Is(err, ErrStreamNotOpen) {
		t.Fatalf("expected ErrStreamNotOpen, got %v", err)
	}
}

func TestStream_SeqYieldsInOrderThenEnds(t *testing.T) {
	s := NewStream[int](4)
	ctx := context.Background()
	go func() {
		for i := 1; i <= 3; i++ {
			_ = s.Write(ctx, i)
		}
		s.End()
	}()

	var got []int
	for v, err := range s.Seq(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, v)
	}

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
}

func TestStream_SeqBreakCancelsWithIterationStopped(t *testing.T) {
	s := NewStream[int](4)
	ctx := context.Background()
	go func() {
		for i := 0; ; i++ {
			if err := s.Write(ctx, i); err != nil {
				return
			}
		}
	}()

	for v := range s.Seq(ctx) {
		if v == 0 {
			break
		}
	}

	// Seq calls Cancel before the range statement returns, so the first
	// check normally sees StreamErrored; the loop only bounds the wait.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StreamErrored {
			if _, _, err := s.Read(ctx); !errors.Is(err, ErrIterationStopped) {
				t.Fatalf("expected ErrIterationStopped as the cancel reason, got %v", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected StreamErrored after breaking Seq's range loop, got %s", s.State())
}

func TestStream_SeqPropagatesTerminalError(t *testing.T) {
	s := NewStream[int](1)
	boom := errors.New("feed failed")
	s.Error(boom)

	var sawErr error
	for _, err := range s.Seq(context.Background()) {
		sawErr = err
	}
	if !errors.Is(sawErr, boom) {
		t.Fatalf("expected %v, got %v", boom, sawErr)
	}
}
