package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicRunsImmediatelyThenOnInterval(t *testing.T) {
	var count int32
	p := &Periodic{
		Interval: 20 * time.Millisecond,
		Step: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	}

	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(55 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got < 2 {
		t.Fatalf("expected at least 2 iterations including the immediate one, got %d", got)
	}
}

func TestPeriodicStopIsIdempotentAndNoOpBeforeStart(t *testing.T) {
	p := &Periodic{
		Interval: time.Second,
		Step:     func(ctx context.Context) error { return nil },
	}

	p.Stop() // never started

	p.Start(context.Background())
	p.Stop()
	p.Stop() // already stopped
}

func TestPeriodicErrorsDoNotStopTheLoop(t *testing.T) {
	var errCount int32
	p := &Periodic{
		Interval: 10 * time.Millisecond,
		Step: func(ctx context.Context) error {
			return errors.New("boom")
		},
		OnError: func(err error, transport bool) {
			atomic.AddInt32(&errCount, 1)
		},
	}

	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(35 * time.Millisecond)

	if atomic.LoadInt32(&errCount) < 2 {
		t.Fatalf("expected the loop to keep running after Step errors, got %d error callbacks", errCount)
	}
}

func TestPeriodicClassifiesErrors(t *testing.T) {
	sentinel := errors.New("transport failure")
	var gotTransport bool
	done := make(chan struct{}, 1)

	p := &Periodic{
		Interval: time.Hour,
		Step:     func(ctx context.Context) error { return sentinel },
		Classify: func(err error) bool { return errors.Is(err, sentinel) },
		OnError: func(err error, transport bool) {
			gotTransport = transport
			select {
			case done <- struct{}{}:
			default:
			}
		},
	}

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for immediate step to run")
	}

	if !gotTransport {
		t.Fatalf("expected the error to be classified as transport")
	}
}
