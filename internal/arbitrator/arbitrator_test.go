package arbitrator

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreAcquireReleaseRoundTrip(t *testing.T) {
	s := NewSemaphore("test", 1, nil)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.TryAcquire() {
		t.Fatal("TryAcquire must fail while the single permit is held")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatal("TryAcquire must succeed once the permit is released")
	}
}

func TestSemaphoreAcquireBlocksUntilCancel(t *testing.T) {
	s := NewSemaphore("test", 1, nil)
	if !s.TryAcquire() {
		t.Fatal("first TryAcquire must succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Fatal("Acquire must fail once ctx is cancelled while the permit is held")
	}
}

func TestEventSetIsIdempotentAndWaitUnblocks(t *testing.T) {
	e := NewEvent("test")
	if e.IsSet() {
		t.Fatal("fresh event must start unset")
	}
	e.Set()
	e.Set() // idempotent, must not panic or deadlock
	if !e.IsSet() {
		t.Fatal("event must report set after Set")
	}
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on a set event must return immediately: %v", err)
	}
}

func TestEventClearReArmsWaiters(t *testing.T) {
	e := NewEvent("test")
	e.Set()
	e.Clear()
	if e.IsSet() {
		t.Fatal("event must report unset after Clear")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Fatal("Wait on a cleared event must block until Set or ctx cancellation")
	}
}

func TestNewArbitratorSchedulerRunningStartsSet(t *testing.T) {
	a := New(nil)
	if !a.SchedulerRunning.IsSet() {
		t.Fatal("SchedulerRunning must start set so the scheduler dispatches by default")
	}
	if a.TimeSynced.IsSet() {
		t.Fatal("TimeSynced must start unset until the first GNSS fix")
	}
}
