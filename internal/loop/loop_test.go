package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(zerolog.Nop(), 0)
	go l.Run(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestPostPreservesOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	var n int
	l.Call(context.Background(), func() { n = len(got) })
	if n != 100 {
		t.Fatalf("processed %d callbacks, want 100", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestGoDeliversOnLoop(t *testing.T) {
	l := startLoop(t)

	result := make(chan int, 1)
	Go(l, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	}, func(v int, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		result <- v
	})

	select {
	case v := <-result:
		if v != 42 {
			t.Errorf("got %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result never delivered")
	}
}

func TestGoReportsPanicAsError(t *testing.T) {
	l := startLoop(t)

	errs := make(chan error, 1)
	Go(l, context.Background(), func(ctx context.Context) (string, error) {
		panic("boom")
	}, func(_ string, err error) {
		errs <- err
	})

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected panic to surface as error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result never delivered")
	}
}

func TestLoopSurvivesPanickingCallback(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("bad callback") })
	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatal("loop stopped after panic")
	}
	if l.Stats().Panicked != 1 {
		t.Errorf("Panicked = %d, want 1", l.Stats().Panicked)
	}
}

func TestEveryStopsOnCancel(t *testing.T) {
	l := startLoop(t)

	var ticks atomic.Int32
	task := l.Every(5*time.Millisecond, func() { ticks.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatal("task never ticked")
	}

	l.Call(context.Background(), task.Cancel)
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Errorf("task ticked %d times after cancel", ticks.Load()-after)
	}
}

func TestAfterCancelledNeverRuns(t *testing.T) {
	l := startLoop(t)

	var ran atomic.Bool
	task := l.After(20*time.Millisecond, func() { ran.Store(true) })
	task.Cancel()
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled task ran")
	}
}

func TestScopeCloseCancelsAll(t *testing.T) {
	l := startLoop(t)
	s := l.NewScope()

	var ticks atomic.Int32
	s.Every(5*time.Millisecond, func() { ticks.Add(1) })
	s.Every(5*time.Millisecond, func() { ticks.Add(1) })
	s.After(time.Hour, func() { ticks.Add(100) })
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	s.Close()
	if s.Len() != 0 {
		t.Errorf("Len() after Close = %d", s.Len())
	}

	late := s.Every(time.Millisecond, func() { ticks.Add(1000) })
	if !late.Cancelled() {
		t.Error("task started on closed scope should be cancelled")
	}

	time.Sleep(20 * time.Millisecond)
	before := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != before {
		t.Error("tasks kept ticking after scope closed")
	}
}

func TestCallAfterStop(t *testing.T) {
	l := New(zerolog.Nop(), 4)
	go l.Run(context.Background())
	l.Stop()

	err := l.Call(context.Background(), func() {})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Call after Stop = %v, want ErrStopped", err)
	}
}
