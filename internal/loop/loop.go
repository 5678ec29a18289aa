// Package loop provides the single cooperative event loop that owns all
// segment and workflow state. Network calls run on worker goroutines and post
// their results back; timers post ticks back. Nothing posted to the loop may
// block.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("event loop stopped")

// DefaultQueueSize is the number of callbacks that can be pending before
// Post falls back to a goroutine.
const DefaultQueueSize = 1024

// Loop runs posted callbacks one at a time, in order.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger zerolog.Logger

	workers conc.WaitGroup
	timers  conc.WaitGroup

	running  atomic.Bool
	stopOnce sync.Once

	// Metrics
	processed atomic.Int64
	panicked  atomic.Int64
	overflow  atomic.Int64
}

// New creates a loop. Run must be called to start processing.
func New(logger zerolog.Logger, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "loop").Logger(),
	}
}

// Run processes callbacks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	l.processed.Add(1)
	if r := pc.Recovered(); r != nil {
		l.panicked.Add(1)
		l.logger.Error().Err(r.AsError()).Msg("Recovered panic in loop callback")
	}
}

// Post schedules fn to run on the loop. It never blocks. When the queue is
// full the callback is handed to a goroutine, so ordering relative to other
// posts is only guaranteed while the queue has room.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- fn:
	default:
		l.overflow.Add(1)
		go func() {
			select {
			case l.queue <- fn:
			case <-l.done:
			}
		}()
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Stop stops the loop and all timers, then waits for in-flight workers.
// Worker results that arrive after Stop are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.timers.Wait()
	l.workers.Wait()
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats holds loop counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Panicked  int64 `json:"panicked"`
	Overflow  int64 `json:"overflow"`
	Pending   int   `json:"pending"`
}

// Stats returns loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Processed: l.processed.Load(),
		Panicked:  l.panicked.Load(),
		Overflow:  l.overflow.Load(),
		Pending:   len(l.queue),
	}
}

// Go runs work on a worker goroutine and delivers its result to done on the
// loop. A panic in work is reported to done as an error.
func Go[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	l.workers.Go(func() {
		var (
			v   T
			err error
		)
		var pc panics.Catcher
		pc.Try(func() { v, err = work(ctx) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		l.Post(func() { done(v, err) })
	})
}

// Task is a scheduled callback with a cancellation token.
type Task struct {
	cancelled atomic.Bool
	stop      chan struct{}
	once      sync.Once
}

func newTask() *Task {
	return &Task{stop: make(chan struct{})}
}

// Cancel stops the task. Ticks already posted to the loop are skipped.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.stop)
	})
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Every runs fn on the loop every interval until the task is cancelled or the
// loop stops. The first run happens after one interval.
func (l *Loop) Every(interval time.Duration, fn func()) *Task {
	t := newTask()
	l.timers.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if !t.Cancelled() {
						fn()
					}
				})
			case <-t.stop:
				return
			case <-l.done:
				return
			}
		}
	})
	return t
}

// After runs fn on the loop once after d unless the task is cancelled first.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	t := newTask()
	l.timers.Go(func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			l.Post(func() {
				if !t.Cancelled() {
					fn()
				}
			})
		case <-t.stop:
		case <-l.done:
		}
	})
	return t
}
