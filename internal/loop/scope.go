package loop

import (
	"sync"
	"time"
)

// Scope owns a set of tasks and cancels all of them on Close. Tasks started
// on a closed scope are cancelled immediately.
type Scope struct {
	loop *Loop

	mu     sync.Mutex
	tasks  []*Task
	closed bool
}

// NewScope creates an empty scope bound to l.
func (l *Loop) NewScope() *Scope {
	return &Scope{loop: l}
}

// Every starts a periodic task owned by the scope.
func (s *Scope) Every(interval time.Duration, fn func()) *Task {
	return s.track(s.loop.Every(interval, fn))
}

// After starts a one-shot task owned by the scope.
func (s *Scope) After(d time.Duration, fn func()) *Task {
	return s.track(s.loop.After(d, fn))
}

func (s *Scope) track(t *Task) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.Cancel()
		return t
	}
	live := s.tasks[:0]
	for _, existing := range s.tasks {
		if !existing.Cancelled() {
			live = append(live, existing)
		}
	}
	s.tasks = append(live, t)
	return t
}

// Len returns the number of live tasks.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.Cancelled() {
			n++
		}
	}
	return n
}

// Close cancels every task in the scope. It is safe to call more than once.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.closed = true
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}
