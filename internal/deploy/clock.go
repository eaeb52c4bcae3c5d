package deploy

import (
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

// Clock lets tests fire scheduled work by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// scheduler holds at most one pending task. Scheduling replaces the previous
// handle, and a task that fires after being replaced or cancelled does nothing.
type scheduler struct {
	clock Clock

	mu      sync.Mutex
	pending Timer
	gen     uint64
}

func newScheduler(clock Clock) *scheduler {
	return &scheduler{clock: clock}
}

func (s *scheduler) schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()
		fn()
	})
}

func (s *scheduler) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.gen++
}

func (s *scheduler) outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}
