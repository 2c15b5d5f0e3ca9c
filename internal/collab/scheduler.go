package collab

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type scheduledTask struct {
	timer      clockwork.Timer
	generation uint64
}

// Scheduler runs at most one pending task per key. Scheduling a key again
// replaces the pending task, which is what debouncing needs.
type Scheduler struct {
	clock clockwork.Clock

	mu         sync.Mutex
	tasks      map[string]scheduledTask
	generation uint64
	stopped    bool
}

// NewScheduler builds a Scheduler on the provided clock.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]scheduledTask),
	}
}

// Schedule runs task after delay unless the key is rescheduled or cancelled first.
func (s *Scheduler) Schedule(key string, delay time.Duration, task func()) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if pending, ok := s.tasks[key]; ok {
		pending.timer.Stop()
	}
	s.generation++
	generation := s.generation
	timer := s.clock.AfterFunc(delay, func() {
		if !s.claim(key, generation) {
			return
		}
		task()
	})
	s.tasks[key] = scheduledTask{timer: timer, generation: generation}
}

// Cancel drops the pending task for key and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.tasks[key]
	if !ok {
		return false
	}
	pending.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is waiting for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Stop cancels everything and refuses new work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, pending := range s.tasks {
		pending.timer.Stop()
		delete(s.tasks, key)
	}
}

// claim removes the entry for key if it still belongs to generation. A timer
// that fired after being replaced loses the claim and does nothing.
func (s *Scheduler) claim(key string, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.tasks[key]
	if !ok || pending.generation != generation {
		return false
	}
	delete(s.tasks, key)
	return true
}
