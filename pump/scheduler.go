package pump

import "sync"

// EnterDecision is returned by an optional scheduler enter-hook, letting a
// pipeline veto or defer a run before its task function executes.
type EnterDecision int

const (
	// EnterContinue means run the task normally.
	EnterContinue EnterDecision = iota
	// EnterReschedule means skip this attempt but try again immediately,
	// re-evaluating the hook.
	EnterReschedule
	// EnterReturn means skip this attempt entirely and stop looping.
	EnterReturn
)

// SequentialScheduler guarantees a task function runs at most once at a
// time and at least once for every call to RunOrSchedule: a call that finds
// the task already running coalesces into a single extra trailing run
// rather than queuing unboundedly. This is the same coalescing shape as a
// single-slot pending flag guarded by a mutex, adapted from the teacher's
// ring-buffer wait/signal discipline into a run-coalescing flag instead of
// a data buffer.
type SequentialScheduler struct {
	task  func()
	enter func() EnterDecision

	mu      sync.Mutex
	running bool
	pending bool
	stopped bool
}

// NewSequentialScheduler builds a scheduler around task. enter may be nil,
// in which case every run proceeds unconditionally.
func NewSequentialScheduler(task func(), enter func() EnterDecision) *SequentialScheduler {
	return &SequentialScheduler{task: task, enter: enter}
}

// RunOrSchedule runs task if nothing else is currently running it;
// otherwise it marks a pending extra run, which the in-progress run will
// perform before returning. Safe to call from any goroutine, including from
// within task itself.
func (s *SequentialScheduler) RunOrSchedule() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		if s.enter != nil {
			switch s.enter() {
			case EnterReturn:
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case EnterReschedule:
				s.mu.Lock()
				if s.stopped {
					s.running = false
					s.mu.Unlock()
					return
				}
				s.mu.Unlock()
				continue
			}
		}

		s.task()

		s.mu.Lock()
		if s.stopped {
			s.running = false
			s.mu.Unlock()
			return
		}
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}

// Stop prevents any further runs from starting. A run already in progress
// completes its current task() call before noticing the stop. Idempotent.
func (s *SequentialScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
