// Package sched wraps clockwork in the small timer capability the engine
// needs: fire a callback after a delay, with cancellation. Typing debounce,
// typing expiry and the recording elapsed counter all run on it, which keeps
// their tests off the wall clock.
package sched

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// CancelFunc cancels a pending callback. Calling it after the callback has
// fired is a no-op.
type CancelFunc func()

// Scheduler schedules one-shot callbacks.
type Scheduler interface {
	// After runs fn once d has elapsed, unless cancelled first.
	After(d time.Duration, fn func()) CancelFunc
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

type clockScheduler struct {
	clock clockwork.Clock
}

// New creates a Scheduler backed by the given clock. Pass
// clockwork.NewRealClock() in production and a FakeClock in tests.
func New(clock clockwork.Clock) Scheduler {
	return &clockScheduler{clock: clock}
}

func (s *clockScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := s.clock.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (s *clockScheduler) Now() time.Time {
	return s.clock.Now()
}
