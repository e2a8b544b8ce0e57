// Package mic arbitrates the microphone between its two consumers: the voice
// recorder and the call manager. The device is exclusive — starting one
// while the other holds it is an error surfaced to the user, never a queue.
package mic

import (
	"fmt"
	"sync"
)

// BusyError reports which consumer currently holds the microphone.
type BusyError struct {
	Holder string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("microphone in use by %s", e.Holder)
}

// PermissionError wraps a device acquisition failure (denied or unsupported).
// It is user-facing; callers surface it instead of retrying.
type PermissionError struct {
	Cause error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Cause)
}

func (e *PermissionError) Unwrap() error { return e.Cause }

// Guard is the exclusivity token for the microphone.
type Guard struct {
	mu     sync.Mutex
	holder string
}

// Acquire claims the microphone for the named consumer.
func (g *Guard) Acquire(holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return &BusyError{Holder: g.holder}
	}
	g.holder = holder
	return nil
}

// Release gives the microphone back. Releasing from a consumer that does
// not hold it is a no-op, so teardown paths can call it unconditionally.
func (g *Guard) Release(holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == holder {
		g.holder = ""
	}
}

// Holder returns the current holder, empty when free.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
