package syncer

import (
	"sync"
	"time"
)

// Backoff is the retry schedule of the sync engine.
//
// The delay doubles on every failure; once it would reach the cap it drops back to the
// start value, giving a sawtooth rather than a plateau. A success clears the window.
type Backoff struct {
	mu    sync.Mutex
	start time.Duration
	max   time.Duration
	delay time.Duration
	next  time.Time
}

// NewBackoff creates a Backoff in the normal (no window) state.
func NewBackoff(start, max time.Duration) *Backoff {
	return &Backoff{start: start, max: max, delay: start}
}

// Ready reports whether an attempt is allowed at now.
func (b *Backoff) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next.IsZero() || !now.Before(b.next)
}

// Failure grows the delay and opens a window ending at now+delay. It returns the new delay.
func (b *Backoff) Failure(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.delay *= 2
	if b.delay >= b.max {
		b.delay = b.start
	}
	b.next = now.Add(b.delay)
	return b.delay
}

// Success resets the delay and clears the window. It reports whether a window was open.
func (b *Backoff) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasBackingOff := !b.next.IsZero()
	b.delay = b.start
	b.next = time.Time{}
	return wasBackingOff
}

// State returns the current delay and the end of the window (zero when none).
func (b *Backoff) State() (time.Duration, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay, b.next
}
