// Package clock provides a small time abstraction so that components which
// schedule retries or stamp records can be driven by a fake clock in tests.
//
// The sync engine stamps cursors and mutation records, and the outbox and
// attachment pipeline compute exponential backoff deadlines. All of that
// flows through a Clock so tests never sleep.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and timer channels.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// After returns a channel that delivers the current time once the
	// given duration has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System is a Clock backed by the real time package.
type System struct{}

// NewSystem returns the real clock.
func NewSystem() *System {
	return &System{}
}

// Now implements Clock.
func (*System) Now() time.Time {
	return time.Now()
}

// After implements Clock.
func (*System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Fake is a manually advanced Clock for tests.
//
// Timers created via After fire when Advance moves the clock past their
// deadline. Fake is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After implements Clock. The returned channel fires when the fake clock
// is advanced to or past the deadline.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- f.now
		return t.ch
	}
	f.timers = append(f.timers, t)
	return t.ch
}

// Advance moves the clock forward and fires any timers whose deadline has
// been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	remaining := f.timers[:0]
	for _, t := range f.timers {
		if !t.deadline.After(f.now) {
			t.ch <- f.now
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
}

// Set jumps the clock to an absolute time, firing due timers.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	d := now.Sub(f.now)
	f.mu.Unlock()
	if d > 0 {
		f.Advance(d)
	}
}
