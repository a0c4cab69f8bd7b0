// Package clock abstracts wall time so the engine's state machines
// (adaptive interval, circuit breaker, heartbeat sweep) can be driven by a
// fake clock in tests.
package clock

import "time"

// Clock is the subset of the time package used by the engine.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker mirrors time.Ticker but is backed by either the real runtime or a Fake.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
