package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time stands still until Advance is called;
// tickers and After channels fire during Advance in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		w.stopped = true
		f.mu.Unlock()
	}}
}

// Set jumps to t without firing anything older than the current time twice.
func (f *Fake) Set(t time.Time) {
	d := t.Sub(f.Now())
	if d > 0 {
		f.Advance(d)
	}
}

// Advance moves the clock forward by d and fires due waiters. A ticker whose
// channel is full drops the tick, like time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (f *Fake) collect(target time.Time) []*fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, rest []*fakeWaiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			rest = append(rest, w)
			continue
		}
		due = append(due, w)
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			rest = append(rest, w)
		}
	}
	f.waiters = rest
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// WaitForTimers blocks until at least n waiters are pending. It closes the
// race between a goroutine creating a ticker and the test advancing time.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
