// Package supervisor runs the long-lived loops of the process (engine,
// listeners, ingest consumers, maintenance) as named goroutines sharing one
// context, with panic recovery and optional restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "batchmon/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	firstErr atomic.Pointer[error]
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	loops map[string]*LoopStats
}

// LoopStats aggregates the runs of one named loop.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      uint64    `json:"runs"`
	Panics    uint64    `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every loop once any loop fails for good.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		loops:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops every loop without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure any loop reported.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned error other than cancellation, or a panic,
// counts as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.runOnce(name, fn); err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

// Backoff bounds the jittered exponential wait between restarts.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	// Attempts caps restarts; 0 means unlimited.
	Attempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = 30 * time.Second
	}
	return b
}

// GoRestart runs fn and restarts it after errors or panics until the context
// is cancelled or fn returns nil.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, b Backoff) {
	if fn == nil {
		return
	}
	b = b.withDefaults()
	s.spawn(func() {
		wait := b.Min
		for attempt := 0; ; attempt++ {
			started := time.Now()
			err := s.runOnce(name, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if b.Attempts > 0 && attempt >= b.Attempts {
				s.log.Error("loop gave up", logx.String("loop", name), logx.Int("restarts", attempt), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// a loop that ran for a while starts over from the short backoff
			if time.Since(started) >= 30*time.Second {
				wait = b.Min
			}
			d := wait + rand.N(wait/5+1)
			s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", d), logx.Err(err))

			t := time.NewTimer(d)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait = min(wait*2, b.Max)
		}
	})
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		fn()
	}()
}

// runOnce executes fn with panic capture and records its stats. Cancellation
// is a clean exit.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	st := s.begin(name)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.end(st, err, true)
			return
		}
		s.end(st, err, false)
	}()

	s.log.Debug("loop started", logx.String("loop", name))
	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) || (err != nil && s.ctx.Err() != nil) {
		err = nil
	}
	return err
}

func (s *Supervisor) begin(name string) *LoopStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loops[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	st.Runs++
	st.Running = true
	st.StartedAt = time.Now()
	return st
}

func (s *Supervisor) end(st *LoopStats, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Running = false
	st.StoppedAt = time.Now()
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.loops {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

// Stop cancels every loop and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Done is closed when the shared context is cancelled.
func (s *Supervisor) Done() <-chan struct{} { return s.ctx.Done() }
