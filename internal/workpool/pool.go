// Package workpool is a fixed-size worker pool with a bounded queue.
// Submissions never block: a full queue is reported to the caller, who
// decides whether to retry later.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "batchmon/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("workpool: queue full")
	ErrNotRunning = errors.New("workpool: not running")
)

type Config struct {
	Workers int
	Queue   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Queue <= 0 {
		c.Queue = c.Workers * 32
	}
	return c
}

// Job runs on a worker with the pool's run context.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

type Pool struct {
	name string
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	queue    chan Job
	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
	running   atomic.Int64
}

func New(name string, cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		name:  name,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "workpool"), logx.String("pool", name)),
		queue: make(chan Job, cfg.Queue),
	}
}

func (p *Pool) Start(ctx context.Context) {
	// wait for an in-progress Stop so two worker sets never overlap
	for {
		p.mu.Lock()
		if p.stopCh == nil {
			break
		}
		done := p.stopDone
		if done == nil {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.runCtx, p.cancel = context.WithCancel(ctx)
	workers := p.cfg.Workers
	queue, stopCh, runCtx := p.queue, p.stopCh, p.runCtx

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.wg.Done()
			p.worker(runCtx, stopCh, queue, idx)
		}()
	}
	p.log.Info("pool started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop signals workers and waits until they exit or ctx ends. Queued jobs
// that were not picked up are discarded.
func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	stopCh, cancel := p.stopCh, p.cancel
	p.cancel = nil
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		p.wg.Wait()
		dropped := 0
	drain:
		for {
			select {
			case <-p.queue:
				dropped++
			default:
				break drain
			}
		}
		p.mu.Lock()
		p.stopCh = nil
		p.runCtx = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
		p.log.Info("pool stopped", logx.Duration("took", time.Since(start)), logx.Int("dropped", dropped))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// TrySubmit enqueues j without blocking.
func (p *Pool) TrySubmit(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("workpool: nil job %q", j.Name)
	}
	p.mu.Lock()
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job, idx int) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			p.exec(ctx, j, idx)
		}
	}
}

func (p *Pool) exec(ctx context.Context, j Job, idx int) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("job panicked",
				logx.String("job", j.Name),
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	j.Run(ctx)
}

// Stats is a diagnostics view.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.cfg.Workers
	p.mu.Unlock()
	return Stats{
		Workers:   workers,
		Queued:    len(p.queue),
		Running:   p.running.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}
