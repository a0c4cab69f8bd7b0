// Package dispatch drives broadcast cycles: on every tick it picks the
// subscriptions whose cadence has elapsed and runs one delivery pass per
// subscription on a bounded worker pool.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"batchmon/internal/clock"
	"batchmon/internal/eventbus"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/monitor/subscription"
	"batchmon/internal/workpool"
	logx "batchmon/pkg/logx"
)

type Config struct {
	// Tick is the scheduling period.
	Tick time.Duration
	// Workers bounds concurrent delivery passes.
	Workers int
	// Queue bounds passes waiting for a worker.
	Queue int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Queue <= 0 {
		c.Queue = c.Workers * 64
	}
	return c
}

// Deps are the engine components a Dispatcher works on.
type Deps struct {
	Registry      *registry.Registry
	Subscriptions *subscription.Manager
	Store         *snapshot.Store
	Adaptive      *adaptive.Controller
	Breaker       *breaker.Breaker
}

// Renderer encodes a message for one session.
type Renderer func(s *registry.Session, msg any) ([]byte, error)

type Dispatcher struct {
	cfg     atomic.Pointer[Config]
	deps    Deps
	clock   clock.Clock
	log     logx.Logger
	metrics metrics.Collector
	bus     eventbus.Bus
	render  Renderer

	pool     *workpool.Pool
	failLog  *logx.Throttle
	cycles   atomic.Uint64
	passes   atomic.Uint64
	skipped  atomic.Uint64
	lastTick atomic.Int64 // nanos spent scheduling the last cycle
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option         { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l logx.Logger) Option        { return func(d *Dispatcher) { d.log = l } }
func WithMetrics(m metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithBus(b eventbus.Bus) Option          { return func(d *Dispatcher) { d.bus = b } }
func WithRenderer(r Renderer) Option         { return func(d *Dispatcher) { d.render = r } }

func New(cfg Config, deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{deps: deps}
	c := cfg.withDefaults()
	d.cfg.Store(&c)
	for _, o := range opts {
		o(d)
	}
	d.clock = clock.OrReal(d.clock)
	d.metrics = metrics.OrNop(d.metrics)
	if d.bus == nil {
		d.bus = eventbus.Nop{}
	}
	if d.render == nil {
		d.render = func(s *registry.Session, msg any) ([]byte, error) { return s.Encode(msg) }
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	d.failLog = logx.NewThrottle(10 * time.Second)
	d.pool = workpool.New("dispatch", workpool.Config{Workers: c.Workers, Queue: c.Queue}, d.log)
	return d
}

// Apply swaps the tick period. Pool size changes need a restart.
func (d *Dispatcher) Apply(cfg Config) {
	c := cfg.withDefaults()
	d.cfg.Store(&c)
}

// Start launches the worker pool. Run calls it; tests driving Tick directly
// call it themselves.
func (d *Dispatcher) Start(ctx context.Context) { d.pool.Start(ctx) }

func (d *Dispatcher) Stop(ctx context.Context) { d.pool.Stop(ctx) }

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(stopCtx)
	}()

	period := d.cfg.Load().Tick
	t := d.clock.NewTicker(period)
	defer func() { t.Stop() }()
	d.log.Info("dispatcher started", logx.Duration("tick", period))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped", logx.Uint64("cycles", d.cycles.Load()))
			return nil
		case <-t.C:
		}
		d.Tick(ctx)

		if p := d.cfg.Load().Tick; p != period {
			t.Stop()
			period = p
			t = d.clock.NewTicker(period)
			d.log.Info("dispatcher tick changed", logx.Duration("tick", period))
		}
	}
}

// Tick schedules one cycle and returns how many passes were submitted.
func (d *Dispatcher) Tick(ctx context.Context) int {
	start := time.Now()
	now := d.clock.Now()
	d.cycles.Add(1)

	due, skipped := 0, 0
	for _, sub := range d.deps.Subscriptions.All() {
		// nothing followed yet: no cadence to drive and nothing to send
		if len(sub.Topics()) == 0 {
			continue
		}
		dec := sub.NextInterval(d.deps.Adaptive)
		if dec.Notify {
			sub.NoteInterval(dec.Interval)
			d.bus.Publish(eventbus.Event{Type: eventbus.IntervalAdjusted, Data: eventbus.IntervalEvent{
				SessionID:  sub.SessionID(),
				IntervalMs: dec.Interval.Milliseconds(),
			}})
		}
		_, notice := sub.PendingNotice()
		if !sub.Due(now, dec.Interval) && !notice {
			continue
		}
		due++
		if !sub.TryBegin() {
			skipped++
			continue
		}
		err := d.pool.TrySubmit(workpool.Job{Name: "pass:" + sub.SessionID(), Run: func(ctx context.Context) {
			defer sub.End()
			d.pass(ctx, sub, now)
		}})
		if err != nil {
			sub.End()
			skipped++
		}
	}

	took := time.Since(start)
	d.lastTick.Store(int64(took))
	d.skipped.Add(uint64(skipped))
	d.metrics.TickObserved(took, due, skipped)
	return due - skipped
}

// Stats is a diagnostics view.
type Stats struct {
	Cycles   uint64         `json:"cycles"`
	Passes   uint64         `json:"passes"`
	Skipped  uint64         `json:"skipped"`
	LastTick time.Duration  `json:"last_tick"`
	Pool     workpool.Stats `json:"pool"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Cycles:   d.cycles.Load(),
		Passes:   d.passes.Load(),
		Skipped:  d.skipped.Load(),
		LastTick: time.Duration(d.lastTick.Load()),
		Pool:     d.pool.Stats(),
	}
}
