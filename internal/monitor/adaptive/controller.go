// Package adaptive tunes the broadcast cadence of each subscription from the
// observed event rate of the keys it follows.
package adaptive

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"batchmon/internal/clock"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/acl"
)

type Config struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
	Step    time.Duration
	// HighRate (events/s) at or above which the interval is lowered.
	HighRate float64
	// LowRate (events/s) below which activity no longer qualifies.
	LowRate float64
	// IdleAfter without events, or spent below LowRate, raises the interval.
	IdleAfter time.Duration
	// AdjustEvery bounds how often one subscription's interval may move.
	AdjustEvery time.Duration
	// RateWindow is the EWMA time constant.
	RateWindow time.Duration
	// NotifyRatio: relative change against the last announced interval that
	// triggers an interval-adjusted message.
	NotifyRatio float64
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = time.Second
	}
	if c.Max <= 0 {
		c.Max = 10 * time.Second
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Default <= 0 {
		c.Default = 5 * time.Second
	}
	c.Default = clamp(c.Default, c.Min, c.Max)
	if c.Step <= 0 {
		c.Step = 500 * time.Millisecond
	}
	if c.HighRate <= 0 {
		c.HighRate = 5
	}
	if c.LowRate <= 0 {
		c.LowRate = 1
	}
	if c.LowRate > c.HighRate {
		c.LowRate = c.HighRate
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Second
	}
	if c.AdjustEvery <= 0 {
		c.AdjustEvery = time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 2 * time.Second
	}
	if c.NotifyRatio <= 0 {
		c.NotifyRatio = 0.2
	}
	return c
}

// Key identifies an activity stream. Entity "" is the topic-wide aggregate.
type Key struct {
	Topic  acl.Topic
	Entity string
}

type activity struct {
	mu   sync.Mutex
	rate float64
	last time.Time
}

// decayed returns the rate as of now. Caller holds mu.
func (a *activity) decayed(now time.Time, tau time.Duration) float64 {
	if a.last.IsZero() {
		return 0
	}
	dt := now.Sub(a.last)
	if dt <= 0 {
		return a.rate
	}
	return a.rate * math.Exp(-dt.Seconds()/tau.Seconds())
}

// Cadence is the per-subscription controller state. The owner serializes
// access (the subscription lock).
type Cadence struct {
	Adaptive   bool
	Current    time.Duration
	Notified   time.Duration
	LastAdjust time.Time
	// LowSince is when the followed rate last fell below LowRate.
	LowSince time.Time
}

// Decision is the outcome of NextInterval.
type Decision struct {
	Interval time.Duration
	Changed  bool
	// Notify is set when the change crossed NotifyRatio since the last
	// announced interval; Notified has been updated accordingly.
	Notify bool
}

type Controller struct {
	cfg     atomic.Pointer[Config]
	clock   clock.Clock
	metrics metrics.Collector
	stats   *xsync.Map[Key, *activity]
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option         { return func(ctl *Controller) { ctl.clock = c } }
func WithMetrics(m metrics.Collector) Option { return func(ctl *Controller) { ctl.metrics = m } }

func New(cfg Config, opts ...Option) *Controller {
	ctl := &Controller{stats: xsync.NewMap[Key, *activity]()}
	c := cfg.withDefaults()
	ctl.cfg.Store(&c)
	for _, o := range opts {
		o(ctl)
	}
	ctl.clock = clock.OrReal(ctl.clock)
	ctl.metrics = metrics.OrNop(ctl.metrics)
	return ctl
}

func (ctl *Controller) Apply(cfg Config) {
	c := cfg.withDefaults()
	ctl.cfg.Store(&c)
}

func (ctl *Controller) Config() Config { return *ctl.cfg.Load() }

// NewCadence returns the initial state for a subscription.
func (ctl *Controller) NewCadence(adaptive bool) Cadence {
	d := ctl.cfg.Load().Default
	return Cadence{Adaptive: adaptive, Current: d, Notified: d}
}

// OnActivity feeds one event for (topic, entity) and its topic aggregate.
func (ctl *Controller) OnActivity(topic acl.Topic, entity string) {
	now := ctl.clock.Now()
	tau := ctl.cfg.Load().RateWindow
	ctl.bump(Key{Topic: topic, Entity: entity}, now, tau)
	if entity != "" {
		ctl.bump(Key{Topic: topic}, now, tau)
	}
}

func (ctl *Controller) bump(k Key, now time.Time, tau time.Duration) {
	a, ok := ctl.stats.Load(k)
	if !ok {
		a, _ = ctl.stats.LoadOrStore(k, &activity{})
	}
	a.mu.Lock()
	a.rate = a.decayed(now, tau) + 1/tau.Seconds()
	a.last = now
	a.mu.Unlock()
}

// Rate returns the current EWMA event rate of k in events per second and the
// time of its last event.
func (ctl *Controller) Rate(k Key) (float64, time.Time) {
	a, ok := ctl.stats.Load(k)
	if !ok {
		return 0, time.Time{}
	}
	now := ctl.clock.Now()
	tau := ctl.cfg.Load().RateWindow
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decayed(now, tau), a.last
}

// NextInterval advances c for a subscription following keys and returns the
// interval to use. Non-adaptive cadences stay pinned at the default, and a
// subscription following nothing keeps its current interval.
func (ctl *Controller) NextInterval(c *Cadence, keys []Key) Decision {
	cfg := ctl.cfg.Load()
	if !c.Adaptive {
		c.Current = cfg.Default
		return Decision{Interval: c.Current}
	}
	if len(keys) == 0 {
		c.LowSince = time.Time{}
		return Decision{Interval: c.Current}
	}
	// keep a hot-reloaded range authoritative
	c.Current = clamp(c.Current, cfg.Min, cfg.Max)

	now := ctl.clock.Now()
	if !c.LastAdjust.IsZero() && now.Sub(c.LastAdjust) < cfg.AdjustEvery {
		return Decision{Interval: c.Current}
	}
	c.LastAdjust = now

	var (
		peak float64
		last time.Time
	)
	for _, k := range keys {
		r, at := ctl.Rate(k)
		if r > peak {
			peak = r
		}
		if at.After(last) {
			last = at
		}
	}
	idle := last.IsZero() || now.Sub(last) >= cfg.IdleAfter

	if peak >= cfg.LowRate {
		c.LowSince = time.Time{}
	} else if c.LowSince.IsZero() {
		c.LowSince = now
	}

	next := c.Current
	switch {
	case peak >= cfg.HighRate:
		next = clamp(c.Current-cfg.Step, cfg.Min, cfg.Max)
	case idle, !c.LowSince.IsZero() && now.Sub(c.LowSince) >= cfg.IdleAfter:
		next = clamp(c.Current+cfg.Step, cfg.Min, cfg.Max)
	}

	d := Decision{Interval: next}
	if next == c.Current {
		return d
	}
	if next < c.Current {
		ctl.metrics.IntervalAdjusted("down")
	} else {
		ctl.metrics.IntervalAdjusted("up")
	}
	c.Current = next
	d.Changed = true

	base := c.Notified
	if base <= 0 {
		base = cfg.Default
	}
	if math.Abs(float64(next-base)) > float64(base)*cfg.NotifyRatio {
		c.Notified = next
		d.Notify = true
	}
	return d
}

// Forget drops activity streams idle for longer than ttl.
func (ctl *Controller) Forget(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := ctl.clock.Now().Add(-ttl)
	n := 0
	ctl.stats.Range(func(k Key, a *activity) bool {
		a.mu.Lock()
		idle := a.last.Before(cutoff)
		a.mu.Unlock()
		if idle {
			ctl.stats.Delete(k)
			n++
		}
		return true
	})
	return n
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
