// Package breaker implements a per-topic three-state circuit breaker.
//
//   - CLOSED: traffic flows; consecutive failures within FailureWindow are counted.
//     Reaching FailureThreshold opens the circuit.
//   - OPEN: the topic is skipped until Cooldown has elapsed since it opened.
//   - HALF_OPEN: traffic flows as probes. ProbeSuccesses successes close the
//     circuit, any failure reopens it and restarts the cooldown.
//
// State is serialized per topic; topics never contend with each other.
package breaker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"batchmon/internal/clock"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/acl"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	ProbeSuccesses   int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = 2
	}
	return c
}

// Transition describes one state change of a topic circuit.
type Transition struct {
	Topic  acl.Topic `json:"topic"`
	From   State     `json:"-"`
	To     State     `json:"-"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Opened reports the CLOSED/HALF_OPEN -> OPEN edge.
func (t Transition) Opened() bool { return t.To == Open && t.From != Open }

type topicState struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	// windowStart is the first failure of the current count.
	windowStart   time.Time
	openedAt      time.Time
	probeOK       int
	lastReason    string
}

type Breaker struct {
	cfg     atomic.Pointer[Config]
	clock   clock.Clock
	metrics metrics.Collector
	notify  func(Transition)

	topics *xsync.Map[acl.Topic, *topicState]
}

type Option func(*Breaker)

func WithClock(c clock.Clock) Option         { return func(b *Breaker) { b.clock = c } }
func WithMetrics(m metrics.Collector) Option { return func(b *Breaker) { b.metrics = m } }

// WithTransitionHook registers fn for every state change. It runs outside the
// topic lock, on the goroutine that caused the change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(b *Breaker) { b.notify = fn }
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{topics: xsync.NewMap[acl.Topic, *topicState]()}
	c := cfg.withDefaults()
	b.cfg.Store(&c)
	for _, o := range opts {
		o(b)
	}
	b.clock = clock.OrReal(b.clock)
	b.metrics = metrics.OrNop(b.metrics)
	return b
}

// Apply swaps thresholds; current states are kept.
func (b *Breaker) Apply(cfg Config) {
	c := cfg.withDefaults()
	b.cfg.Store(&c)
}

func (b *Breaker) Config() Config { return *b.cfg.Load() }

func (b *Breaker) get(topic acl.Topic) *topicState {
	st, ok := b.topics.Load(topic)
	if !ok {
		st, _ = b.topics.LoadOrStore(topic, &topicState{})
	}
	return st
}

// Allow reports whether broadcasts for topic may proceed. An OPEN circuit
// whose cooldown has elapsed moves to HALF_OPEN here.
func (b *Breaker) Allow(topic acl.Topic) bool {
	cfg := b.cfg.Load()
	st := b.get(topic)
	now := b.clock.Now()

	st.mu.Lock()
	if st.state != Open {
		st.mu.Unlock()
		return true
	}
	if now.Sub(st.openedAt) < cfg.Cooldown {
		st.mu.Unlock()
		return false
	}
	st.state = HalfOpen
	st.probeOK = 0
	tr := Transition{Topic: topic, From: Open, To: HalfOpen, At: now}
	st.mu.Unlock()

	b.emit(tr)
	return true
}

// State returns the current state without advancing it.
func (b *Breaker) State(topic acl.Topic) State {
	st, ok := b.topics.Load(topic)
	if !ok {
		return Closed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// RecordSuccess registers a successful broadcast for topic.
func (b *Breaker) RecordSuccess(topic acl.Topic) (Transition, bool) {
	cfg := b.cfg.Load()
	st := b.get(topic)
	now := b.clock.Now()

	st.mu.Lock()
	var (
		tr      Transition
		changed bool
	)
	switch st.state {
	case Closed:
		st.failures = 0
	case HalfOpen:
		st.probeOK++
		if st.probeOK >= cfg.ProbeSuccesses {
			st.state = Closed
			st.failures = 0
			st.probeOK = 0
			tr = Transition{Topic: topic, From: HalfOpen, To: Closed, At: now}
			changed = true
		}
	case Open:
		// late result from a pass that started before the circuit opened
	}
	st.mu.Unlock()

	if changed {
		b.emit(tr)
	}
	return tr, changed
}

// RecordFailure registers a failed broadcast for topic. The returned
// transition is the OPEN edge when this failure tripped the circuit.
func (b *Breaker) RecordFailure(topic acl.Topic, reason string) (Transition, bool) {
	cfg := b.cfg.Load()
	st := b.get(topic)
	now := b.clock.Now()

	st.mu.Lock()
	var (
		tr      Transition
		changed bool
	)
	switch st.state {
	case Closed:
		if st.failures == 0 || now.Sub(st.windowStart) > cfg.FailureWindow {
			st.failures = 0
			st.windowStart = now
		}
		st.failures++
		st.lastFailureAt = now
		if st.failures >= cfg.FailureThreshold {
			st.state = Open
			st.openedAt = now
			st.lastReason = reason
			tr = Transition{Topic: topic, From: Closed, To: Open, Reason: reason, At: now}
			changed = true
		}
	case HalfOpen:
		st.state = Open
		st.openedAt = now
		st.probeOK = 0
		st.lastFailureAt = now
		st.lastReason = reason
		tr = Transition{Topic: topic, From: HalfOpen, To: Open, Reason: reason, At: now}
		changed = true
	case Open:
	}
	st.mu.Unlock()

	if changed {
		b.emit(tr)
	}
	return tr, changed
}

func (b *Breaker) emit(tr Transition) {
	b.metrics.BreakerStateSet(string(tr.Topic), int(tr.To))
	if b.notify != nil {
		b.notify(tr)
	}
}

// TopicStatus is a diagnostics view of one circuit.
type TopicStatus struct {
	Topic     string    `json:"topic"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ProbeOK   int       `json:"probe_ok,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (b *Breaker) Snapshot() []TopicStatus {
	out := make([]TopicStatus, 0, b.topics.Size())
	b.topics.Range(func(topic acl.Topic, st *topicState) bool {
		st.mu.Lock()
		out = append(out, TopicStatus{
			Topic:     string(topic),
			State:     st.state.String(),
			Failures:  st.failures,
			OpenedAt:  st.openedAt,
			ProbeOK:   st.probeOK,
			LastError: st.lastReason,
		})
		st.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
