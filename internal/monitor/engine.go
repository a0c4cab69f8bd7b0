// Package monitor assembles the broadcast engine: connection registry,
// subscriptions, snapshot store, adaptive cadence, circuit breaker and the
// dispatcher that ties them together.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"batchmon/internal/clock"
	"batchmon/internal/eventbus"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/dispatch"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/monitor/subscription"
	"batchmon/internal/protocol"
	logx "batchmon/pkg/logx"
)

type Config struct {
	// HeartbeatInterval is advertised to clients in the greeting.
	HeartbeatInterval time.Duration

	Registry registry.Config
	Snapshot snapshot.Config
	Adaptive adaptive.Config
	Breaker  breaker.Config
	Dispatch dispatch.Config
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Engine is the public face of the broadcast engine.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	clock   clock.Clock
	log     logx.Logger
	metrics metrics.Collector
	bus     eventbus.Bus

	reg   *registry.Registry
	subs  *subscription.Manager
	store *snapshot.Store
	ctl   *adaptive.Controller
	brk   *breaker.Breaker
	disp  *dispatch.Dispatcher
}

type options struct {
	clock    clock.Clock
	log      logx.Logger
	metrics  metrics.Collector
	bus      eventbus.Bus
	renderer dispatch.Renderer
}

type Option func(*options)

func WithClock(c clock.Clock) Option         { return func(o *options) { o.clock = c } }
func WithLogger(l logx.Logger) Option        { return func(o *options) { o.log = l } }
func WithMetrics(m metrics.Collector) Option { return func(o *options) { o.metrics = m } }
func WithBus(b eventbus.Bus) Option          { return func(o *options) { o.bus = b } }

// WithRenderer overrides frame rendering. Tests use it to inject failures.
func WithRenderer(r dispatch.Renderer) Option { return func(o *options) { o.renderer = r } }

func New(cfg Config, opts ...Option) *Engine {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	o.clock = clock.OrReal(o.clock)
	o.metrics = metrics.OrNop(o.metrics)
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	e := &Engine{
		cfg:     cfg.withDefaults(),
		clock:   o.clock,
		log:     o.log,
		metrics: o.metrics,
		bus:     o.bus,
	}

	e.ctl = adaptive.New(cfg.Adaptive, adaptive.WithClock(o.clock), adaptive.WithMetrics(o.metrics))
	e.store = snapshot.New(cfg.Snapshot,
		snapshot.WithClock(o.clock),
		snapshot.WithActivity(e.ctl),
		snapshot.WithMetrics(o.metrics),
	)
	e.brk = breaker.New(cfg.Breaker,
		breaker.WithClock(o.clock),
		breaker.WithMetrics(o.metrics),
		breaker.WithTransitionHook(e.onTransition),
	)
	e.subs = subscription.NewManager(e.ctl, o.log.With(logx.String("comp", "subscription")))
	e.reg = registry.New(cfg.Registry,
		registry.WithClock(o.clock),
		registry.WithLogger(o.log),
		registry.WithMetrics(o.metrics),
		registry.WithListener(e.subs),
		registry.WithListener(lifecycle{bus: o.bus}),
	)

	dopts := []dispatch.Option{
		dispatch.WithClock(o.clock),
		dispatch.WithLogger(o.log),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithBus(o.bus),
	}
	if o.renderer != nil {
		dopts = append(dopts, dispatch.WithRenderer(o.renderer))
	}
	e.disp = dispatch.New(cfg.Dispatch, dispatch.Deps{
		Registry:      e.reg,
		Subscriptions: e.subs,
		Store:         e.store,
		Adaptive:      e.ctl,
		Breaker:       e.brk,
	}, dopts...)
	return e
}

func (e *Engine) onTransition(tr breaker.Transition) {
	e.log.Info("circuit transition",
		logx.String("comp", "breaker"),
		logx.String("topic", string(tr.Topic)),
		logx.String("from", tr.From.String()),
		logx.String("to", tr.To.String()),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.BreakerChanged, Time: tr.At, Data: eventbus.BreakerEvent{
		Topic:  string(tr.Topic),
		From:   tr.From.String(),
		To:     tr.To.String(),
		Reason: tr.Reason,
	}})
}

// lifecycle publishes session events on the bus.
type lifecycle struct{ bus eventbus.Bus }

func (l lifecycle) SessionOpened(s *registry.Session) {
	l.bus.Publish(eventbus.Event{Type: eventbus.SessionOpened, Data: eventbus.SessionEvent{
		SessionID: s.ID,
		UserID:    s.UserID,
		Roles:     s.Roles.Strings(),
	}})
}

func (l lifecycle) SessionClosed(s *registry.Session, reason string) {
	l.bus.Publish(eventbus.Event{Type: eventbus.SessionClosed, Data: eventbus.SessionEvent{
		SessionID: s.ID,
		UserID:    s.UserID,
		Reason:    reason,
	}})
}

// Run drives the dispatcher and the heartbeat sweep until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- e.reg.Run(ctx) }()
	go func() { errCh <- e.disp.Run(ctx) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Shutdown closes every session and the snapshot store.
func (e *Engine) Shutdown() {
	n := e.reg.CloseAll(registry.ReasonShutdown)
	e.store.Close()
	e.log.Info("engine shut down", logx.Int("sessions_closed", n))
}

// Ingest records a new state for (topic, entityID) and returns its version.
func (e *Engine) Ingest(topic, entityID string, payload any) (uint64, error) {
	return e.store.Ingest(acl.Topic(topic), entityID, payload)
}

// IngestJSON is Ingest for an encoded payload.
func (e *Engine) IngestJSON(topic, entityID string, raw []byte) (uint64, error) {
	return e.store.IngestJSON(acl.Topic(topic), entityID, raw)
}

// Emit publishes a job execution snapshot on the job-status topic.
func (e *Engine) Emit(executionID string, snap any) (uint64, error) {
	return e.Ingest(string(acl.TopicJobStatus), executionID, snap)
}

// Connect registers a session for an authenticated identity. An empty id
// gets a generated one.
func (e *Engine) Connect(id, userID string, roles acl.Roles, codec protocol.Codec, sender registry.Sender) (*registry.Session, error) {
	return e.reg.Register(id, userID, roles, codec, sender)
}

func (e *Engine) Disconnect(sessionID, reason string) bool {
	return e.reg.Unregister(sessionID, reason)
}

func (e *Engine) Heartbeat(sessionID string) error {
	return e.reg.Heartbeat(sessionID)
}

// Subscribe returns the topics actually granted; forbidden or unknown ones
// are dropped.
func (e *Engine) Subscribe(sessionID string, topics, entities []string, adaptiveMode bool) ([]string, error) {
	got, err := e.subs.Subscribe(sessionID, topics, entities, adaptiveMode)
	if err != nil {
		return nil, err
	}
	return topicStrings(got), nil
}

// Unsubscribe returns once no delivery for the removed topics is in flight.
func (e *Engine) Unsubscribe(sessionID string, topics []string) ([]string, error) {
	got, err := e.subs.Unsubscribe(sessionID, topics)
	if err != nil {
		return nil, err
	}
	return topicStrings(got), nil
}

// Send writes one control frame to a session.
func (e *Engine) Send(ctx context.Context, sessionID string, msg any) error {
	s, ok := e.reg.Get(sessionID)
	if !ok {
		return registry.ErrDisconnected
	}
	frame, err := s.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	err = e.reg.SendTo(ctx, s, frame)
	if errors.Is(err, registry.ErrDisconnected) {
		e.reg.Unregister(s.ID, registry.ReasonSendFailed)
	}
	return err
}

// HeartbeatInterval is the cadence clients are asked to ping at.
func (e *Engine) HeartbeatInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.HeartbeatInterval
}

// Evict drops snapshot history and activity streams idle for longer than ttl.
func (e *Engine) Evict(ttl time.Duration) (snapshots, streams int) {
	return e.store.Evict(ttl), e.ctl.Forget(ttl)
}

// Apply hot-swaps the tunables of every component.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.reg.Apply(cfg.Registry)
	e.store.Apply(cfg.Snapshot)
	e.ctl.Apply(cfg.Adaptive)
	e.brk.Apply(cfg.Breaker)
	e.disp.Apply(cfg.Dispatch)
	e.log.Info("engine config applied",
		logx.Duration("send_timeout", cfg.Registry.SendTimeout),
		logx.Duration("tick", cfg.Dispatch.Tick),
	)
}

// Ready reports whether the engine accepts traffic.
func (e *Engine) Ready() bool { return e.store.Available() }

func (e *Engine) Registry() *registry.Registry          { return e.reg }
func (e *Engine) Subscriptions() *subscription.Manager { return e.subs }
func (e *Engine) Store() *snapshot.Store                { return e.store }
func (e *Engine) Breaker() *breaker.Breaker             { return e.brk }

func topicStrings(ts []acl.Topic) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
