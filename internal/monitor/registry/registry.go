// Package registry tracks live client sessions, their identity and roles, and
// performs bounded sends on their behalf.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"batchmon/internal/clock"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/acl"
	"batchmon/internal/protocol"
	logx "batchmon/pkg/logx"
)

type Config struct {
	// HeartbeatTimeout: sessions silent for longer are swept.
	HeartbeatTimeout time.Duration
	// SweepEvery is the sweep period.
	SweepEvery time.Duration
	// SendTimeout bounds every Send.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = c.HeartbeatTimeout / 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	return c
}

// Listener observes session lifecycle. SessionOpened runs before Register
// returns, SessionClosed before Unregister returns.
type Listener interface {
	SessionOpened(s *Session)
	SessionClosed(s *Session, reason string)
}

// Close reasons.
const (
	ReasonClientClosed     = "client closed"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonSendFailed       = "send failed"
	ReasonShutdown         = "shutdown"
)

type Registry struct {
	cfg       atomic.Pointer[Config]
	clock     clock.Clock
	log       logx.Logger
	metrics   metrics.Collector
	listeners []Listener

	sessions *xsync.Map[string, *Session]
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option         { return func(r *Registry) { r.clock = c } }
func WithLogger(l logx.Logger) Option        { return func(r *Registry) { r.log = l } }
func WithMetrics(m metrics.Collector) Option { return func(r *Registry) { r.metrics = m } }

// WithListener adds a lifecycle listener. Listeners are fixed at construction.
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{sessions: xsync.NewMap[string, *Session]()}
	c := cfg.withDefaults()
	r.cfg.Store(&c)
	for _, o := range opts {
		o(r)
	}
	r.clock = clock.OrReal(r.clock)
	r.metrics = metrics.OrNop(r.metrics)
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "registry"))
	return r
}

func (r *Registry) Apply(cfg Config) {
	c := cfg.withDefaults()
	r.cfg.Store(&c)
}

func (r *Registry) Config() Config { return *r.cfg.Load() }

// AddListener appends l. Call before sessions are registered.
func (r *Registry) AddListener(l Listener) { r.listeners = append(r.listeners, l) }

// Register creates a session. An empty id gets a fresh UUID.
func (r *Registry) Register(id, userID string, roles acl.Roles, codec protocol.Codec, sender Sender) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if codec == nil {
		codec = protocol.JSON
	}
	now := r.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          id,
		UserID:      userID,
		Roles:       roles,
		ConnectedAt: now,
		Codec:       codec,
		sender:      sender,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.touch(now)

	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	for _, l := range r.listeners {
		l.SessionOpened(s)
	}
	r.metrics.SessionsSet(r.sessions.Size())
	r.log.Info("session registered",
		logx.String("session", id),
		logx.String("user", userID),
		logx.Strings("roles", roles.Strings()),
		logx.String("codec", codec.Name()),
	)
	return s, nil
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions.Load(id)
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Heartbeat refreshes the liveness of id.
func (r *Registry) Heartbeat(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.touch(r.clock.Now())
	return nil
}

// Unregister removes id, releases its subscriptions through the listeners and
// closes the transport. It reports false if the session was already gone.
func (r *Registry) Unregister(id, reason string) bool {
	s, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	s.closed.Store(true)
	s.cancel()
	for _, l := range r.listeners {
		l.SessionClosed(s, reason)
	}
	if s.sender != nil {
		_ = s.sender.Close()
	}
	r.metrics.SessionsSet(r.sessions.Size())
	r.log.Info("session unregistered",
		logx.String("session", id),
		logx.String("reason", reason),
		logx.Duration("age", r.clock.Now().Sub(s.ConnectedAt)),
	)
	return true
}

// Send writes frame to session id, bounded by the send timeout.
func (r *Registry) Send(ctx context.Context, id string, frame []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrDisconnected
	}
	return r.SendTo(ctx, s, frame)
}

// SendTo is Send for a session the caller already holds.
func (r *Registry) SendTo(ctx context.Context, s *Session, frame []byte) error {
	if s == nil || s.Closed() || s.sender == nil {
		return ErrDisconnected
	}
	timeout := r.cfg.Load().SendTimeout
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.sender.WriteFrame(sctx, frame)
	if err == nil {
		return nil
	}
	return classify(err, s)
}

func classify(err error, s *Session) error {
	switch {
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrTimeout):
		return err
	case s.Closed():
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Any other write error means the connection is unusable.
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// Sessions returns the live sessions at call time, oldest first.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		if !s.Closed() {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int { return r.sessions.Size() }

// Sweep unregisters sessions whose last heartbeat is older than the timeout.
func (r *Registry) Sweep() int {
	timeout := r.cfg.Load().HeartbeatTimeout
	now := r.clock.Now()
	var stale []string
	r.sessions.Range(func(id string, s *Session) bool {
		if now.Sub(s.LastHeartbeat()) > timeout {
			stale = append(stale, id)
		}
		return true
	})
	n := 0
	for _, id := range stale {
		if r.Unregister(id, ReasonHeartbeatTimeout) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("heartbeat sweep", logx.Int("removed", n), logx.Duration("timeout", timeout))
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.cfg.Load().SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}

// CloseAll unregisters every session.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, s := range r.Sessions() {
		if r.Unregister(s.ID, reason) {
			n++
		}
	}
	return n
}
