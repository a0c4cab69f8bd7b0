package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/clock"
	"batchmon/internal/eventbus"
	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/protocol"
)

type sink struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (s *sink) WriteFrame(_ context.Context, frame []byte) error {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) Close() error { return nil }

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func (s *sink) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := New(Config{}, append([]Option{WithClock(fc)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	e.disp.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.disp.Stop(context.Background())
	})
	return e, fc
}

func cycle(t *testing.T, e *Engine) {
	t.Helper()
	e.disp.Tick(context.Background())
	require.Eventually(t, func() bool {
		st := e.disp.Stats().Pool
		return st.Queued == 0 && st.Running == 0 && st.Completed == st.Submitted
	}, 3*time.Second, time.Millisecond)
}

func TestSubscribeConfirmsOnlyPermittedTopics(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	_, err := e.Connect("s1", "alice", acl.Roles{acl.RoleMonitor}, protocol.JSON, &sink{})
	require.NoError(t, err)

	got, err := e.Subscribe("s1", []string{"job-status", "system-config", "security-events"}, nil, true)
	require.NoError(t, err)
	require.Equal(t, []string{"job-status"}, got)

	got, err = e.Unsubscribe("s1", []string{"job-metrics"})
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = e.Subscribe("nope", []string{"job-status"}, nil, true)
	require.Error(t, err)
}

func TestEmitReachesSubscriberAsFullThenDelta(t *testing.T) {
	t.Parallel()

	e, fc := newEngine(t)
	out := &sink{}
	_, err := e.Connect("A", "alice", acl.Roles{acl.RoleMonitor}, protocol.JSON, out)
	require.NoError(t, err)
	_, err = e.Subscribe("A", []string{"job-status"}, []string{"exec-123"}, false)
	require.NoError(t, err)

	v, err := e.Emit("exec-123", map[string]any{"status": "RUNNING", "progress": 10})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	cycle(t, e)

	v, err = e.IngestJSON("job-status", "exec-123", []byte(`{"status":"RUNNING","progress":55}`))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)
	fc.Advance(5 * time.Second)
	cycle(t, e)

	require.Equal(t, []string{protocol.TypeMetricsUpdate, protocol.TypeMetricsDelta}, out.types())
	require.Equal(t, map[string]any{"progress": 55.0}, out.last()["changes"])
}

func TestDisconnectReleasesSubscriptionAndPublishes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	e, _ := newEngine(t, WithBus(bus))
	_, err := e.Connect("s1", "bob", acl.Roles{acl.RoleViewer}, protocol.JSON, &sink{})
	require.NoError(t, err)
	_, err = e.Subscribe("s1", []string{"job-status"}, nil, true)
	require.NoError(t, err)

	require.True(t, e.Disconnect("s1", registry.ReasonClientClosed))
	require.False(t, e.Disconnect("s1", registry.ReasonClientClosed))
	_, ok := e.Subscriptions().Get("s1")
	require.False(t, ok)

	ev := <-events
	require.Equal(t, eventbus.SessionOpened, ev.Type)
	ev = <-events
	require.Equal(t, eventbus.SessionClosed, ev.Type)
	require.Equal(t, registry.ReasonClientClosed, ev.Data.(eventbus.SessionEvent).Reason)

	require.ErrorIs(t, e.Heartbeat("s1"), registry.ErrNotFound)
}

func TestBreakerTransitionsArePublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	fail := func(s *registry.Session, msg any) ([]byte, error) {
		if _, ok := msg.(protocol.MetricsUpdate); ok {
			return nil, errors.New("boom")
		}
		return s.Encode(msg)
	}
	e, _ := newEngine(t, WithBus(bus), WithRenderer(fail))
	out := &sink{}
	_, err := e.Connect("s1", "carol", acl.Roles{acl.RoleAdmin}, protocol.JSON, out)
	require.NoError(t, err)
	_, err = e.Subscribe("s1", []string{"system-metrics"}, nil, false)
	require.NoError(t, err)
	_, err = e.Ingest("system-metrics", "node-1", map[string]any{"cpu": 0.5})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cycle(t, e)
	}

	var opened bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.BreakerChanged {
			be := ev.Data.(eventbus.BreakerEvent)
			require.Equal(t, "system-metrics", be.Topic)
			opened = be.To == "OPEN"
		}
	}
	require.True(t, opened)
	require.Contains(t, out.types(), protocol.TypeCircuitBreakerOpened)
}

func TestSnapshotAndApply(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	_, err := e.Connect("s1", "dave", acl.Roles{acl.RoleOperator}, protocol.JSON, &sink{})
	require.NoError(t, err)
	_, err = e.Subscribe("s1", []string{"job-metrics"}, []string{"e1", "e2"}, true)
	require.NoError(t, err)
	_, err = e.Ingest("job-metrics", "e1", map[string]any{"rows": 1})
	require.NoError(t, err)

	st := e.Snapshot()
	require.Len(t, st.Sessions, 1)
	require.Len(t, st.Subscriptions, 1)
	require.Equal(t, []string{"e1", "e2"}, st.Subscriptions[0].Topics["job-metrics"])
	require.Equal(t, 1, st.Snapshots.Keys)

	require.Equal(t, 30*time.Second, e.HeartbeatInterval())
	cfg := Config{HeartbeatInterval: 10 * time.Second}
	cfg.Registry.SendTimeout = time.Second
	e.Apply(cfg)
	require.Equal(t, 10*time.Second, e.HeartbeatInterval())
	require.Equal(t, time.Second, e.Registry().Config().SendTimeout)

	require.True(t, e.Ready())
	e.Shutdown()
	require.False(t, e.Ready())
	require.Zero(t, e.Registry().Len())
}
