package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/clock"
	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/monitor/subscription"
	"batchmon/internal/protocol"
	logx "batchmon/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []map[string]any
	err    error
	block  bool
	closed bool
}

func (r *recorder) WriteFrame(ctx context.Context, frame []byte) error {
	r.mu.Lock()
	block, err := r.block, r.err
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	clock *clock.Fake
	reg   *registry.Registry
	subs  *subscription.Manager
	store *snapshot.Store
	ctl   *adaptive.Controller
	brk   *breaker.Breaker
	d     *Dispatcher

	failRender atomic.Bool
}

func newHarness(t *testing.T, sendTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(time.Unix(1_700_000_000, 0))}
	h.ctl = adaptive.New(adaptive.Config{}, adaptive.WithClock(h.clock))
	h.store = snapshot.New(snapshot.Config{}, snapshot.WithClock(h.clock), snapshot.WithActivity(h.ctl))
	h.subs = subscription.NewManager(h.ctl, logx.Nop())
	h.reg = registry.New(registry.Config{SendTimeout: sendTimeout}, registry.WithClock(h.clock), registry.WithListener(h.subs))
	h.brk = breaker.New(breaker.Config{}, breaker.WithClock(h.clock))
	h.d = New(Config{Workers: 4}, Deps{
		Registry:      h.reg,
		Subscriptions: h.subs,
		Store:         h.store,
		Adaptive:      h.ctl,
		Breaker:       h.brk,
	}, WithClock(h.clock), WithRenderer(func(s *registry.Session, msg any) ([]byte, error) {
		switch msg.(type) {
		case protocol.MetricsUpdate, protocol.MetricsDelta:
			if h.failRender.Load() {
				return nil, errors.New("encoder exploded")
			}
		}
		return s.Encode(msg)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h.d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.d.Stop(context.Background())
	})
	return h
}

func (h *harness) connect(t *testing.T, id string, role acl.Role, topics, entities []string, adaptiveMode bool) *recorder {
	t.Helper()
	rec := &recorder{}
	_, err := h.reg.Register(id, "user-"+id, acl.Roles{role}, protocol.JSON, rec)
	require.NoError(t, err)
	_, err = h.subs.Subscribe(id, topics, entities, adaptiveMode)
	require.NoError(t, err)
	return rec
}

// tick runs one cycle and waits for its passes to finish.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.d.Tick(context.Background())
	require.Eventually(t, func() bool {
		st := h.d.pool.Stats()
		return st.Queued == 0 && st.Running == 0 && st.Completed == st.Submitted
	}, 3*time.Second, time.Millisecond)
}

func (h *harness) ingest(t *testing.T, entity, raw string) {
	t.Helper()
	_, err := h.store.IngestJSON(acl.TopicJobStatus, entity, []byte(raw))
	require.NoError(t, err)
}

func TestFullThenDeltaScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleMonitor, []string{"job-status"}, []string{"exec-123"}, false)

	h.ingest(t, "exec-123", `{"status":"RUNNING","progress":10}`)
	h.tick(t)

	updates := a.ofType(protocol.TypeMetricsUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, "exec-123", updates[0]["executionId"])
	require.Equal(t, []any{map[string]any{"status": "RUNNING", "progress": 10.0}}, updates[0]["metrics"])

	h.ingest(t, "exec-123", `{"status":"RUNNING","progress":55}`)
	h.tick(t) // not due yet
	require.Empty(t, a.ofType(protocol.TypeMetricsDelta))

	h.clock.Advance(5 * time.Second)
	h.tick(t)

	deltas := a.ofType(protocol.TypeMetricsDelta)
	require.Len(t, deltas, 1)
	require.Equal(t, map[string]any{"progress": 55.0}, deltas[0]["changes"])
	require.Equal(t, 2.0, deltas[0]["version"])
	require.Len(t, a.ofType(protocol.TypeMetricsUpdate), 1)

	// nothing new: no further data messages
	h.clock.Advance(5 * time.Second)
	h.tick(t)
	require.Len(t, a.ofType(protocol.TypeMetricsDelta), 1)
}

func TestWildcardSubscriptionAndRedaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	viewer := h.connect(t, "V", acl.RoleViewer, []string{"job-status"}, nil, false)
	operator := h.connect(t, "O", acl.RoleOperator, []string{"job-status"}, nil, false)

	h.ingest(t, "e1", `{"progress":1,"parameters":{"file":"a.csv"}}`)
	h.ingest(t, "e2", `{"progress":2}`)
	h.tick(t)

	vu := viewer.ofType(protocol.TypeMetricsUpdate)
	require.Len(t, vu, 2)
	require.Equal(t, acl.Masked, vu[0]["metrics"].([]any)[0].(map[string]any)["parameters"])

	ou := operator.ofType(protocol.TypeMetricsUpdate)
	require.Len(t, ou, 2)
	require.Equal(t, map[string]any{"file": "a.csv"}, ou[0]["metrics"].([]any)[0].(map[string]any)["parameters"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleViewer, []string{"job-status"}, nil, false)

	h.ingest(t, "e1", `{"p":1}`)
	h.tick(t)
	require.Len(t, a.ofType(protocol.TypeMetricsUpdate), 1)

	_, err := h.subs.Unsubscribe("A", []string{"job-status"})
	require.NoError(t, err)

	h.ingest(t, "e1", `{"p":2}`)
	h.clock.Advance(10 * time.Second)
	h.tick(t)
	require.Len(t, a.ofType(protocol.TypeMetricsUpdate), 1)
	require.Empty(t, a.ofType(protocol.TypeMetricsDelta))
}

func TestDisconnectedSessionDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 50*time.Millisecond)
	good := h.connect(t, "good", acl.RoleViewer, []string{"job-status"}, nil, false)
	gone := h.connect(t, "gone", acl.RoleViewer, []string{"job-status"}, nil, false)
	slow := h.connect(t, "slow", acl.RoleViewer, []string{"job-status"}, nil, false)
	gone.err = errors.New("connection reset by peer")
	slow.block = true

	h.ingest(t, "e1", `{"p":1}`)
	h.tick(t)

	require.Len(t, good.ofType(protocol.TypeMetricsUpdate), 1)
	_, ok := h.reg.Get("gone")
	require.False(t, ok, "broken session removed")
	_, ok = h.reg.Get("slow")
	require.True(t, ok, "timeouts keep the session")
	require.Equal(t, breaker.Closed, h.brk.State(acl.TopicJobStatus))

	// the slow session is retried on the next tick
	slow.mu.Lock()
	slow.block = false
	slow.mu.Unlock()
	h.tick(t)
	require.Len(t, slow.ofType(protocol.TypeMetricsUpdate), 1)
}

func TestBreakerOpensNotifiesOnceAndRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleViewer, []string{"job-status"}, nil, false)
	h.ingest(t, "e1", `{"p":1}`)

	h.failRender.Store(true)
	for i := 0; i < 10; i++ {
		h.tick(t)
	}
	require.Equal(t, breaker.Open, h.brk.State(acl.TopicJobStatus))
	notices := a.ofType(protocol.TypeCircuitBreakerOpened)
	require.Len(t, notices, 1)
	require.Contains(t, notices[0]["reason"], "encoder exploded")
	require.Empty(t, a.ofType(protocol.TypeMetricsUpdate))

	h.failRender.Store(false)
	h.clock.Advance(30 * time.Second)
	h.tick(t)
	require.Equal(t, breaker.HalfOpen, h.brk.State(acl.TopicJobStatus))
	require.Len(t, a.ofType(protocol.TypeMetricsUpdate), 1)

	h.clock.Advance(5 * time.Second)
	h.tick(t)
	require.Equal(t, breaker.Closed, h.brk.State(acl.TopicJobStatus))
	require.Len(t, a.ofType(protocol.TypeCircuitBreakerOpened), 1)
}

func TestClosedStoreFailsEmptyWildcardPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleViewer, []string{"job-status"}, nil, false)
	h.store.Close()

	for i := 0; i < 5; i++ {
		h.tick(t)
	}
	require.Equal(t, breaker.Open, h.brk.State(acl.TopicJobStatus))
	require.Len(t, a.ofType(protocol.TypeCircuitBreakerOpened), 1)

	// the probe after cooldown fails again instead of closing the circuit
	h.clock.Advance(30 * time.Second)
	h.tick(t)
	h.tick(t)
	require.Equal(t, breaker.Open, h.brk.State(acl.TopicJobStatus))
}

func TestBreakerNoticeSkipsUnsubscribedSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	// keep every worker busy so the notices queue up
	var busy []*recorder
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		rec := h.connect(t, id, acl.RoleMonitor, []string{"system-metrics"}, nil, false)
		rec.block = true
		busy = append(busy, rec)
	}
	_, err := h.store.IngestJSON(acl.TopicSystemMetrics, "node-1", []byte(`{"cpu":1}`))
	require.NoError(t, err)
	h.d.Tick(context.Background())
	require.Eventually(t, func() bool { return h.d.pool.Stats().Running == 4 }, 3*time.Second, time.Millisecond)

	stays := h.connect(t, "stays", acl.RoleViewer, []string{"job-status"}, nil, false)
	leaves := h.connect(t, "leaves", acl.RoleViewer, []string{"job-status"}, nil, false)
	h.d.announceOpen(context.Background(), breaker.Transition{
		Topic: acl.TopicJobStatus, From: breaker.Closed, To: breaker.Open, Reason: "store down",
	})
	_, err = h.subs.Unsubscribe("leaves", []string{"job-status"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := h.d.pool.Stats()
		return st.Queued == 0 && st.Running == 0 && st.Completed == st.Submitted
	}, 5*time.Second, time.Millisecond)
	require.Len(t, stays.ofType(protocol.TypeCircuitBreakerOpened), 1)
	require.Empty(t, leaves.ofType(protocol.TypeCircuitBreakerOpened))
	for _, rec := range busy {
		require.Empty(t, rec.ofType(protocol.TypeCircuitBreakerOpened))
	}
}

func TestIntervalAdjustedAnnounced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleViewer, []string{"job-status"}, []string{"e1"}, true)

	for sec := 0; sec < 4; sec++ {
		for i := 0; i < 50; i++ {
			h.ingest(t, "e1", `{"p":1}`)
			h.clock.Advance(20 * time.Millisecond)
		}
		h.tick(t)
	}
	adj := a.ofType(protocol.TypeIntervalAdjusted)
	require.NotEmpty(t, adj)
	require.Less(t, adj[0]["newInterval"].(float64), 5000.0)
}

func TestSessionWithoutTopicsGetsNoIntervalNotices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	idle := &recorder{}
	_, err := h.reg.Register("idle", "user-idle", acl.Roles{acl.RoleViewer}, protocol.JSON, idle)
	require.NoError(t, err)

	for sec := 0; sec < 10; sec++ {
		h.clock.Advance(time.Second)
		h.tick(t)
	}
	require.Empty(t, idle.ofType(protocol.TypeIntervalAdjusted))

	sub, ok := h.subs.Get("idle")
	require.True(t, ok)
	require.Equal(t, 5*time.Second, sub.Interval())
}

func TestVersionsNeverRegressPerKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	a := h.connect(t, "A", acl.RoleViewer, []string{"job-status"}, []string{"e1"}, false)

	for i := 0; i < 20; i++ {
		h.ingest(t, "e1", `{"p":`+string(rune('0'+i%10))+`}`)
		h.clock.Advance(5 * time.Second)
		h.tick(t)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	last := 0.0
	for _, m := range a.msgs {
		v, ok := m["version"].(float64)
		if !ok {
			continue
		}
		require.Greater(t, v, last)
		last = v
	}
	require.Equal(t, 20.0, last)
}
