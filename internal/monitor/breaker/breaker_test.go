package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/clock"
	"batchmon/internal/monitor/acl"
)

const topic = acl.TopicJobStatus

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake, *[]Transition) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	var (
		mu  sync.Mutex
		trs []Transition
	)
	b := New(Config{}, WithClock(fc), WithTransitionHook(func(tr Transition) {
		mu.Lock()
		trs = append(trs, tr)
		mu.Unlock()
	}))
	return b, fc, &trs
}

func TestTenFailuresOpenThenProbesClose(t *testing.T) {
	t.Parallel()

	b, fc, trs := newTestBreaker(t)

	opened := 0
	for i := 0; i < 10; i++ {
		if tr, ok := b.RecordFailure(topic, "render failed"); ok && tr.Opened() {
			opened++
		}
	}
	require.Equal(t, 1, opened, "open edge reported once")
	require.Equal(t, Open, b.State(topic))
	require.False(t, b.Allow(topic))

	fc.Advance(29 * time.Second)
	require.False(t, b.Allow(topic))

	fc.Advance(time.Second)
	require.True(t, b.Allow(topic))
	require.Equal(t, HalfOpen, b.State(topic))

	_, changed := b.RecordSuccess(topic)
	require.False(t, changed)
	tr, changed := b.RecordSuccess(topic)
	require.True(t, changed)
	require.Equal(t, Closed, tr.To)
	require.Equal(t, Closed, b.State(topic))

	require.Len(t, *trs, 3)
	require.Equal(t, "render failed", (*trs)[0].Reason)
}

func TestHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	t.Parallel()

	b, fc, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure(topic, "x")
	}
	fc.Advance(30 * time.Second)
	require.True(t, b.Allow(topic))

	tr, changed := b.RecordFailure(topic, "probe failed")
	require.True(t, changed)
	require.True(t, tr.Opened())
	require.Equal(t, HalfOpen, tr.From)

	fc.Advance(20 * time.Second)
	require.False(t, b.Allow(topic))
	fc.Advance(10 * time.Second)
	require.True(t, b.Allow(topic))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure(topic, "x")
	}
	b.RecordSuccess(topic)
	for i := 0; i < 4; i++ {
		b.RecordFailure(topic, "x")
	}
	require.Equal(t, Closed, b.State(topic))
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	t.Parallel()

	b, fc, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure(topic, "x")
	}
	fc.Advance(2 * time.Minute)
	b.RecordFailure(topic, "x")
	require.Equal(t, Closed, b.State(topic))
}

func TestSpacedFailuresRestartWindow(t *testing.T) {
	t.Parallel()

	b, fc, trs := newTestBreaker(t)
	// 59s apart: each gap fits the 60s window, the run as a whole does not
	for i := 0; i < 20; i++ {
		b.RecordFailure(topic, "x")
		fc.Advance(59 * time.Second)
	}
	require.Equal(t, Closed, b.State(topic))
	require.Empty(t, *trs)

	// five inside one window still trip it
	for i := 0; i < 5; i++ {
		b.RecordFailure(topic, "x")
		fc.Advance(10 * time.Second)
	}
	require.Equal(t, Open, b.State(topic))
}

func TestTopicsAreIndependent(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure(acl.TopicSystemMetrics, "x")
	}
	require.Equal(t, Open, b.State(acl.TopicSystemMetrics))
	require.True(t, b.Allow(topic))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "job-status", snap[0].Topic)
	require.Equal(t, "OPEN", snap[1].State)
}
