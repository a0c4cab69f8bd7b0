package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/clock"
	"batchmon/internal/monitor/acl"
)

var key = Key{Topic: acl.TopicJobStatus, Entity: "exec-123"}

func newTestController() (*Controller, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(Config{}, WithClock(fc)), fc
}

func TestBurstLowersIntervalThenIdleRaisesIt(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)
	require.Equal(t, 5*time.Second, cad.Current)

	prev := cad.Current
	// 50 events/s for 4 seconds, evaluated once per second.
	for sec := 0; sec < 4; sec++ {
		for i := 0; i < 50; i++ {
			ctl.OnActivity(key.Topic, key.Entity)
			fc.Advance(20 * time.Millisecond)
		}
		d := ctl.NextInterval(&cad, []Key{key})
		require.Less(t, d.Interval, prev, "second %d", sec)
		require.GreaterOrEqual(t, d.Interval, time.Second)
		prev = d.Interval
	}

	low := cad.Current
	fc.Advance(5 * time.Second)
	d := ctl.NextInterval(&cad, []Key{key})
	require.Greater(t, d.Interval, low)

	for i := 0; i < 30; i++ {
		fc.Advance(time.Second)
		ctl.NextInterval(&cad, []Key{key})
	}
	require.Equal(t, 10*time.Second, cad.Current)
}

func TestIntervalNeverLeavesBounds(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)
	for i := 0; i < 40; i++ {
		for j := 0; j < 20; j++ {
			ctl.OnActivity(key.Topic, key.Entity)
		}
		fc.Advance(time.Second)
		ctl.NextInterval(&cad, []Key{key})
	}
	require.Equal(t, time.Second, cad.Current)
}

func TestNotifyOnlyBeyondTwentyPercent(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)

	var notes []time.Duration
	for i := 0; i < 3; i++ {
		for j := 0; j < 20; j++ {
			ctl.OnActivity(key.Topic, key.Entity)
		}
		fc.Advance(time.Second)
		if d := ctl.NextInterval(&cad, []Key{key}); d.Notify {
			notes = append(notes, d.Interval)
		}
	}
	// 5000 -> 4500 (10%) -> 4000 (20%, not beyond) -> 3500 (30%)
	require.Equal(t, []time.Duration{3500 * time.Millisecond}, notes)
	require.Equal(t, 3500*time.Millisecond, cad.Notified)
}

func TestNonAdaptivePinnedAtDefault(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(false)
	for i := 0; i < 10; i++ {
		for j := 0; j < 50; j++ {
			ctl.OnActivity(key.Topic, key.Entity)
		}
		fc.Advance(time.Second)
		d := ctl.NextInterval(&cad, []Key{key})
		require.Equal(t, 5*time.Second, d.Interval)
		require.False(t, d.Notify)
	}
}

func TestAdjustEveryLimitsMovement(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)
	for j := 0; j < 50; j++ {
		ctl.OnActivity(key.Topic, key.Entity)
	}
	fc.Advance(100 * time.Millisecond)
	first := ctl.NextInterval(&cad, []Key{key})
	require.True(t, first.Changed)
	second := ctl.NextInterval(&cad, []Key{key})
	require.False(t, second.Changed)
	require.Equal(t, first.Interval, second.Interval)
}

func TestTopicAggregateAndForget(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	ctl.OnActivity(acl.TopicJobStatus, "a")
	ctl.OnActivity(acl.TopicJobStatus, "b")

	r, _ := ctl.Rate(Key{Topic: acl.TopicJobStatus})
	ra, _ := ctl.Rate(Key{Topic: acl.TopicJobStatus, Entity: "a"})
	require.Greater(t, r, ra)

	fc.Advance(time.Hour)
	require.Equal(t, 3, ctl.Forget(time.Minute))
}

func TestSlowTrickleRaisesInterval(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)

	// one event every 4s stays well under LowRate but is never idle for 5s
	for sec := 0; sec < 60; sec++ {
		if sec%4 == 0 {
			ctl.OnActivity(key.Topic, key.Entity)
		}
		fc.Advance(time.Second)
		ctl.NextInterval(&cad, []Key{key})
	}
	r, _ := ctl.Rate(key)
	require.Less(t, r, ctl.Config().LowRate)
	require.Equal(t, 10*time.Second, cad.Current)
}

func TestModerateRateHoldsInterval(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)

	// 2 events/s sits between LowRate and HighRate
	for sec := 0; sec < 30; sec++ {
		ctl.OnActivity(key.Topic, key.Entity)
		fc.Advance(500 * time.Millisecond)
		ctl.OnActivity(key.Topic, key.Entity)
		fc.Advance(500 * time.Millisecond)
		ctl.NextInterval(&cad, []Key{key})
	}
	require.Equal(t, 5*time.Second, cad.Current)
}

func TestNoKeysKeepsInterval(t *testing.T) {
	t.Parallel()

	ctl, fc := newTestController()
	cad := ctl.NewCadence(true)
	for i := 0; i < 20; i++ {
		fc.Advance(time.Second)
		d := ctl.NextInterval(&cad, nil)
		require.False(t, d.Changed)
		require.False(t, d.Notify)
	}
	require.Equal(t, 5*time.Second, cad.Current)
}
