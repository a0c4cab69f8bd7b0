package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	logx "batchmon/pkg/logx"
)

type nopSender struct{}

func (nopSender) WriteFrame(context.Context, []byte) error { return nil }
func (nopSender) Close() error                             { return nil }

func setup(t *testing.T) (*registry.Registry, *Manager) {
	t.Helper()
	m := NewManager(adaptive.New(adaptive.Config{}), logx.Nop())
	reg := registry.New(registry.Config{}, registry.WithListener(m))
	return reg, m
}

func register(t *testing.T, reg *registry.Registry, id string, roles ...acl.Role) {
	t.Helper()
	_, err := reg.Register(id, "user-"+id, acl.Roles(roles), nil, nopSender{})
	require.NoError(t, err)
}

func TestSubscribeFiltersByRole(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleMonitor)

	got, err := m.Subscribe("a", []string{"job-status", "system-config", "security-events"}, nil, true)
	require.NoError(t, err)
	require.Equal(t, []acl.Topic{acl.TopicJobStatus}, got)

	sub, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, []acl.Topic{acl.TopicJobStatus}, sub.Topics())
}

func TestSubscribeMergesEntityFilters(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleViewer)

	_, err := m.Subscribe("a", []string{"job-status"}, []string{"exec-1"}, true)
	require.NoError(t, err)
	_, err = m.Subscribe("a", []string{"job-status"}, []string{"exec-2", "exec-1"}, true)
	require.NoError(t, err)

	sub, _ := m.Get("a")
	ids, all, ok := sub.Entities(acl.TopicJobStatus)
	require.True(t, ok)
	require.False(t, all)
	require.Equal(t, []string{"exec-1", "exec-2"}, ids)

	_, err = m.Subscribe("a", []string{"job-status"}, nil, true)
	require.NoError(t, err)
	_, all, _ = sub.Entities(acl.TopicJobStatus)
	require.True(t, all)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleAdmin)
	_, err := m.Subscribe("a", []string{"job-status", "system-config"}, nil, true)
	require.NoError(t, err)

	sub, _ := m.Get("a")
	key := snapshot.Key{Topic: acl.TopicJobStatus, Entity: "e"}
	sub.MarkSent(key, 3)

	got, err := m.Unsubscribe("a", []string{"job-status", "security-events"})
	require.NoError(t, err)
	require.Equal(t, []acl.Topic{acl.TopicJobStatus}, got)
	require.Zero(t, sub.LastSent(key))

	got, err = m.Unsubscribe("a", []string{"job-status"})
	require.NoError(t, err)
	require.Empty(t, got)

	_, ok := sub.HoldTopic(acl.TopicJobStatus)
	require.False(t, ok)
}

func TestUnsubscribeWaitsForInFlightDelivery(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleViewer)
	_, err := m.Subscribe("a", []string{"job-status"}, nil, true)
	require.NoError(t, err)
	sub, _ := m.Get("a")

	release, ok := sub.HoldTopic(acl.TopicJobStatus)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		_, _ = m.Unsubscribe("a", []string{"job-status"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("unsubscribe returned while delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-done
	require.False(t, sub.Follows(acl.TopicJobStatus))
}

func TestSessionCloseReleasesSubscription(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleViewer)
	_, err := m.Subscribe("a", []string{"job-status"}, nil, true)
	require.NoError(t, err)
	sub, _ := m.Get("a")

	reg.Unregister("a", registry.ReasonClientClosed)

	_, ok := m.Get("a")
	require.False(t, ok)
	require.Zero(t, m.Len())
	require.False(t, sub.Due(time.Now(), 0))

	_, err = m.Subscribe("a", []string{"job-status"}, nil, true)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestConcurrentSubscribeAndDisconnectLeavesNoOrphans(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := string(rune('A' + i%26)) + string(rune('a'+i/26))
		register(t, reg, id, acl.RoleViewer)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Subscribe(id, []string{"job-status"}, nil, true)
		}()
		go func() {
			defer wg.Done()
			reg.Unregister(id, registry.ReasonClientClosed)
		}()
	}
	wg.Wait()
	require.Zero(t, m.Len())
	require.Zero(t, reg.Len())
}

func TestMarkSentNeverRegresses(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleViewer)
	_, _ = m.Subscribe("a", []string{"job-status"}, []string{"e"}, true)
	sub, _ := m.Get("a")

	key := snapshot.Key{Topic: acl.TopicJobStatus, Entity: "e"}
	sub.MarkSent(key, 5)
	sub.MarkSent(key, 4)
	require.Equal(t, uint64(5), sub.LastSent(key))

	other := snapshot.Key{Topic: acl.TopicJobMetrics, Entity: "e"}
	sub.MarkSent(other, 1)
	require.Zero(t, sub.LastSent(other))
}

func TestDueAndAdaptiveToggle(t *testing.T) {
	t.Parallel()

	reg, m := setup(t)
	register(t, reg, "a", acl.RoleViewer)
	sub, _ := m.Get("a")

	now := time.Now()
	require.False(t, sub.Due(now, time.Second), "no topics yet")

	_, _ = m.Subscribe("a", []string{"job-status"}, nil, false)
	require.True(t, sub.Due(now, time.Second))
	sub.MarkPass(now)
	require.False(t, sub.Due(now.Add(500*time.Millisecond), time.Second))
	require.True(t, sub.Due(now.Add(time.Second), time.Second))
	require.False(t, sub.Info().Adaptive)
	require.Equal(t, map[string][]string{"job-status": {"*"}}, sub.Info().Topics)
}
