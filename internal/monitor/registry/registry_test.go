package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batchmon/internal/clock"
	"batchmon/internal/monitor/acl"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	block  bool
	err    error
	closed bool
}

func (f *fakeSender) WriteFrame(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type lifecycle struct {
	mu     sync.Mutex
	opened []string
	closed map[string]string
}

func (l *lifecycle) SessionOpened(s *Session) {
	l.mu.Lock()
	l.opened = append(l.opened, s.ID)
	l.mu.Unlock()
}

func (l *lifecycle) SessionClosed(s *Session, reason string) {
	l.mu.Lock()
	if l.closed == nil {
		l.closed = map[string]string{}
	}
	l.closed[s.ID] = reason
	l.mu.Unlock()
}

func TestRegisterSendUnregister(t *testing.T) {
	t.Parallel()

	lc := &lifecycle{}
	r := New(Config{}, WithListener(lc))
	snd := &fakeSender{}

	s, err := r.Register("", "alice", acl.Roles{acl.RoleMonitor}, nil, snd)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Equal(t, []string{s.ID}, lc.opened)

	require.NoError(t, r.Send(context.Background(), s.ID, []byte("hi")))
	require.Equal(t, [][]byte{[]byte("hi")}, snd.frames)

	require.True(t, r.Unregister(s.ID, ReasonClientClosed))
	require.False(t, r.Unregister(s.ID, ReasonClientClosed))
	require.Equal(t, ReasonClientClosed, lc.closed[s.ID])
	require.True(t, snd.closed)
	require.True(t, s.Closed())

	select {
	case <-s.Done():
	default:
		t.Fatalf("session context not cancelled")
	}

	err = r.Send(context.Background(), s.ID, []byte("late"))
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	_, err := r.Register("s1", "u", nil, nil, &fakeSender{})
	require.NoError(t, err)
	_, err = r.Register("s1", "u", nil, nil, &fakeSender{})
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	r := New(Config{SendTimeout: 20 * time.Millisecond})
	s, err := r.Register("slow", "u", nil, nil, &fakeSender{block: true})
	require.NoError(t, err)

	start := time.Now()
	err = r.SendTo(context.Background(), s, []byte("x"))
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestSendBrokenConnectionIsDisconnected(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s, err := r.Register("b", "u", nil, nil, &fakeSender{err: errors.New("broken pipe")})
	require.NoError(t, err)
	require.ErrorIs(t, r.SendTo(context.Background(), s, []byte("x")), ErrDisconnected)
}

func TestHeartbeatSweep(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	lc := &lifecycle{}
	r := New(Config{HeartbeatTimeout: 60 * time.Second}, WithClock(fc), WithListener(lc))

	_, err := r.Register("quiet", "u", nil, nil, &fakeSender{})
	require.NoError(t, err)
	_, err = r.Register("chatty", "u", nil, nil, &fakeSender{})
	require.NoError(t, err)

	fc.Advance(45 * time.Second)
	require.NoError(t, r.Heartbeat("chatty"))
	fc.Advance(20 * time.Second)

	require.Equal(t, 1, r.Sweep())
	_, ok := r.Get("quiet")
	require.False(t, ok)
	_, ok = r.Get("chatty")
	require.True(t, ok)
	require.Equal(t, ReasonHeartbeatTimeout, lc.closed["quiet"])
	require.ErrorIs(t, r.Heartbeat("quiet"), ErrNotFound)
}

func TestRunSweepsOnTicker(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := New(Config{HeartbeatTimeout: 10 * time.Second, SweepEvery: time.Second}, WithClock(fc))
	_, err := r.Register("a", "u", nil, nil, &fakeSender{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	fc.WaitForTimers(1)

	require.Eventually(t, func() bool {
		fc.Advance(time.Second)
		return r.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSessionsSnapshotOrdered(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := New(Config{}, WithClock(fc))
	_, _ = r.Register("b", "u", nil, nil, &fakeSender{})
	fc.Advance(time.Second)
	_, _ = r.Register("a", "u", nil, nil, &fakeSender{})

	ss := r.Sessions()
	require.Len(t, ss, 2)
	require.Equal(t, "b", ss[0].ID)
	require.Equal(t, "json", ss[1].Info().Codec[len("batchmon."):])

	require.Equal(t, 2, r.CloseAll(ReasonShutdown))
	require.Zero(t, r.Len())
}
