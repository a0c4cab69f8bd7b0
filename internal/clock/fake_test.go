package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresAfter(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	ch := f.After(2 * time.Second)

	f.Advance(time.Second)
	select {
	case <-ch:
		t.Fatalf("fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("fire time=%v", got)
		}
	default:
		t.Fatalf("did not fire")
	}
}

func TestFakeTickerRepeatsAndStops(t *testing.T) {
	t.Parallel()

	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(250 * time.Millisecond)

	for i := 0; i < 3; i++ {
		f.Advance(250 * time.Millisecond)
		select {
		case <-tk.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	f.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatalf("tick after stop")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()

	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-f.After(time.Minute)
		close(done)
	}()
	f.WaitForTimers(1)
	f.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never released")
	}
}
