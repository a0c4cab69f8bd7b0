package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorRegistersAndCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.IngestObserved("job-status")
	p.IngestObserved("job-status")
	p.SendObserved("job-status", "delta", "ok", 42)
	p.SendObserved("job-status", "full", "timeout", 0)
	p.TickObserved(3*time.Millisecond, 4, 1)
	p.SessionsSet(7)
	p.BreakerStateSet("job-status", 2)
	p.IntervalAdjusted("down")

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	require.Equal(t, 2.0, byName["test_snapshot_ingests_total"])
	require.Equal(t, 2.0, byName["test_dispatch_sends_total"])
	require.Equal(t, 42.0, byName["test_dispatch_sent_bytes_total"])
	require.Equal(t, 7.0, byName["test_registry_sessions"])
	require.Equal(t, 2.0, byName["test_breaker_state"])
	require.Equal(t, 1.0, byName["test_adaptive_adjustments_total"])
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	require.Equal(t, Nop{}, OrNop(nil))
	p := NewPrometheus(prometheus.NewRegistry(), "")
	require.Same(t, p, OrNop(p))
}
