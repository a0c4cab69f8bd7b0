package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector on top of client_golang. Vectors are
// registered lazily on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	ingests     *prometheus.CounterVec
	sends       *prometheus.CounterVec
	sentBytes   *prometheus.CounterVec
	tickLatency prometheus.Histogram
	dueSubs     prometheus.Gauge
	skippedSubs prometheus.Counter
	sessions    prometheus.Gauge
	breaker     *prometheus.GaugeVec
	adjustments *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus uses prometheus.DefaultRegisterer when reg is nil and
// "batchmon" when namespace is empty.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "batchmon"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.ingests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "ingests_total",
			Help:      "Accepted snapshots by topic.",
		}, []string{"topic"})
		p.sends = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Pushes to sessions by topic, kind (full,delta,control) and result.",
		}, []string{"topic", "kind", "result"})
		p.sentBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "sent_bytes_total",
			Help:      "Bytes written to sessions by kind.",
		}, []string{"kind"})
		p.tickLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "tick_seconds",
			Help:      "Time spent scheduling one dispatcher cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		})
		p.dueSubs = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "due_subscriptions",
			Help:      "Subscriptions due in the most recent cycle.",
		})
		p.skippedSubs = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "skipped_total",
			Help:      "Due subscriptions skipped because a pass was still running or the pool was full.",
		})
		p.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "sessions",
			Help:      "Live sessions.",
		})
		p.breaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Topic breaker state (0=closed,1=half-open,2=open).",
		}, []string{"topic"})
		p.adjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "adaptive",
			Name:      "adjustments_total",
			Help:      "Adaptive interval changes by direction.",
		}, []string{"direction"})

		p.reg.MustRegister(p.ingests, p.sends, p.sentBytes, p.tickLatency, p.dueSubs,
			p.skippedSubs, p.sessions, p.breaker, p.adjustments)
	})
}

func (p *Prometheus) IngestObserved(topic string) {
	p.ensureRegistered()
	p.ingests.WithLabelValues(topic).Inc()
}

func (p *Prometheus) SendObserved(topic, kind, result string, bytes int) {
	p.ensureRegistered()
	p.sends.WithLabelValues(topic, kind, result).Inc()
	if result == "ok" && bytes > 0 {
		p.sentBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

func (p *Prometheus) TickObserved(d time.Duration, due int, skipped int) {
	p.ensureRegistered()
	p.tickLatency.Observe(d.Seconds())
	p.dueSubs.Set(float64(due))
	if skipped > 0 {
		p.skippedSubs.Add(float64(skipped))
	}
}

func (p *Prometheus) SessionsSet(n int) {
	p.ensureRegistered()
	p.sessions.Set(float64(n))
}

func (p *Prometheus) BreakerStateSet(topic string, state int) {
	p.ensureRegistered()
	p.breaker.WithLabelValues(topic).Set(float64(state))
}

func (p *Prometheus) IntervalAdjusted(direction string) {
	p.ensureRegistered()
	p.adjustments.WithLabelValues(direction).Inc()
}
