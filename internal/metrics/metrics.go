// Package metrics defines the engine's instrumentation surface. Components
// depend on the Collector interface; Nop discards everything and Prometheus
// exports it.
package metrics

import "time"

// Collector receives engine measurements. Implementations must be safe for
// concurrent use.
type Collector interface {
	// IngestObserved counts an accepted snapshot for topic.
	IngestObserved(topic string)
	// SendObserved counts one push to a session. kind is full|delta|control,
	// result is ok|disconnected|timeout|error.
	SendObserved(topic, kind, result string, bytes int)
	// TickObserved records one dispatcher cycle and how many subscriptions were due.
	TickObserved(d time.Duration, due int, skipped int)
	// SessionsSet reports the live session count.
	SessionsSet(n int)
	// BreakerStateSet reports the state of a topic breaker (0 closed, 1 half-open, 2 open).
	BreakerStateSet(topic string, state int)
	// IntervalAdjusted counts adaptive cadence changes by direction (up|down).
	IntervalAdjusted(direction string)
}

// Nop discards all measurements.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) IngestObserved(string)                    {}
func (Nop) SendObserved(string, string, string, int) {}
func (Nop) TickObserved(time.Duration, int, int)     {}
func (Nop) SessionsSet(int)                          {}
func (Nop) BreakerStateSet(string, int)              {}
func (Nop) IntervalAdjusted(string)                  {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
