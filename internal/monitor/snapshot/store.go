// Package snapshot keeps the latest state per (topic, entity) together with a
// short version history, and computes per-subscriber deltas against it.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"batchmon/internal/clock"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor/acl"
)

var (
	ErrUnavailable    = errors.New("snapshot store unavailable")
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrInvalidKey     = errors.New("invalid entity id")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Key addresses one snapshot.
type Key struct {
	Topic  acl.Topic
	Entity string
}

func (k Key) String() string { return string(k.Topic) + "/" + k.Entity }

// ActivityRecorder is notified on every accepted ingest.
type ActivityRecorder interface {
	OnActivity(topic acl.Topic, entity string)
}

type Config struct {
	// HistoryDepth is how many versions per key are retained for delta
	// computation, current one included.
	HistoryDepth int
	// MaxDeltaGap: a subscriber further behind than this gets a full snapshot.
	MaxDeltaGap uint64
}

func (c Config) withDefaults() Config {
	if c.HistoryDepth <= 1 {
		c.HistoryDepth = 32
	}
	if c.MaxDeltaGap == 0 || c.MaxDeltaGap >= uint64(c.HistoryDepth) {
		c.MaxDeltaGap = uint64(c.HistoryDepth - 1)
	}
	return c
}

type revision struct {
	version uint64
	payload any
}

type entry struct {
	mu        sync.Mutex
	version   uint64
	updatedAt time.Time
	history   []revision // oldest first; empty once evicted
}

// Store is safe for concurrent use. Unrelated keys never share a lock.
type Store struct {
	cfg      atomic.Pointer[Config]
	clock    clock.Clock
	activity ActivityRecorder
	metrics  metrics.Collector

	entries *xsync.Map[Key, *entry]
	// topic -> set of entity ids that currently hold a payload
	index *xsync.Map[acl.Topic, *xsync.Map[string, struct{}]]

	closed atomic.Bool
}

type Option func(*Store)

func WithClock(c clock.Clock) Option         { return func(s *Store) { s.clock = c } }
func WithActivity(a ActivityRecorder) Option { return func(s *Store) { s.activity = a } }
func WithMetrics(m metrics.Collector) Option { return func(s *Store) { s.metrics = m } }

func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		entries: xsync.NewMap[Key, *entry](),
		index:   xsync.NewMap[acl.Topic, *xsync.Map[string, struct{}]](),
	}
	c := cfg.withDefaults()
	s.cfg.Store(&c)
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.metrics = metrics.OrNop(s.metrics)
	return s
}

// Apply swaps history settings; existing histories shrink lazily on next ingest.
func (s *Store) Apply(cfg Config) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
}

// SetActivity attaches the recorder after construction.
func (s *Store) SetActivity(a ActivityRecorder) { s.activity = a }

// Close makes every further Ingest and Diff fail with ErrUnavailable.
func (s *Store) Close() { s.closed.Store(true) }

// Available is false once the store is closed.
func (s *Store) Available() bool { return !s.closed.Load() }

// Ingest stores payload as the next version of (topic, entity). payload must
// be JSON-representable; it is normalized to the generic JSON value shapes.
func (s *Store) Ingest(topic acl.Topic, entity string, payload any) (uint64, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return s.IngestJSON(topic, entity, raw)
	}
	if raw, ok := payload.([]byte); ok {
		return s.IngestJSON(topic, entity, raw)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.IngestJSON(topic, entity, b)
}

// IngestJSON is Ingest for an encoded payload.
func (s *Store) IngestJSON(topic acl.Topic, entity string, raw []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrUnavailable
	}
	if !acl.Known(topic) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return 0, ErrInvalidKey
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if v == nil {
		return 0, fmt.Errorf("%w: null", ErrInvalidPayload)
	}

	key := Key{Topic: topic, Entity: entity}
	e, ok := s.entries.Load(key)
	if !ok {
		e, _ = s.entries.LoadOrStore(key, &entry{})
	}

	depth := s.cfg.Load().HistoryDepth
	e.mu.Lock()
	e.version++
	ver := e.version
	e.updatedAt = s.clock.Now()
	e.history = append(e.history, revision{version: ver, payload: v})
	if n := len(e.history); n > depth {
		// copy down so the backing array does not grow forever
		e.history = append(e.history[:0], e.history[n-depth:]...)
	}
	// index under the entry lock so a concurrent Evict cannot unlist it
	s.topicIndex(topic).Store(entity, struct{}{})
	e.mu.Unlock()

	s.metrics.IngestObserved(string(topic))
	if s.activity != nil {
		s.activity.OnActivity(topic, entity)
	}
	return ver, nil
}

func (s *Store) topicIndex(topic acl.Topic) *xsync.Map[string, struct{}] {
	m, ok := s.index.Load(topic)
	if !ok {
		m, _ = s.index.LoadOrStore(topic, xsync.NewMap[string, struct{}]())
	}
	return m
}

// Version returns the current version of key (0 if never ingested).
func (s *Store) Version(key Key) uint64 {
	e, ok := s.entries.Load(key)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Diff compares the current state of key with what a subscriber last saw at
// version since (0 means never).
func (s *Store) Diff(key Key, since uint64) (Result, error) {
	if s.closed.Load() {
		return Result{}, ErrUnavailable
	}
	e, ok := s.entries.Load(key)
	if !ok {
		return Result{Kind: KindMissing}, nil
	}
	gap := s.cfg.Load().MaxDeltaGap

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) == 0 {
		return Result{Kind: KindMissing, Version: e.version}, nil
	}
	cur := e.history[len(e.history)-1]
	res := Result{Version: cur.version, UpdatedAt: e.updatedAt}

	switch {
	case since == cur.version:
		res.Kind = KindUnchanged
		return res, nil
	case since == 0, since > cur.version, cur.version-since > gap:
		res.Kind = KindFull
		res.Payload = cur.payload
		return res, nil
	}

	base, found := e.lookup(since)
	if !found {
		res.Kind = KindFull
		res.Payload = cur.payload
		return res, nil
	}
	changes, ok := diffObjects(base, cur.payload)
	if !ok {
		res.Kind = KindFull
		res.Payload = cur.payload
		return res, nil
	}
	res.Kind = KindDelta
	res.Changes = changes
	return res, nil
}

func (e *entry) lookup(version uint64) (any, bool) {
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].version == version {
			return e.history[i].payload, true
		}
		if e.history[i].version < version {
			break
		}
	}
	return nil, false
}

// Entities lists the entities of topic that currently hold a payload, sorted.
func (s *Store) Entities(topic acl.Topic) []string {
	m, ok := s.index.Load(topic)
	if !ok {
		return nil
	}
	out := make([]string, 0, m.Size())
	m.Range(func(id string, _ struct{}) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}

// Evict drops the payload history of keys not updated within ttl. The version
// counter survives so a later ingest continues the sequence.
func (s *Store) Evict(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-ttl)
	n := 0
	s.entries.Range(func(key Key, e *entry) bool {
		e.mu.Lock()
		stale := len(e.history) > 0 && e.updatedAt.Before(cutoff)
		if stale {
			e.history = nil
			if m, ok := s.index.Load(key.Topic); ok {
				m.Delete(key.Entity)
			}
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Stats is a diagnostics view.
type Stats struct {
	Keys     int            `json:"keys"`
	Retained int            `json:"retained"`
	ByTopic  map[string]int `json:"by_topic"`
}

func (s *Store) Stats() Stats {
	st := Stats{ByTopic: map[string]int{}}
	st.Keys = s.entries.Size()
	s.index.Range(func(t acl.Topic, m *xsync.Map[string, struct{}]) bool {
		n := m.Size()
		st.ByTopic[string(t)] = n
		st.Retained += n
		return true
	})
	return st
}
