package subscription

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
)

// Subscription is the interest of one session. It lives exactly as long as
// its session.
type Subscription struct {
	session *registry.Session

	mu     sync.Mutex
	closed bool
	// topic -> entity filter; a nil filter follows every entity of the topic
	topics     map[acl.Topic]map[string]struct{}
	cadence    adaptive.Cadence
	lastSentAt time.Time
	lastSent   map[snapshot.Key]uint64
	// interval change waiting to be announced (0 = none)
	pendingNotice time.Duration

	// sendMu is held while a topic is being delivered so Unsubscribe can wait
	// for the in-flight delivery to finish.
	sendMu   sync.Mutex
	inflight atomic.Bool
}

func newSubscription(s *registry.Session, cad adaptive.Cadence) *Subscription {
	return &Subscription{
		session:  s,
		topics:   map[acl.Topic]map[string]struct{}{},
		cadence:  cad,
		lastSent: map[snapshot.Key]uint64{},
	}
}

func (sub *Subscription) Session() *registry.Session { return sub.session }
func (sub *Subscription) SessionID() string          { return sub.session.ID }
func (sub *Subscription) Roles() acl.Roles           { return sub.session.Roles }

// Target is one (topic, entity) a pass has to evaluate.
type Target = snapshot.Key

// Topics returns the subscribed topics, sorted.
func (sub *Subscription) Topics() []acl.Topic {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.topicsLocked()
}

func (sub *Subscription) topicsLocked() []acl.Topic {
	out := make([]acl.Topic, 0, len(sub.topics))
	for t := range sub.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entities returns the entity filter of topic. all is true for a wildcard
// subscription; ok is false when topic is not subscribed.
func (sub *Subscription) Entities(topic acl.Topic) (ids []string, all bool, ok bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	f, ok := sub.topics[topic]
	if !ok {
		return nil, false, false
	}
	if f == nil {
		return nil, true, true
	}
	ids = make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, false, true
}

// ActivityKeys lists the activity streams the adaptive controller should
// consider for this subscription.
func (sub *Subscription) ActivityKeys() []adaptive.Key {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	var keys []adaptive.Key
	for t, f := range sub.topics {
		if f == nil {
			keys = append(keys, adaptive.Key{Topic: t})
			continue
		}
		for id := range f {
			keys = append(keys, adaptive.Key{Topic: t, Entity: id})
		}
	}
	return keys
}

// NextInterval advances the subscription cadence through ctl.
func (sub *Subscription) NextInterval(ctl *adaptive.Controller) adaptive.Decision {
	keys := sub.ActivityKeys()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return ctl.NextInterval(&sub.cadence, keys)
}

// Interval is the current cadence.
func (sub *Subscription) Interval() time.Duration {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.cadence.Current
}

// Due reports whether interval has elapsed since the last completed pass.
func (sub *Subscription) Due(now time.Time, interval time.Duration) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || len(sub.topics) == 0 {
		return false
	}
	return sub.lastSentAt.IsZero() || now.Sub(sub.lastSentAt) >= interval
}

// NoteInterval queues an interval-adjusted announcement; a newer one replaces
// an unsent older one.
func (sub *Subscription) NoteInterval(d time.Duration) {
	sub.mu.Lock()
	sub.pendingNotice = d
	sub.mu.Unlock()
}

// PendingNotice returns the queued announcement, if any.
func (sub *Subscription) PendingNotice() (time.Duration, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.pendingNotice, sub.pendingNotice > 0 && !sub.closed
}

// ClearNotice drops the queued announcement if it is still d.
func (sub *Subscription) ClearNotice(d time.Duration) {
	sub.mu.Lock()
	if sub.pendingNotice == d {
		sub.pendingNotice = 0
	}
	sub.mu.Unlock()
}

// LastSent is the version of key the session last received (0 = never).
func (sub *Subscription) LastSent(key snapshot.Key) uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lastSent[key]
}

// MarkSent records a successful delivery. Versions never move backwards and
// keys of unsubscribed topics are ignored.
func (sub *Subscription) MarkSent(key snapshot.Key, version uint64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if _, ok := sub.topics[key.Topic]; !ok {
		return
	}
	if version > sub.lastSent[key] {
		sub.lastSent[key] = version
	}
}

// MarkPass records that a pass finished without send failures.
func (sub *Subscription) MarkPass(at time.Time) {
	sub.mu.Lock()
	sub.lastSentAt = at
	sub.mu.Unlock()
}

func (sub *Subscription) LastSentAt() time.Time {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lastSentAt
}

// TryBegin marks a pass as running; false if one already is.
func (sub *Subscription) TryBegin() bool { return sub.inflight.CompareAndSwap(false, true) }

// End clears the running mark set by TryBegin.
func (sub *Subscription) End() { sub.inflight.Store(false) }

// HoldTopic locks topic for delivery. ok is false (and nothing is held) when
// the topic is no longer subscribed.
func (sub *Subscription) HoldTopic(topic acl.Topic) (release func(), ok bool) {
	sub.sendMu.Lock()
	sub.mu.Lock()
	_, ok = sub.topics[topic]
	closed := sub.closed
	sub.mu.Unlock()
	if !ok || closed {
		sub.sendMu.Unlock()
		return func() {}, false
	}
	return sub.sendMu.Unlock, true
}

// Follows reports whether topic is subscribed.
func (sub *Subscription) Follows(topic acl.Topic) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	_, ok := sub.topics[topic]
	return ok
}

// Info is a diagnostics view.
type Info struct {
	SessionID  string              `json:"session_id"`
	Topics     map[string][]string `json:"topics"`
	Adaptive   bool                `json:"adaptive"`
	IntervalMs int64               `json:"interval_ms"`
	LastSentAt time.Time           `json:"last_sent_at,omitempty"`
}

func (sub *Subscription) Info() Info {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	topics := make(map[string][]string, len(sub.topics))
	for t, f := range sub.topics {
		ids := []string{"*"}
		if f != nil {
			ids = make([]string, 0, len(f))
			for id := range f {
				ids = append(ids, id)
			}
			sort.Strings(ids)
		}
		topics[string(t)] = ids
	}
	return Info{
		SessionID:  sub.session.ID,
		Topics:     topics,
		Adaptive:   sub.cadence.Adaptive,
		IntervalMs: sub.cadence.Current.Milliseconds(),
		LastSentAt: sub.lastSentAt,
	}
}
