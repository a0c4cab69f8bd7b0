// Package subscription tracks which topics and entities each session follows,
// filtered through the role table in package acl.
package subscription

import (
	"errors"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	logx "batchmon/pkg/logx"
)

var ErrUnknownSession = errors.New("unknown session")

// Manager owns one Subscription per live session. It is a registry.Listener:
// subscription state is created and destroyed together with the session.
type Manager struct {
	ctl  *adaptive.Controller
	log  logx.Logger
	subs *xsync.Map[string, *Subscription]
}

var _ registry.Listener = (*Manager)(nil)

func NewManager(ctl *adaptive.Controller, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		ctl:  ctl,
		log:  log.With(logx.String("comp", "subscription")),
		subs: xsync.NewMap[string, *Subscription](),
	}
}

func (m *Manager) SessionOpened(s *registry.Session) {
	m.subs.Store(s.ID, newSubscription(s, m.ctl.NewCadence(true)))
}

func (m *Manager) SessionClosed(s *registry.Session, _ string) {
	sub, ok := m.subs.LoadAndDelete(s.ID)
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.topics = map[acl.Topic]map[string]struct{}{}
	sub.lastSent = map[snapshot.Key]uint64{}
	sub.mu.Unlock()
}

// Subscribe adds topics the session's roles allow and returns them. Forbidden
// or unknown topics are left out silently. Entity filters of an already
// subscribed topic are merged; an empty entity list follows every entity.
func (m *Manager) Subscribe(sessionID string, topics, entities []string, adaptiveMode bool) ([]acl.Topic, error) {
	sub, ok := m.subs.Load(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	confirmed := acl.Filter(topics, sub.Roles())
	filter := entitySet(entities)

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil, ErrUnknownSession
	}
	for _, t := range confirmed {
		cur, had := sub.topics[t]
		switch {
		case !had:
			sub.topics[t] = cloneSet(filter)
		case cur == nil || filter == nil:
			sub.topics[t] = nil
		default:
			for id := range filter {
				cur[id] = struct{}{}
			}
		}
	}
	if sub.cadence.Adaptive != adaptiveMode {
		sub.cadence = m.ctl.NewCadence(adaptiveMode)
	}
	sub.mu.Unlock()

	m.log.Debug("subscribed",
		logx.String("session", sessionID),
		logx.Strings("requested", topics),
		logx.Int("confirmed", len(confirmed)),
		logx.Int("entities", len(filter)),
		logx.Bool("adaptive", adaptiveMode),
	)
	return confirmed, nil
}

// Unsubscribe removes topics and returns those that were actually subscribed.
// It waits for an in-flight delivery of the session to finish, so nothing for
// a removed topic is sent after it returns.
func (m *Manager) Unsubscribe(sessionID string, topics []string) ([]acl.Topic, error) {
	sub, ok := m.subs.Load(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}

	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil, ErrUnknownSession
	}

	removed := make([]acl.Topic, 0, len(topics))
	for _, s := range topics {
		t := acl.Topic(strings.TrimSpace(s))
		if _, had := sub.topics[t]; !had {
			continue
		}
		delete(sub.topics, t)
		for k := range sub.lastSent {
			if k.Topic == t {
				delete(sub.lastSent, k)
			}
		}
		removed = append(removed, t)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

// Get returns the subscription of a session.
func (m *Manager) Get(sessionID string) (*Subscription, bool) {
	return m.subs.Load(sessionID)
}

// All snapshots the current subscriptions.
func (m *Manager) All() []*Subscription {
	out := make([]*Subscription, 0, m.subs.Size())
	m.subs.Range(func(_ string, sub *Subscription) bool {
		out = append(out, sub)
		return true
	})
	return out
}

// Following returns the subscriptions that include topic.
func (m *Manager) Following(topic acl.Topic) []*Subscription {
	var out []*Subscription
	m.subs.Range(func(_ string, sub *Subscription) bool {
		if sub.Follows(topic) {
			out = append(out, sub)
		}
		return true
	})
	return out
}

func (m *Manager) Len() int { return m.subs.Size() }

func entitySet(ids []string) map[string]struct{} {
	var out map[string]struct{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if out == nil {
			out = map[string]struct{}{}
		}
		out[id] = struct{}{}
	}
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
