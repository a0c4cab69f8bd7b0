package monitor

import (
	"time"

	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/dispatch"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/monitor/subscription"
)

// State is the diagnostics view served on /debug/state.
type State struct {
	At            time.Time             `json:"at"`
	Sessions      []registry.Info       `json:"sessions"`
	Subscriptions []subscription.Info   `json:"subscriptions"`
	Breakers      []breaker.TopicStatus `json:"breakers"`
	Snapshots     snapshot.Stats        `json:"snapshots"`
	Dispatcher    dispatch.Stats        `json:"dispatcher"`
}

func (e *Engine) Snapshot() State {
	sessions := e.reg.Sessions()
	st := State{
		At:            e.clock.Now(),
		Sessions:      make([]registry.Info, 0, len(sessions)),
		Subscriptions: make([]subscription.Info, 0, len(sessions)),
		Breakers:      e.brk.Snapshot(),
		Snapshots:     e.store.Stats(),
		Dispatcher:    e.disp.Stats(),
	}
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, s.Info())
		if sub, ok := e.subs.Get(s.ID); ok {
			st.Subscriptions = append(st.Subscriptions, sub.Info())
		}
	}
	return st
}
