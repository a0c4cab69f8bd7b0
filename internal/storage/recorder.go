package storage

import (
	"context"
	"encoding/json"
	"time"

	"batchmon/internal/eventbus"
	logx "batchmon/pkg/logx"
)

// Recorder appends bus events to a Store. Interval notices are too chatty
// for the journal and are skipped.
type Recorder struct {
	store   Store
	log     logx.Logger
	timeout time.Duration
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, timeout: 2 * time.Second}
}

// Run consumes bus until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, keep := Entry(ev)
			if !keep {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.store.Append(actx, e); err != nil {
				r.log.Warn("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
			cancel()
		}
	}
}

// Entry maps a bus event to a journal record.
func Entry(ev eventbus.Event) (AuditEntry, bool) {
	e := AuditEntry{At: ev.Time, Kind: ev.Type}
	switch d := ev.Data.(type) {
	case eventbus.SessionEvent:
		e.SessionID = d.SessionID
		e.UserID = d.UserID
		e.Detail = d.Reason
		if len(d.Roles) > 0 {
			e.MetaJSON = marshal(map[string]any{"roles": d.Roles})
		}
	case eventbus.BreakerEvent:
		e.Topic = d.Topic
		e.Detail = d.From + "->" + d.To
		if d.Reason != "" {
			e.MetaJSON = marshal(map[string]any{"reason": d.Reason})
		}
	case eventbus.IntervalEvent:
		return AuditEntry{}, false
	default:
		if ev.Data != nil {
			e.MetaJSON = marshal(ev.Data)
		}
	}
	return e, e.Kind != ""
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
