package app

import (
	"fmt"
	"time"

	"batchmon/internal/config"
	"batchmon/internal/ingest"
	"batchmon/internal/maintenance"
	"batchmon/internal/monitor"
	rtsup "batchmon/internal/runtime/supervisor"
)

// State is served on /debug/state.
type State struct {
	StartedAt     time.Time              `json:"started_at"`
	Uptime        string                 `json:"uptime"`
	ConfigHash    string                 `json:"config_hash"`
	Engine        monitor.State          `json:"engine"`
	Supervisor    rtsup.Snapshot         `json:"supervisor"`
	Admin         *rtsup.Snapshot        `json:"admin,omitempty"`
	Maintenance   []maintenance.JobStats `json:"maintenance"`
	NATS          *ingest.NATSStats      `json:"nats,omitempty"`
	EventsDropped uint64                 `json:"events_dropped"`
}

func (a *App) State() State {
	st := State{
		StartedAt:     a.startedAt,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		ConfigHash:    fmt.Sprintf("%016x", config.Hash(a.cfgm.Get())),
		Engine:        a.engine.Snapshot(),
		Maintenance:   a.maint.Stats(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if sup := a.admin.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		st.Admin = &snap
	}
	if a.nats != nil {
		ns := a.nats.Stats()
		st.NATS = &ns
	}
	return st
}
