package app

import (
	"strings"
	"time"

	"batchmon/internal/config"
	"batchmon/internal/ingest"
	"batchmon/internal/maintenance"
	"batchmon/internal/monitor"
	"batchmon/internal/monitor/adaptive"
	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/dispatch"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/observability/admin"
	"batchmon/internal/storage"
	"batchmon/internal/transport/ws"
	logx "batchmon/pkg/logx"
)

// The mappers run on configs that already passed config.Validate, so
// durations parse; zero values fall through to the component defaults.

var dur = config.MustDuration

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		HeartbeatInterval: dur(cfg.Heartbeat.Interval, 0),
		Registry: registry.Config{
			HeartbeatTimeout: dur(cfg.Heartbeat.Timeout, 0),
			SendTimeout:      dur(cfg.Dispatch.SendTimeout, 0),
		},
		Snapshot: snapshot.Config{
			HistoryDepth: cfg.Snapshot.HistoryDepth,
			MaxDeltaGap:  cfg.Snapshot.MaxDeltaGap,
		},
		Adaptive: adaptive.Config{
			Min:         dur(cfg.Adaptive.Min, 0),
			Max:         dur(cfg.Adaptive.Max, 0),
			Default:     dur(cfg.Adaptive.Default, 0),
			Step:        dur(cfg.Adaptive.Step, 0),
			HighRate:    cfg.Adaptive.HighRate,
			LowRate:     cfg.Adaptive.LowRate,
			IdleAfter:   dur(cfg.Adaptive.IdleAfter, 0),
			AdjustEvery: dur(cfg.Adaptive.AdjustEvery, 0),
			RateWindow:  dur(cfg.Adaptive.RateWindow, 0),
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			FailureWindow:    dur(cfg.Breaker.FailureWindow, 0),
			Cooldown:         dur(cfg.Breaker.Cooldown, 0),
			ProbeSuccesses:   cfg.Breaker.ProbeSuccesses,
		},
		Dispatch: dispatch.Config{
			Tick:    dur(cfg.Dispatch.Tick, 0),
			Workers: cfg.Dispatch.Workers,
			Queue:   cfg.Dispatch.QueueSize,
		},
	}
}

func mapWSConfig(cfg *config.Config) ws.Config {
	return ws.Config{
		ReadLimit:      cfg.Server.ReadLimit,
		InboundRate:    cfg.Server.InboundRate,
		InboundBurst:   cfg.Server.InboundBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CloseGrace:     dur(cfg.Server.DisconnectGrace, 0),
	}
}

func mapAuthConfig(cfg *config.Config) ws.AuthConfig {
	out := ws.AuthConfig{
		Mode:        cfg.Auth.Mode,
		UserHeader:  cfg.Auth.UserHeader,
		RolesHeader: cfg.Auth.RolesHeader,
	}
	if len(cfg.Auth.Tokens) > 0 {
		out.Tokens = make(map[string]ws.TokenIdentity, len(cfg.Auth.Tokens))
		for tok, e := range cfg.Auth.Tokens {
			out.Tokens[tok] = ws.TokenIdentity{User: e.User, Roles: e.Roles}
		}
	}
	return out
}

func mapNATSConfig(cfg *config.Config) ingest.NATSConfig {
	n := cfg.Ingest.NATS
	return ingest.NATSConfig{URL: n.URL, SubjectPrefix: n.SubjectPrefix, Queue: n.Queue}
}

func mapIngestHTTPConfig(cfg *config.Config) ingest.HTTPConfig {
	h := cfg.Ingest.HTTP
	return ingest.HTTPConfig{Token: h.Token, AllowInsecure: h.AllowInsecure, MaxBody: h.MaxBody}
}

// mapStorageConfig reports false when the journal is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, bool) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, 0, false
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: dur(sc.BusyTimeout, time.Second),
	}, dur(sc.Retention, 7*24*time.Hour), true
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	a := cfg.Admin
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   dur(a.ReadTimeout, 10*time.Second),
		// profiles stream for up to 30s
		WriteTimeout: dur(a.WriteTimeout, time.Minute),
		IdleTimeout:  time.Minute,
	}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	m := cfg.Maintenance
	out := maintenance.Config{
		Enabled:       m.Enabled,
		Timezone:      m.Timezone,
		EvictSchedule: m.EvictSchedule,
		PruneSchedule: m.PruneSchedule,
		EntityTTL:     dur(cfg.Snapshot.EntityTTL, 0),
	}
	if _, retention, ok := mapStorageConfig(cfg); ok {
		out.Retention = retention
	}
	return out
}
