package config

import (
	"reflect"
	"sort"
	"strings"

	logx "batchmon/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets (tokens) are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	n := newCfg
	section("server", oldCfg.Server, n.Server,
		logx.String("server.addr", n.Server.Addr),
		logx.String("server.disconnect_grace", n.Server.DisconnectGrace),
	)
	section("auth", oldCfg.Auth, n.Auth,
		logx.String("auth.mode", n.Auth.Mode),
		logx.Int("auth.tokens", len(n.Auth.Tokens)),
	)
	section("logging", oldCfg.Logging, n.Logging,
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file", n.Logging.File.Enabled),
	)
	section("heartbeat", oldCfg.Heartbeat, n.Heartbeat,
		logx.String("heartbeat.interval", n.Heartbeat.Interval),
		logx.String("heartbeat.timeout", n.Heartbeat.Timeout),
	)
	section("adaptive", oldCfg.Adaptive, n.Adaptive,
		logx.String("adaptive.min", n.Adaptive.Min),
		logx.String("adaptive.max", n.Adaptive.Max),
		logx.String("adaptive.default", n.Adaptive.Default),
	)
	section("breaker", oldCfg.Breaker, n.Breaker,
		logx.Int("breaker.failure_threshold", n.Breaker.FailureThreshold),
		logx.String("breaker.cooldown", n.Breaker.Cooldown),
	)
	section("dispatch", oldCfg.Dispatch, n.Dispatch,
		logx.String("dispatch.tick", n.Dispatch.Tick),
		logx.Int("dispatch.workers", n.Dispatch.Workers),
		logx.String("dispatch.send_timeout", n.Dispatch.SendTimeout),
	)
	section("snapshot", oldCfg.Snapshot, n.Snapshot,
		logx.Int("snapshot.history_depth", n.Snapshot.HistoryDepth),
		logx.String("snapshot.entity_ttl", n.Snapshot.EntityTTL),
	)
	section("ingest", redactIngest(oldCfg.Ingest), redactIngest(n.Ingest),
		logx.Bool("ingest.nats", n.Ingest.NATS.Enabled),
		logx.Bool("ingest.http", n.Ingest.HTTP.Enabled),
		logx.Bool("ingest.http.token_set", strings.TrimSpace(n.Ingest.HTTP.Token) != ""),
	)
	var driver string
	if n.Storage != nil {
		driver = n.Storage.Driver
	}
	section("storage", oldCfg.Storage, n.Storage, logx.String("storage.driver", driver))
	section("admin", oldCfg.Admin, n.Admin,
		logx.Bool("admin.enabled", n.Admin.Enabled),
		logx.String("admin.addr", n.Admin.Addr),
		logx.Bool("admin.token_set", strings.TrimSpace(n.Admin.Token) != ""),
	)
	section("maintenance", oldCfg.Maintenance, n.Maintenance,
		logx.Bool("maintenance.enabled", n.Maintenance.Enabled),
	)
	section("systemd", oldCfg.Systemd, n.Systemd)

	sort.Strings(changed)
	return changed, attrs
}

// redactIngest keeps token changes visible to the comparison without
// carrying the value.
func redactIngest(c IngestConfig) IngestConfig {
	if c.HTTP.Token != "" {
		c.HTTP.Token = "set"
	}
	return c
}

// RestartRequired lists changed sections that only take effect after a
// restart; the rest are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "server", "auth", "ingest", "storage", "maintenance", "systemd", "snapshot":
			out = append(out, s)
		}
	}
	return out
}
