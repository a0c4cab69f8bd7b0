package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"batchmon/internal/monitor/acl"
	logx "batchmon/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(field, raw string) time.Duration {
		d, err := Duration(field, raw, 0)
		check(err)
		return d
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		check(errors.New("server.addr is required"))
	}
	if p := cfg.Server.WSPath; p != "" && !strings.HasPrefix(p, "/") {
		check(fmt.Errorf("server.ws_path must start with '/': %q", p))
	}
	dur("server.disconnect_grace", cfg.Server.DisconnectGrace)

	switch strings.ToLower(strings.TrimSpace(cfg.Auth.Mode)) {
	case "", "static":
		if len(cfg.Auth.Tokens) == 0 {
			check(errors.New("auth.tokens must not be empty in static mode"))
		}
		for tok, e := range cfg.Auth.Tokens {
			if strings.TrimSpace(tok) == "" {
				check(errors.New("auth.tokens: empty token"))
			}
			if len(acl.ParseRoles(e.Roles)) == 0 {
				check(fmt.Errorf("auth.tokens[%s]: no known role", e.User))
			}
		}
	case "header":
	default:
		check(fmt.Errorf("auth.mode: unknown mode %q", cfg.Auth.Mode))
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		check(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	interval := dur("heartbeat.interval", cfg.Heartbeat.Interval)
	timeout := dur("heartbeat.timeout", cfg.Heartbeat.Timeout)
	if interval > 0 && timeout > 0 && timeout <= interval {
		check(errors.New("heartbeat.timeout must exceed heartbeat.interval"))
	}

	lo := dur("adaptive.min", cfg.Adaptive.Min)
	hi := dur("adaptive.max", cfg.Adaptive.Max)
	def := dur("adaptive.default", cfg.Adaptive.Default)
	dur("adaptive.step", cfg.Adaptive.Step)
	dur("adaptive.idle_after", cfg.Adaptive.IdleAfter)
	dur("adaptive.adjust_every", cfg.Adaptive.AdjustEvery)
	dur("adaptive.rate_window", cfg.Adaptive.RateWindow)
	if lo > 0 && hi > 0 && hi < lo {
		check(errors.New("adaptive.max must be >= adaptive.min"))
	}
	if def > 0 && ((lo > 0 && def < lo) || (hi > 0 && def > hi)) {
		check(errors.New("adaptive.default must lie within [min, max]"))
	}
	if cfg.Adaptive.HighRate < 0 {
		check(errors.New("adaptive.high_rate must be >= 0"))
	}
	if cfg.Adaptive.LowRate < 0 {
		check(errors.New("adaptive.low_rate must be >= 0"))
	}
	if cfg.Adaptive.LowRate > 0 && cfg.Adaptive.HighRate > 0 && cfg.Adaptive.LowRate > cfg.Adaptive.HighRate {
		check(errors.New("adaptive.low_rate must not exceed adaptive.high_rate"))
	}

	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.ProbeSuccesses < 0 {
		check(errors.New("breaker thresholds must be >= 0"))
	}
	dur("breaker.failure_window", cfg.Breaker.FailureWindow)
	dur("breaker.cooldown", cfg.Breaker.Cooldown)

	dur("dispatch.tick", cfg.Dispatch.Tick)
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if cfg.Dispatch.Workers < 0 || cfg.Dispatch.QueueSize < 0 {
		check(errors.New("dispatch.workers and dispatch.queue_size must be >= 0"))
	}

	if cfg.Snapshot.HistoryDepth < 0 {
		check(errors.New("snapshot.history_depth must be >= 0"))
	}
	dur("snapshot.entity_ttl", cfg.Snapshot.EntityTTL)

	if h := cfg.Ingest.HTTP; h.Enabled && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		check(errors.New("ingest.http.token is required unless ingest.http.allow_insecure is set"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "file", "sqlite":
		default:
			check(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if strings.TrimSpace(s.Path) == "" {
			check(errors.New("storage.path is required"))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.retention", s.Retention)
	}

	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)

	if cfg.Maintenance.Enabled {
		if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				check(fmt.Errorf("maintenance.timezone: %w", err))
			}
		}
		for field, spec := range map[string]string{
			"maintenance.evict_schedule": cfg.Maintenance.EvictSchedule,
			"maintenance.prune_schedule": cfg.Maintenance.PruneSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				check(fmt.Errorf("%s: %w", field, err))
			}
		}
	}

	return errors.Join(errs...)
}
