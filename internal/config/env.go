package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix marks environment overrides.
const EnvPrefix = "BATCHMON_"

var envSetters = map[string]func(*Config, string){
	"SERVER_ADDR":        func(c *Config, v string) { c.Server.Addr = v },
	"LOG_LEVEL":          func(c *Config, v string) { c.Logging.Level = v },
	"LOG_JSON":           func(c *Config, v string) { c.Logging.JSON = truthy(v) },
	"ADMIN_ENABLED":      func(c *Config, v string) { c.Admin.Enabled = truthy(v) },
	"ADMIN_ADDR":         func(c *Config, v string) { c.Admin.Addr = v },
	"ADMIN_TOKEN":        func(c *Config, v string) { c.Admin.Token = v },
	"NATS_ENABLED":       func(c *Config, v string) { c.Ingest.NATS.Enabled = truthy(v) },
	"NATS_URL":           func(c *Config, v string) { c.Ingest.NATS.URL = v },
	"INGEST_HTTP_TOKEN":  func(c *Config, v string) { c.Ingest.HTTP.Token = v },
	"DISPATCH_WORKERS":   func(c *Config, v string) { c.Dispatch.Workers, _ = strconv.Atoi(v) },
	"SEND_TIMEOUT":       func(c *Config, v string) { c.Dispatch.SendTimeout = v },
	"HEARTBEAT_TIMEOUT":  func(c *Config, v string) { c.Heartbeat.Timeout = v },
	"STORAGE_DRIVER":     func(c *Config, v string) { storage(c).Driver = v },
	"STORAGE_PATH":       func(c *Config, v string) { storage(c).Path = v },
	"SYSTEMD_NOTIFY":     func(c *Config, v string) { c.Systemd.Notify = truthy(v) },
	"MAINTENANCE_ENABLE": func(c *Config, v string) { c.Maintenance.Enabled = truthy(v) },
}

// EnvOverlay returns an overlay applying BATCHMON_* variables from environ
// (os.Environ() when nil).
func EnvOverlay(environ []string) func(*Config) {
	if environ == nil {
		environ = os.Environ()
	}
	vals := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		vals[strings.TrimPrefix(k, EnvPrefix)] = v
	}
	return func(c *Config) {
		for k, v := range vals {
			if set, ok := envSetters[k]; ok {
				set(c, strings.TrimSpace(v))
			}
		}
	}
}

func storage(c *Config) *StorageConfig {
	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	return c.Storage
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
