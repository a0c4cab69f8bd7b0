package config

// Example is a minimal working configuration written by `batchmon --init`.
const Example = `{
  // public listener: WebSocket endpoint and HTTP ingest
  "server": { "addr": "127.0.0.1:8080", "ws_path": "/ws" },

  "auth": {
    "mode": "static",
    "tokens": {
      "change-me-viewer": { "user": "dashboard", "roles": ["VIEWER"] },
      "change-me-admin":  { "user": "ops",       "roles": ["ADMIN"] }
    }
  },

  "logging": { "level": "info", "console": true, "file": { "enabled": false, "path": "./batchmon.log" } },

  "heartbeat": { "interval": "30s", "timeout": "60s" },
  "adaptive":  { "min": "1s", "max": "10s", "default": "5s" },
  "breaker":   { "failure_threshold": 5, "failure_window": "60s", "cooldown": "30s", "probe_successes": 2 },
  "dispatch":  { "tick": "250ms", "workers": 8, "send_timeout": "2s" },
  "snapshot":  { "history_depth": 32, "entity_ttl": "1h" },

  "ingest": {
    "nats": { "enabled": false, "url": "nats://127.0.0.1:4222", "subject_prefix": "batchmon.ingest" },
    // POST /ingest/{topic}/{entityId}; set a token or "allow_insecure": true
    "http": { "enabled": true, "token": "change-me-ingest" }
  },

  "storage": { "driver": "file", "path": "./batchmon_audit", "retention": "168h" },

  "admin": { "enabled": true, "addr": "127.0.0.1:9090" },
  "maintenance": { "enabled": true, "evict_schedule": "*/5 * * * *", "prune_schedule": "@daily" },
  "systemd": { "notify": true, "watchdog": true }
}
`
