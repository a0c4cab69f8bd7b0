package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "5s", "1m"); omitted fields take the component defaults.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Logging     LoggingConfig     `json:"logging"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	Adaptive    AdaptiveConfig    `json:"adaptive"`
	Breaker     BreakerConfig     `json:"breaker"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Snapshot    SnapshotConfig    `json:"snapshot"`
	Ingest      IngestConfig      `json:"ingest"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Admin       AdminConfig       `json:"admin"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Systemd     SystemdConfig     `json:"systemd"`
}

// ServerConfig is the public listener carrying the WebSocket endpoint and
// the HTTP ingest route.
type ServerConfig struct {
	Addr           string   `json:"addr"`
	WSPath         string   `json:"ws_path,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadLimit      int64    `json:"read_limit,omitempty"`
	InboundRate    float64  `json:"inbound_rate,omitempty"`
	InboundBurst   int      `json:"inbound_burst,omitempty"`
	// DisconnectGrace bounds the close handshake and the drain on shutdown.
	DisconnectGrace string `json:"disconnect_grace,omitempty"`
}

// AuthConfig selects how WebSocket upgrades are authenticated.
//
//	"auth": { "mode": "static", "tokens": { "t0k3n": { "user": "ops", "roles": ["OPERATOR"] } } }
type AuthConfig struct {
	Mode        string                `json:"mode"`
	Tokens      map[string]TokenEntry `json:"tokens,omitempty"` // never logged
	UserHeader  string                `json:"user_header,omitempty"`
	RolesHeader string                `json:"roles_header,omitempty"`
}

type TokenEntry struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type HeartbeatConfig struct {
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type AdaptiveConfig struct {
	Min         string  `json:"min,omitempty"`
	Max         string  `json:"max,omitempty"`
	Default     string  `json:"default,omitempty"`
	Step        string  `json:"step,omitempty"`
	HighRate    float64 `json:"high_rate,omitempty"`
	LowRate     float64 `json:"low_rate,omitempty"`
	IdleAfter   string  `json:"idle_after,omitempty"`
	AdjustEvery string  `json:"adjust_every,omitempty"`
	RateWindow  string  `json:"rate_window,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	FailureWindow    string `json:"failure_window,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	ProbeSuccesses   int    `json:"probe_successes,omitempty"`
}

type DispatchConfig struct {
	Tick        string `json:"tick,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type SnapshotConfig struct {
	HistoryDepth int    `json:"history_depth,omitempty"`
	MaxDeltaGap  uint64 `json:"max_delta_gap,omitempty"`
	// EntityTTL drops payload history of entities idle for this long.
	EntityTTL string `json:"entity_ttl,omitempty"`
}

type IngestConfig struct {
	NATS NATSIngestConfig `json:"nats"`
	HTTP HTTPIngestConfig `json:"http"`
}

type NATSIngestConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Queue         string `json:"queue,omitempty"`
}

// HTTPIngestConfig mounts POST /ingest/{topic}/{entityId} on the public
// listener. A token is required unless allow_insecure is set.
type HTTPIngestConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	MaxBody       int64  `json:"max_body,omitempty"`
}

// StorageConfig enables the audit journal. Nil disables it.
//
//	"storage": { "driver": "sqlite", "path": "./batchmon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention prunes audit entries older than this; "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// AdminConfig is the operator listener (/healthz, /readyz, /metrics,
// /debug/state, /debug/pprof). Off-loopback binds need a token or
// allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Cron specs; empty disables the job.
	EvictSchedule string `json:"evict_schedule,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
