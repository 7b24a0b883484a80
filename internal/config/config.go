package config

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// Config is the p42r daemon and CLI configuration.
type Config struct {
	// DataDir holds the pairing store, journal, logs and PID file.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Engine EngineConfig `json:"engine" mapstructure:"engine"`
	// RateLimitPolicy is fixed_window or token_bucket.
	RateLimitPolicy string `json:"rate_limit_policy" mapstructure:"rate_limit_policy"`

	Telegram    TelegramConfig    `json:"telegram" mapstructure:"telegram"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Pairing     PairingConfig     `json:"pairing" mapstructure:"pairing"`
	Exec        ExecConfig        `json:"exec" mapstructure:"exec"`
	PSLimit     int               `json:"ps_limit" mapstructure:"ps_limit"`
	Capture     CaptureConfig     `json:"capture" mapstructure:"capture"`
	Journal     JournalConfig     `json:"journal" mapstructure:"journal"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`
}

// EngineConfig tunes the dispatcher and session registry.
type EngineConfig struct {
	MaxConcurrentPerIdentity int           `json:"max_concurrent_per_identity" mapstructure:"max_concurrent_per_identity"`
	RateLimitMax             int           `json:"rate_limit_max" mapstructure:"rate_limit_max"`
	RateLimitWindow          time.Duration `json:"rate_limit_window" mapstructure:"rate_limit_window"`
	DefaultHandlerTimeout    time.Duration `json:"default_handler_timeout" mapstructure:"default_handler_timeout"`
	MaxHandlerTimeout        time.Duration `json:"max_handler_timeout" mapstructure:"max_handler_timeout"`
	OutboundChunkBytes       int           `json:"outbound_chunk_bytes" mapstructure:"outbound_chunk_bytes"`

	Overflow            string        `json:"overflow" mapstructure:"overflow"` // reject, queue
	MaxQueueWait        time.Duration `json:"max_queue_wait" mapstructure:"max_queue_wait"`
	TerminateGrace      time.Duration `json:"terminate_grace" mapstructure:"terminate_grace"`
	DeliveryRetries     int           `json:"delivery_retries" mapstructure:"delivery_retries"`
	DeliveryBackoff     time.Duration `json:"delivery_backoff" mapstructure:"delivery_backoff"`
	StreamFlushInterval time.Duration `json:"stream_flush_interval" mapstructure:"stream_flush_interval"`
	StaleMessageSkew    time.Duration `json:"stale_message_skew" mapstructure:"stale_message_skew"`
	// Admins may list and cancel every identity's executions.
	Admins []string `json:"admins" mapstructure:"admins"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	BotToken    string `json:"bot_token" mapstructure:"bot_token"`
	APIEndpoint string `json:"api_endpoint" mapstructure:"api_endpoint"`
	// PollTimeout is the long polling timeout in seconds.
	PollTimeout  int           `json:"poll_timeout" mapstructure:"poll_timeout"`
	SendInterval time.Duration `json:"send_interval" mapstructure:"send_interval"`
	DedupeTTL    time.Duration `json:"dedupe_ttl" mapstructure:"dedupe_ttl"`
}

// GatewayConfig configures the local HTTP server. The WebSocket adapter is
// mounted only when Enabled; health and metrics are served regardless.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// Serve starts the HTTP server even when the WebSocket adapter is off.
	Serve bool `json:"serve" mapstructure:"serve"`
}

// PairingConfig configures the authorization store.
type PairingConfig struct {
	Dir                string        `json:"dir" mapstructure:"dir"`
	MaxPending         int           `json:"max_pending" mapstructure:"max_pending"`
	PendingTTL         time.Duration `json:"pending_ttl" mapstructure:"pending_ttl"`
	BootstrapAllowlist []string      `json:"bootstrap_allowlist" mapstructure:"bootstrap_allowlist"`
	Watch              bool          `json:"watch" mapstructure:"watch"`
	WatchDebounce      time.Duration `json:"watch_debounce" mapstructure:"watch_debounce"`
}

// ExecAllowlistEntry permits one command for the exec handler.
type ExecAllowlistEntry struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	Pattern string   `json:"pattern,omitempty" mapstructure:"pattern"`
	Reason  string   `json:"reason,omitempty" mapstructure:"reason"`
}

// ExecConfig configures the exec handler and the process supervisor.
type ExecConfig struct {
	Shell            bool                 `json:"shell" mapstructure:"shell"`
	Timeout          time.Duration        `json:"timeout" mapstructure:"timeout"`
	AllowlistEnabled bool                 `json:"allowlist_enabled" mapstructure:"allowlist_enabled"`
	Allowlist        []ExecAllowlistEntry `json:"allowlist" mapstructure:"allowlist"`
	AllowlistFile    string               `json:"allowlist_file" mapstructure:"allowlist_file"`
	WorkDir          string               `json:"work_dir" mapstructure:"work_dir"`
	AllowedDirs      []string             `json:"allowed_dirs" mapstructure:"allowed_dirs"`
	DeniedDirs       []string             `json:"denied_dirs" mapstructure:"denied_dirs"`
	InheritEnv       []string             `json:"inherit_env" mapstructure:"inherit_env"`
	Env              map[string]string    `json:"env" mapstructure:"env"`
}

// CaptureConfig configures the screenshot handler.
type CaptureConfig struct {
	Dir      string        `json:"dir" mapstructure:"dir"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	Backends []string      `json:"backends" mapstructure:"backends"`
	MaxAge   time.Duration `json:"max_age" mapstructure:"max_age"`
}

// JournalConfig configures the execution journal.
type JournalConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Path      string        `json:"path" mapstructure:"path"`
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

// MaintenanceConfig holds cron specs for background jobs. An empty spec
// disables the job.
type MaintenanceConfig struct {
	CaptureCleanup string        `json:"capture_cleanup" mapstructure:"capture_cleanup"`
	JournalPrune   string        `json:"journal_prune" mapstructure:"journal_prune"`
	PairingExpiry  string        `json:"pairing_expiry" mapstructure:"pairing_expiry"`
	SessionPrune   string        `json:"session_prune" mapstructure:"session_prune"`
	SessionIdle    time.Duration `json:"session_idle" mapstructure:"session_idle"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// HooksConfig configures shell scripts run on the host when daemon events
// fire, such as pairing:requested or execution:finished.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one event script.
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the default configuration. Paths under DataDir are
// filled in by the loader.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentPerIdentity: 3,
			RateLimitMax:             20,
			RateLimitWindow:          time.Minute,
			DefaultHandlerTimeout:    60 * time.Second,
			MaxHandlerTimeout:        10 * time.Minute,
			OutboundChunkBytes:       4096,
			Overflow:                 "reject",
			MaxQueueWait:             5 * time.Minute,
			TerminateGrace:           3 * time.Second,
			DeliveryRetries:          4,
			DeliveryBackoff:          time.Second,
			StreamFlushInterval:      2 * time.Second,
			StaleMessageSkew:         30 * time.Second,
		},
		RateLimitPolicy: "fixed_window",
		Telegram: TelegramConfig{
			Enabled:      true,
			PollTimeout:  30,
			SendInterval: time.Second,
			DedupeTTL:    10 * time.Minute,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8742,
		},
		Pairing: PairingConfig{
			MaxPending:    3,
			PendingTTL:    time.Hour,
			Watch:         true,
			WatchDebounce: 200 * time.Millisecond,
		},
		Exec: ExecConfig{
			Timeout:    60 * time.Second,
			InheritEnv: []string{"PATH", "HOME", "LANG", "USER", "SHELL"},
		},
		PSLimit: 15,
		Capture: CaptureConfig{
			Timeout: 20 * time.Second,
			MaxAge:  time.Hour,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			CaptureCleanup: "@every 10m",
			JournalPrune:   "@daily",
			PairingExpiry:  "@every 1m",
			SessionPrune:   "@every 15m",
			SessionIdle:    time.Hour,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// ApplyPaths fills every path left empty from DataDir.
func (c *Config) ApplyPaths() {
	if c.Pairing.Dir == "" {
		c.Pairing.Dir = filepath.Join(c.DataDir, "pairing")
	}
	if c.Capture.Dir == "" {
		c.Capture.Dir = filepath.Join(c.DataDir, "captures")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "p42r.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}
	if c.Exec.AllowlistFile == "" {
		c.Exec.AllowlistFile = filepath.Join(c.DataDir, "exec-allowlist.json")
	}
}

// PIDFile returns the daemon PID file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "p42r.pid")
}

// Secrets returns the configured credentials so logs can mask them.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Telegram.BotToken, c.Gateway.SharedSecret} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Telegram.BotToken != "" {
		masked.Telegram.BotToken = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate reports every problem in the configuration as one error.
func (c *Config) Validate() error {
	return joinProblems(NewValidator().ValidateConfig(c))
}
