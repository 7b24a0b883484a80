package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harun/p42r/pkg/hooks"
	"github.com/harun/p42r/pkg/platform"
	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// cronParser accepts the same spec format the scheduler uses.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	// <bot_id>:<token>, e.g. 123456789:ABCdefGHIjklMNOpqrsTUVwxyz
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateOverflow validates the engine overflow mode.
func (v *Validator) ValidateOverflow(mode string) error {
	return oneOf("engine.overflow", mode, "reject", "queue")
}

// ValidateRatePolicy validates the rate limit policy.
func (v *Validator) ValidateRatePolicy(policy string) error {
	return oneOf("rate_limit_policy", policy, "fixed_window", "token_bucket")
}

// ValidateIdentity validates a platform:id identity string.
func (v *Validator) ValidateIdentity(raw string) error {
	_, err := platform.ParseIdentity(raw)
	return err
}

// ValidateCronSpec validates a maintenance schedule. Empty disables the job.
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var problems []error
	add := func(err error) {
		if err != nil {
			problems = append(problems, err)
		}
	}
	positive := func(name string, ok bool) {
		if !ok {
			add(fmt.Errorf("%s must be positive", name))
		}
	}

	e := cfg.Engine
	positive("engine.max_concurrent_per_identity", e.MaxConcurrentPerIdentity > 0)
	positive("engine.default_handler_timeout", e.DefaultHandlerTimeout > 0)
	positive("engine.max_handler_timeout", e.MaxHandlerTimeout > 0)
	positive("engine.outbound_chunk_bytes", e.OutboundChunkBytes > 0)
	positive("engine.terminate_grace", e.TerminateGrace > 0)
	positive("engine.delivery_retries", e.DeliveryRetries > 0)
	if e.RateLimitMax < 0 {
		add(fmt.Errorf("engine.rate_limit_max must be >= 0"))
	}
	if e.RateLimitMax > 0 && e.RateLimitWindow <= 0 {
		add(fmt.Errorf("engine.rate_limit_window must be positive when rate_limit_max is set"))
	}
	if e.DefaultHandlerTimeout > e.MaxHandlerTimeout && e.MaxHandlerTimeout > 0 {
		add(fmt.Errorf("engine.default_handler_timeout exceeds max_handler_timeout"))
	}
	if e.StreamFlushInterval < 0 || e.StaleMessageSkew < 0 || e.MaxQueueWait < 0 || e.DeliveryBackoff < 0 {
		add(fmt.Errorf("engine durations must be >= 0"))
	}
	add(v.ValidateOverflow(e.Overflow))
	for _, admin := range e.Admins {
		if err := v.ValidateIdentity(admin); err != nil {
			add(fmt.Errorf("engine.admins: %w", err))
		}
	}
	add(v.ValidateRatePolicy(cfg.RateLimitPolicy))

	if cfg.Telegram.Enabled {
		add(v.ValidateTelegramToken(cfg.Telegram.BotToken))
		if cfg.Telegram.PollTimeout < 0 {
			add(fmt.Errorf("telegram.poll_timeout must be >= 0"))
		}
	}

	if cfg.Gateway.Enabled {
		if len(cfg.Gateway.SharedSecret) < 16 {
			add(fmt.Errorf("gateway.shared_secret must be at least 16 characters when the gateway is enabled"))
		}
	}
	if (cfg.Gateway.Enabled || cfg.Gateway.Serve) && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		add(fmt.Errorf("gateway.port must be between 1 and 65535"))
	}
	if !cfg.Telegram.Enabled && !cfg.Gateway.Enabled {
		add(fmt.Errorf("at least one platform (telegram or gateway) must be enabled"))
	}

	for _, raw := range cfg.Pairing.BootstrapAllowlist {
		if err := v.ValidateIdentity(raw); err != nil {
			add(fmt.Errorf("pairing.bootstrap_allowlist: %w", err))
		}
	}

	if cfg.Exec.AllowlistEnabled && len(cfg.Exec.Allowlist) == 0 && cfg.Exec.AllowlistFile == "" {
		add(fmt.Errorf("exec.allowlist_enabled requires exec.allowlist or exec.allowlist_file"))
	}
	for i, entry := range cfg.Exec.Allowlist {
		if entry.Command == "" && entry.Pattern == "" {
			add(fmt.Errorf("exec.allowlist[%d]: command or pattern is required", i))
		}
		if entry.Pattern != "" {
			if _, err := filepath.Match(entry.Pattern, ""); err != nil {
				add(fmt.Errorf("exec.allowlist[%d]: invalid pattern %q", i, entry.Pattern))
			}
		}
	}
	if cfg.PSLimit < 0 {
		add(fmt.Errorf("ps_limit must be >= 0"))
	}

	m := cfg.Maintenance
	for _, job := range []struct{ name, spec string }{
		{"maintenance.capture_cleanup", m.CaptureCleanup},
		{"maintenance.journal_prune", m.JournalPrune},
		{"maintenance.pairing_expiry", m.PairingExpiry},
		{"maintenance.session_prune", m.SessionPrune},
	} {
		if err := v.ValidateCronSpec(job.spec); err != nil {
			add(fmt.Errorf("%s: %w", job.name, err))
		}
	}

	if cfg.Hooks.Enabled {
		for i, h := range cfg.Hooks.Hooks {
			if !h.Enabled {
				continue
			}
			if !validHookEvent(h.Event) {
				add(fmt.Errorf("hooks.hooks[%d]: unknown event %q (must be one of: %s)", i, h.Event, strings.Join(hooks.KnownEvents, ", ")))
			}
			if strings.TrimSpace(h.Script) == "" {
				add(fmt.Errorf("hooks.hooks[%d]: script is required", i))
			}
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add(fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	return problems
}

func validHookEvent(event string) bool {
	for _, e := range hooks.KnownEvents {
		if e == strings.TrimSpace(event) {
			return true
		}
	}
	return false
}

func oneOf(name, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", name, value, strings.Join(valid, ", "))
}

func joinProblems(problems []error) error {
	if len(problems) == 0 {
		return nil
	}
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
