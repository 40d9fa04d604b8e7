package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateBridge(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	gw := cfg.Gateway
	if gw.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else {
		u, err := url.Parse(gw.URL)
		if err != nil {
			ve.Add("gateway.url is not a valid URL: %v", err)
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			ve.Add("gateway.url scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if gw.Token == "" && gw.Password == "" {
		ve.Add("gateway requires a token or a password")
	}
	if gw.HeartbeatInterval <= 0 {
		ve.Add("gateway.heartbeat_interval must be > 0")
	}
	if gw.HeartbeatTimeout <= 0 {
		ve.Add("gateway.heartbeat_timeout must be > 0")
	}
	if gw.ReconnectBase <= 0 {
		ve.Add("gateway.reconnect_base must be > 0")
	}
	if gw.ReconnectMax < gw.ReconnectBase {
		ve.Add("gateway.reconnect_max must be >= gateway.reconnect_base")
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	br := cfg.Bridge
	if br.Addr == "" {
		ve.Add("bridge.addr must not be empty")
	}
	if br.SnapshotSchedule != "" {
		if _, err := cron.ParseStandard(br.SnapshotSchedule); err != nil {
			ve.Add("bridge.snapshot_schedule is not a valid cron expression: %v", err)
		}
	}
	if br.AuthRatePerMin <= 0 {
		ve.Add("bridge.auth_rate_per_min must be > 0")
	}
	if br.RequestsPerMin <= 0 {
		ve.Add("bridge.requests_per_min must be > 0")
	}
	if br.PasswordHash != "" && !strings.HasPrefix(br.PasswordHash, "$argon2id$") {
		ve.Add("bridge.password_hash must be an argon2id encoded hash")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level must be one of debug, info, warn, error")
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format must be text or json")
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be noop or stdout")
	}
}
