package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// GatewayConfig holds settings for the upstream gateway connection.
type GatewayConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// BridgeConfig holds settings for the browser-facing HTTP server.
type BridgeConfig struct {
	Addr           string   `yaml:"addr"`
	AuthToken      string   `yaml:"auth_token,omitempty"`
	PasswordHash   string   `yaml:"password_hash,omitempty"` // argon2id encoded
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	SnapshotSchedule string `yaml:"snapshot_schedule"` // cron expression
	AuthRatePerMin   int    `yaml:"auth_rate_per_min"`
	RequestsPerMin   int    `yaml:"requests_per_min"` // per client IP

	RPCAllowedMethods []string `yaml:"rpc_allowed_methods,omitempty"` // empty = allow all
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults. Credentials have no
// default; they must come from the file or the environment.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ClientID:          "clawdeck",
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			ReconnectBase:     1 * time.Second,
			ReconnectMax:      30 * time.Second,
		},
		Bridge: BridgeConfig{
			Addr:             ":8090",
			SnapshotSchedule: "@every 1m",
			AuthRatePerMin:   30,
			RequestsPerMin:   300,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and validates.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CLAWDECK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDECK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_CLIENT_ID"); v != "" {
		cfg.Gateway.ClientID = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_RECONNECT_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.ReconnectBase = d
		}
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_RECONNECT_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.ReconnectMax = d
		}
	}

	if v := os.Getenv("CLAWDECK_BRIDGE_ADDR"); v != "" {
		cfg.Bridge.Addr = v
	}
	if v := os.Getenv("CLAWDECK_BRIDGE_AUTH_TOKEN"); v != "" {
		cfg.Bridge.AuthToken = v
	}
	if v := os.Getenv("CLAWDECK_BRIDGE_PASSWORD_HASH"); v != "" {
		cfg.Bridge.PasswordHash = v
	}
	if v := os.Getenv("CLAWDECK_BRIDGE_SNAPSHOT_SCHEDULE"); v != "" {
		cfg.Bridge.SnapshotSchedule = v
	}
	if v := os.Getenv("CLAWDECK_BRIDGE_AUTH_RATE_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bridge.AuthRatePerMin = n
		}
	}
	if v := os.Getenv("CLAWDECK_BRIDGE_REQUESTS_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bridge.RequestsPerMin = n
		}
	}

	if v := os.Getenv("CLAWDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CLAWDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWDECK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// The config carries gateway credentials. Allow 0600 and 0644 but never
	// group/world writable.
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
