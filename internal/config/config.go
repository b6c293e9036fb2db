// ABOUTME: Configuration loading and parsing for intake-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete intake-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Session      SessionConfig      `yaml:"session"`
	Bus          BusConfig          `yaml:"bus"`
	Queue        QueueConfig        `yaml:"queue"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Policy       PolicyConfig       `yaml:"policy"`
	UI           UIConfig           `yaml:"ui"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration. An empty path keeps
// everything in memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig describes the interview session the gateway hosts.
type SessionConfig struct {
	ID              string `yaml:"id"`
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
	// Script is a YAML transcript played by the scripted transport.
	Script string `yaml:"script"`
	// Kickoff is the developer message sent when a session starts fresh.
	Kickoff string `yaml:"kickoff"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	HistorySize int `yaml:"history_size"`
}

// QueueConfig tunes transport failure recovery.
type QueueConfig struct {
	// MaxRetries of zero uses the default; -1 reverts on the first failure.
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"-"`
	MaxBackoff  time.Duration `yaml:"-"`

	BaseBackoffRaw string `yaml:"base_backoff"`
	MaxBackoffRaw  string `yaml:"max_backoff"`
}

// ContinuationConfig tunes the continuation tracker.
type ContinuationConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	ResolvedTTL    time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
	ResolvedTTLRaw    string `yaml:"resolved_ttl"`
}

// CheckpointConfig tunes autosave.
type CheckpointConfig struct {
	Debounce time.Duration `yaml:"-"`
	Keep     int           `yaml:"keep"`

	DebounceRaw string `yaml:"debounce"`
}

// PolicyConfig points at optional gating overrides.
type PolicyConfig struct {
	// TablePath is a TOML file replacing the built-in gating table.
	TablePath string `yaml:"table_path"`
	// RegoPath is a Rego module computing runtime tool exclusions. Empty
	// uses the built-in policy.
	RegoPath string `yaml:"rego_path"`
	// Watch reloads RegoPath when it changes on disk.
	Watch bool `yaml:"watch"`
}

// UIConfig tunes the WebSocket UI bridge.
type UIConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`
	ReadTimeout    time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	ReadTimeoutRaw  string `yaml:"read_timeout"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, the same way Load does.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8420"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = "127.0.0.1:8421"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Session.ID == "" {
		c.Session.ID = "default"
	}
	if c.Session.Model == "" {
		c.Session.Model = "gpt-5"
	}
	if c.Session.Kickoff == "" {
		c.Session.Kickoff = "Begin the interview. Greet the applicant and start with their profile."
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = 256
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseBackoff == 0 {
		c.Queue.BaseBackoff = 500 * time.Millisecond
	}
	if c.Queue.MaxBackoff == 0 {
		c.Queue.MaxBackoff = 10 * time.Second
	}
	if c.Continuation.ResolvedTTL == 0 {
		c.Continuation.ResolvedTTL = 10 * time.Minute
	}
	if c.Checkpoint.Debounce == 0 {
		c.Checkpoint.Debounce = 2 * time.Second
	}
	if c.Checkpoint.Keep == 0 {
		c.Checkpoint.Keep = 20
	}
	if c.UI.MaxMessageSize == 0 {
		c.UI.MaxMessageSize = 1 << 20
	}
	if c.UI.PingInterval == 0 {
		c.UI.PingInterval = 30 * time.Second
	}
	if c.UI.WriteTimeout == 0 {
		c.UI.WriteTimeout = 10 * time.Second
	}
	if c.UI.ReadTimeout == 0 {
		c.UI.ReadTimeout = 60 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == c.Server.GRPCAddr {
		return fmt.Errorf("server.http_addr and server.grpc_addr must differ")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("bus.history_size must not be negative")
	}
	if c.Queue.MaxRetries < -1 {
		return fmt.Errorf("queue.max_retries must be -1 or more")
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return fmt.Errorf("queue.max_backoff (%s) is shorter than queue.base_backoff (%s)", c.Queue.MaxBackoff, c.Queue.BaseBackoff)
	}
	if c.Continuation.DefaultTimeout < 0 {
		return fmt.Errorf("continuation.default_timeout must not be negative")
	}
	if c.Checkpoint.Keep < 0 {
		return fmt.Errorf("checkpoint.keep must not be negative")
	}
	if c.Policy.Watch && c.Policy.RegoPath == "" {
		return fmt.Errorf("policy.watch requires policy.rego_path")
	}
	if c.UI.MaxMessageSize < 0 {
		return fmt.Errorf("ui.max_message_size must not be negative")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"queue.base_backoff", cfg.Queue.BaseBackoffRaw, &cfg.Queue.BaseBackoff},
		{"queue.max_backoff", cfg.Queue.MaxBackoffRaw, &cfg.Queue.MaxBackoff},
		{"continuation.default_timeout", cfg.Continuation.DefaultTimeoutRaw, &cfg.Continuation.DefaultTimeout},
		{"continuation.resolved_ttl", cfg.Continuation.ResolvedTTLRaw, &cfg.Continuation.ResolvedTTL},
		{"checkpoint.debounce", cfg.Checkpoint.DebounceRaw, &cfg.Checkpoint.Debounce},
		{"ui.ping_interval", cfg.UI.PingIntervalRaw, &cfg.UI.PingInterval},
		{"ui.write_timeout", cfg.UI.WriteTimeoutRaw, &cfg.UI.WriteTimeout},
		{"ui.read_timeout", cfg.UI.ReadTimeoutRaw, &cfg.UI.ReadTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// SlogLevel maps the configured level name to its slog value.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Path returns the config file location.
// Priority: INTAKE_CONFIG env var > XDG_CONFIG_HOME/intake/gateway.yaml > ~/.config/intake/gateway.yaml
func Path() string {
	if envPath := os.Getenv("INTAKE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "intake", "gateway.yaml")
}

// DataPath returns the data directory location.
// Priority: XDG_DATA_HOME/intake > ~/.local/share/intake
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "intake")
}
