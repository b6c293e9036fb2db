// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults and path resolution

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./intake.db"

logging:
  level: "debug"
  format: "json"

session:
  id: "applicant-42"
  model: "gpt-5-mini"
  reasoning_effort: "low"
  script: "./script.yaml"

bus:
  history_size: 64

queue:
  max_retries: 5
  base_backoff: "250ms"
  max_backoff: "4s"

continuation:
  default_timeout: "15m"
  resolved_ttl: "1h"

checkpoint:
  debounce: "500ms"
  keep: 3

policy:
  table_path: "./table.toml"
  rego_path: "./admission.rego"
  watch: true

ui:
  max_message_size: 4096
  ping_interval: "20s"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./intake.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./intake.db")
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("Logging.SlogLevel() = %v, want debug", cfg.Logging.SlogLevel())
	}
	if cfg.Session.ID != "applicant-42" || cfg.Session.Model != "gpt-5-mini" || cfg.Session.ReasoningEffort != "low" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Bus.HistorySize != 64 {
		t.Errorf("Bus.HistorySize = %d, want 64", cfg.Bus.HistorySize)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.BaseBackoff != 250*time.Millisecond {
		t.Errorf("Queue.BaseBackoff = %v, want 250ms", cfg.Queue.BaseBackoff)
	}
	if cfg.Queue.MaxBackoff != 4*time.Second {
		t.Errorf("Queue.MaxBackoff = %v, want 4s", cfg.Queue.MaxBackoff)
	}
	if cfg.Continuation.DefaultTimeout != 15*time.Minute {
		t.Errorf("Continuation.DefaultTimeout = %v, want 15m", cfg.Continuation.DefaultTimeout)
	}
	if cfg.Continuation.ResolvedTTL != time.Hour {
		t.Errorf("Continuation.ResolvedTTL = %v, want 1h", cfg.Continuation.ResolvedTTL)
	}
	if cfg.Checkpoint.Debounce != 500*time.Millisecond || cfg.Checkpoint.Keep != 3 {
		t.Errorf("Checkpoint = %+v", cfg.Checkpoint)
	}
	if !cfg.Policy.Watch || cfg.Policy.RegoPath != "./admission.rego" || cfg.Policy.TablePath != "./table.toml" {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
	if cfg.UI.MaxMessageSize != 4096 {
		t.Errorf("UI.MaxMessageSize = %d, want 4096", cfg.UI.MaxMessageSize)
	}
	if cfg.UI.PingInterval != 20*time.Second {
		t.Errorf("UI.PingInterval = %v, want 20s", cfg.UI.PingInterval)
	}
	// Unset durations fall back to defaults.
	if cfg.UI.WriteTimeout != 10*time.Second {
		t.Errorf("UI.WriteTimeout = %v, want default 10s", cfg.UI.WriteTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server != def.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, def.Server)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty (in-memory)", cfg.Database.Path)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Checkpoint.Debounce != 2*time.Second {
		t.Errorf("Checkpoint.Debounce = %v, want 2s", cfg.Checkpoint.Debounce)
	}
	if cfg.Session.Kickoff == "" {
		t.Error("Session.Kickoff is empty, want default kickoff")
	}
	if err := def.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_INTAKE_DB", "/var/lib/intake/sessions.db")
	t.Setenv("TEST_INTAKE_SESSION", "from-env")

	cfg, err := Load(writeConfig(t, `
database:
  path: "${TEST_INTAKE_DB}"
session:
  id: "${TEST_INTAKE_SESSION}"
  model: "${TEST_INTAKE_UNSET_MODEL}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/intake/sessions.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/intake/sessions.db")
	}
	if cfg.Session.ID != "from-env" {
		t.Errorf("Session.ID = %q, want %q", cfg.Session.ID, "from-env")
	}
	// An unset variable expands to empty and the default applies.
	if cfg.Session.Model != "gpt-5" {
		t.Errorf("Session.Model = %q, want default", cfg.Session.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  grpc_addr: [unclosed"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"base backoff", "queue:\n  base_backoff: \"soon\"\n", "queue.base_backoff"},
		{"debounce", "checkpoint:\n  debounce: \"5 parsecs\"\n", "checkpoint.debounce"},
		{"ping interval", "ui:\n  ping_interval: \"often\"\n", "ui.ping_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error for invalid duration, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"same addresses", func(c *Config) { c.Server.GRPCAddr = c.Server.HTTPAddr }, "must differ"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"backoff inverted", func(c *Config) { c.Queue.MaxBackoff = time.Millisecond }, "queue.max_backoff"},
		{"retries below -1", func(c *Config) { c.Queue.MaxRetries = -2 }, "queue.max_retries"},
		{"watch without rego", func(c *Config) { c.Policy.Watch = true }, "policy.watch"},
		{"negative keep", func(c *Config) { c.Checkpoint.Keep = -1 }, "checkpoint.keep"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"valid", func(c *Config) { c.Queue.MaxRetries = -1 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	t.Setenv("ANOTHER_VAR", "another")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${TEST_VAR} and ${ANOTHER_VAR}", "value and another"},
		{"${UNSET_INTAKE_VAR}", ""},
		{"no variables here", "no variables here"},
		{"$TEST_VAR", "$TEST_VAR"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("INTAKE_CONFIG", "/etc/intake.yaml")
		if got := Path(); got != "/etc/intake.yaml" {
			t.Errorf("Path() = %q, want /etc/intake.yaml", got)
		}
	})
	t.Run("xdg", func(t *testing.T) {
		t.Setenv("INTAKE_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := Path(); got != filepath.Join("/xdg", "intake", "gateway.yaml") {
			t.Errorf("Path() = %q", got)
		}
	})
	t.Run("data dir", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", "/data")
		if got := DataPath(); got != filepath.Join("/data", "intake") {
			t.Errorf("DataPath() = %q", got)
		}
	})
}
