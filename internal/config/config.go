// Package config defines marcus's configuration: the YAML schema with
// mapstructure bindings, defaults, validation, viper loading, and the
// fsnotify watcher that hot-reloads tuning into a running server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcushq/marcus/internal/log"
)

// Config is the complete marcus configuration as decoded from YAML.
type Config struct {
	// DataDir holds runtime state (ledger, events, monitor snapshot, local
	// board). Empty resolves against MARCUS_DATA_DIR and the home directory
	// at startup.
	DataDir string `mapstructure:"data_dir"`

	Board      BoardConfig      `mapstructure:"board"`
	AI         AIConfig         `mapstructure:"ai"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Files      FilesConfig      `mapstructure:"files"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Events     EventsConfig     `mapstructure:"events"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// BoardConfig selects the kanban backend.
type BoardConfig struct {
	Provider string        `mapstructure:"provider"` // "local" (default) or "memory"
	Path     string        `mapstructure:"path"`     // sqlite file for the local provider; empty means <data_dir>/board.db
	Timeout  time.Duration `mapstructure:"timeout"`  // per-call deadline on board operations
}

// AIConfig selects the model provider for expansions and instructions.
type AIConfig struct {
	Provider  string        `mapstructure:"provider"`    // "anthropic" (default), "sim", or "none"
	Model     string        `mapstructure:"model"`       // empty uses the provider's default
	APIKeyEnv string        `mapstructure:"api_key_env"` // environment variable holding the key; the key itself never lives in this file
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"` // per-call deadline on model calls
}

// ServerConfig holds transport settings.
type ServerConfig struct {
	// HTTPAddr additionally serves MCP over HTTP when set, e.g.
	// "localhost:8337". Empty means stdio only.
	HTTPAddr string `mapstructure:"http_addr"`
}

// LogConfig holds logging settings. An empty path disables file logging,
// which keeps stdout clean for the stdio transport.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	Path  string `mapstructure:"path"`
}

// FilesConfig overrides individual state file locations. Empty entries
// derive from the data dir.
type FilesConfig struct {
	Ledger  string `mapstructure:"ledger"`
	Events  string `mapstructure:"events"`
	Monitor string `mapstructure:"monitor"`
}

// RetryConfig tunes the shared retry policy for board and AI calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"` // symmetric fraction, 0 disables
}

// BreakerConfig tunes the circuit breakers in front of integrations.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MonitorWindow    time.Duration `mapstructure:"monitor_window"`
}

// MonitorConfig tunes error-pattern detection.
type MonitorConfig struct {
	HistorySize         int           `mapstructure:"history_size"`
	FrequencyThreshold  int           `mapstructure:"frequency_threshold"`
	BurstThreshold      int           `mapstructure:"burst_threshold"`
	AgentErrorThreshold int           `mapstructure:"agent_error_threshold"`
	CascadeThreshold    int           `mapstructure:"cascade_threshold"`
	CorrelationTimeout  time.Duration `mapstructure:"correlation_timeout"`
}

// AssignmentConfig tunes task selection.
type AssignmentConfig struct {
	Weights     WeightsConfig `mapstructure:"weights"`
	AgeHorizon  time.Duration `mapstructure:"age_horizon"`  // task age at which the age boost saturates
	MaxAttempts int           `mapstructure:"max_attempts"` // selection retries under contention
}

// WeightsConfig are the scoring weights. They need not sum to one; all
// zero falls back to the built-in defaults.
type WeightsConfig struct {
	Skill    float64 `mapstructure:"skill"`
	Priority float64 `mapstructure:"priority"`
	Age      float64 `mapstructure:"age"`
}

// ReconcileConfig tunes the ledger/board reconciliation loop.
type ReconcileConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	HeartbeatFloor   time.Duration `mapstructure:"heartbeat_floor"`
	HeartbeatCeiling time.Duration `mapstructure:"heartbeat_ceiling"`
}

// SnapshotConfig tunes the project status cache.
type SnapshotConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// EventsConfig tunes the realtime event log writer.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TracingConfig holds the OpenTelemetry pipeline settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"` // 0.0 to 1.0
}

// Defaults returns a Config with every key at its built-in default.
func Defaults() Config {
	return Config{
		Board: BoardConfig{
			Provider: "local",
			Timeout:  30 * time.Second,
		},
		AI: AIConfig{
			Provider:  "anthropic",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
			Timeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
			MonitorWindow:    60 * time.Second,
		},
		Monitor: MonitorConfig{
			HistorySize:         10_000,
			FrequencyThreshold:  10,
			BurstThreshold:      15,
			AgentErrorThreshold: 5,
			CascadeThreshold:    3,
			CorrelationTimeout:  30 * time.Minute,
		},
		Assignment: AssignmentConfig{
			Weights: WeightsConfig{
				Skill:    0.5,
				Priority: 0.4,
				Age:      0.1,
			},
			AgeHorizon:  7 * 24 * time.Hour,
			MaxAttempts: 3,
		},
		Reconcile: ReconcileConfig{
			Interval:         60 * time.Second,
			HeartbeatFloor:   30 * time.Minute,
			HeartbeatCeiling: 24 * time.Hour,
		},
		Snapshot: SnapshotConfig{
			TTL: 5 * time.Minute,
		},
		Events: EventsConfig{
			BufferSize:    256,
			FlushInterval: 100 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Empty values that have
// defaults are always valid.
func Validate(cfg Config) error {
	if err := ValidateBoard(cfg.Board); err != nil {
		return err
	}
	if err := ValidateAI(cfg.AI); err != nil {
		return err
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	if err := ValidateRetry(cfg.Retry); err != nil {
		return err
	}
	if err := ValidateAssignment(cfg.Assignment); err != nil {
		return err
	}
	if err := ValidateReconcile(cfg.Reconcile); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateBoard checks the board section.
func ValidateBoard(board BoardConfig) error {
	switch board.Provider {
	case "", "local", "memory":
	default:
		return fmt.Errorf("board.provider must be \"local\" or \"memory\", got %q", board.Provider)
	}
	if board.Timeout < 0 {
		return fmt.Errorf("board.timeout must not be negative, got %v", board.Timeout)
	}
	return nil
}

// ValidateAI checks the ai section.
func ValidateAI(ai AIConfig) error {
	switch ai.Provider {
	case "", "anthropic", "sim", "none":
	default:
		return fmt.Errorf("ai.provider must be \"anthropic\", \"sim\", or \"none\", got %q", ai.Provider)
	}
	if ai.MaxTokens < 0 {
		return fmt.Errorf("ai.max_tokens must not be negative, got %d", ai.MaxTokens)
	}
	if ai.Timeout < 0 {
		return fmt.Errorf("ai.timeout must not be negative, got %v", ai.Timeout)
	}
	return nil
}

// ValidateLog checks the log section.
func ValidateLog(lc LogConfig) error {
	switch lc.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
	}
}

// ValidateRetry checks the retry section.
func ValidateRetry(retry RetryConfig) error {
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", retry.MaxAttempts)
	}
	if retry.Multiplier != 0 && retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", retry.Multiplier)
	}
	if retry.Jitter < 0 || retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %v", retry.Jitter)
	}
	return nil
}

// ValidateAssignment checks the assignment section.
func ValidateAssignment(asg AssignmentConfig) error {
	if asg.Weights.Skill < 0 || asg.Weights.Priority < 0 || asg.Weights.Age < 0 {
		return fmt.Errorf("assignment.weights must not be negative, got skill=%v priority=%v age=%v",
			asg.Weights.Skill, asg.Weights.Priority, asg.Weights.Age)
	}
	if asg.AgeHorizon < 0 {
		return fmt.Errorf("assignment.age_horizon must not be negative, got %v", asg.AgeHorizon)
	}
	if asg.MaxAttempts < 0 {
		return fmt.Errorf("assignment.max_attempts must not be negative, got %d", asg.MaxAttempts)
	}
	return nil
}

// ValidateReconcile checks the reconcile section.
func ValidateReconcile(rec ReconcileConfig) error {
	if rec.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative, got %v", rec.Interval)
	}
	if rec.HeartbeatFloor < 0 {
		return fmt.Errorf("reconcile.heartbeat_floor must not be negative, got %v", rec.HeartbeatFloor)
	}
	if rec.HeartbeatCeiling != 0 && rec.HeartbeatCeiling < rec.HeartbeatFloor {
		return fmt.Errorf("reconcile.heartbeat_ceiling must be at least the floor (%v), got %v",
			rec.HeartbeatFloor, rec.HeartbeatCeiling)
	}
	return nil
}

// ValidateTracing checks the tracing section. Path requirements only apply
// when tracing is enabled.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	switch tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments. WriteDefaultConfig installs it on first run.
func DefaultConfigTemplate() string {
	return `# Marcus Configuration
#
# The assignment, reconcile, monitor, and log.level sections hot-reload
# while the server runs. Everything else (transports, storage, providers,
# retry/breaker shapes) is read once at startup.

# Directory for runtime state: ledger.json, events.jsonl, monitor.json,
# and the local board database. Default: $MARCUS_DATA_DIR, then
# ~/.local/share/marcus
# data_dir: /var/lib/marcus

# Kanban board backend
board:
  provider: local   # local (embedded sqlite) or memory (volatile, for trials)
  # path: /var/lib/marcus/board.db  # local provider database file
  timeout: 30s      # per-call deadline on board operations

# AI provider for project expansion and task instructions
ai:
  provider: anthropic          # anthropic, sim (canned expansions), or none
  # model: claude-sonnet-4-20250514
  api_key_env: ANTHROPIC_API_KEY  # env var holding the key; keys never live here
  max_tokens: 4096
  timeout: 60s

# Transports. Stdio MCP is always on; http_addr additionally serves the
# same tools on a single /mcp endpoint.
# server:
#   http_addr: localhost:8337

# File logging. Leave path empty to disable (stdout stays clean for the
# stdio transport either way).
log:
  level: info       # debug, info, warn, error
  # path: /var/log/marcus/marcus.log

# Override individual state files. Empty entries live under data_dir.
# files:
#   ledger: /var/lib/marcus/ledger.json
#   events: /var/lib/marcus/events.jsonl
#   monitor: /var/lib/marcus/monitor.json

# Retry policy for board and AI calls (transient and integration errors)
retry:
  max_attempts: 3
  base_delay: 1s
  max_delay: 30s
  multiplier: 2.0
  jitter: 0.1       # symmetric fraction applied to each delay

# Circuit breakers in front of the board and AI integrations
breaker:
  failure_threshold: 5   # consecutive failures that trip the breaker
  success_threshold: 2   # half-open successes that close it
  timeout: 60s           # how long the breaker stays open
  monitor_window: 60s

# Error-pattern detection thresholds
monitor:
  history_size: 10000
  frequency_threshold: 10      # same code within 10 minutes
  burst_threshold: 15          # any errors within 5 minutes
  agent_error_threshold: 5     # per-agent errors within 30 minutes
  cascade_threshold: 3
  correlation_timeout: 30m

# Task selection scoring. Weights need not sum to one.
assignment:
  weights:
    skill: 0.5
    priority: 0.4
    age: 0.1
  age_horizon: 168h   # task age at which the age boost saturates
  max_attempts: 3     # selection retries under contention

# Ledger/board reconciliation loop
reconcile:
  interval: 60s
  heartbeat_floor: 30m    # minimum silence before an agent counts as gone
  heartbeat_ceiling: 24h

# Project status cache
snapshot:
  ttl: 5m

# Realtime event log writer
events:
  buffer_size: 256
  flush_interval: 100ms

# Distributed tracing (OpenTelemetry)
# tracing:
#   enabled: true
#   exporter: file               # none, file, stdout, otlp
#   file_path: /var/log/marcus/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
