package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/marcushq/marcus/internal/assign"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/monitor"
	"github.com/marcushq/marcus/internal/paths"
	"github.com/marcushq/marcus/internal/reconcile"
	"github.com/marcushq/marcus/internal/tracing"
)

// SetViperDefaults registers every config key's default on v. Registration
// is what lets MARCUS_* environment overrides resolve even for keys absent
// from the file.
func SetViperDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("board.provider", d.Board.Provider)
	v.SetDefault("board.path", d.Board.Path)
	v.SetDefault("board.timeout", d.Board.Timeout)

	v.SetDefault("ai.provider", d.AI.Provider)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.api_key_env", d.AI.APIKeyEnv)
	v.SetDefault("ai.max_tokens", d.AI.MaxTokens)
	v.SetDefault("ai.timeout", d.AI.Timeout)

	v.SetDefault("server.http_addr", d.Server.HTTPAddr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.path", d.Log.Path)

	v.SetDefault("files.ledger", d.Files.Ledger)
	v.SetDefault("files.events", d.Files.Events)
	v.SetDefault("files.monitor", d.Files.Monitor)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.monitor_window", d.Breaker.MonitorWindow)

	v.SetDefault("monitor.history_size", d.Monitor.HistorySize)
	v.SetDefault("monitor.frequency_threshold", d.Monitor.FrequencyThreshold)
	v.SetDefault("monitor.burst_threshold", d.Monitor.BurstThreshold)
	v.SetDefault("monitor.agent_error_threshold", d.Monitor.AgentErrorThreshold)
	v.SetDefault("monitor.cascade_threshold", d.Monitor.CascadeThreshold)
	v.SetDefault("monitor.correlation_timeout", d.Monitor.CorrelationTimeout)

	v.SetDefault("assignment.weights.skill", d.Assignment.Weights.Skill)
	v.SetDefault("assignment.weights.priority", d.Assignment.Weights.Priority)
	v.SetDefault("assignment.weights.age", d.Assignment.Weights.Age)
	v.SetDefault("assignment.age_horizon", d.Assignment.AgeHorizon)
	v.SetDefault("assignment.max_attempts", d.Assignment.MaxAttempts)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.heartbeat_floor", d.Reconcile.HeartbeatFloor)
	v.SetDefault("reconcile.heartbeat_ceiling", d.Reconcile.HeartbeatCeiling)

	v.SetDefault("snapshot.ttl", d.Snapshot.TTL)

	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("events.flush_interval", d.Events.FlushInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// Load reads, decodes, and validates the config file at path. Keys absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	SetViperDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve returns the runtime state file locations, filling unset entries
// from dataDir.
func (f FilesConfig) Resolve(dataDir string) FilesConfig {
	out := f
	if out.Ledger == "" {
		out.Ledger = paths.LedgerFile(dataDir)
	}
	if out.Events == "" {
		out.Events = paths.EventsFile(dataDir)
	}
	if out.Monitor == "" {
		out.Monitor = paths.MonitorFile(dataDir)
	}
	return out
}

// Policy returns the fault-layer retry tuning. Category eligibility keeps
// the built-in defaults; only the shape of the backoff is configurable.
func (r RetryConfig) Policy() fault.RetryConfig {
	p := fault.DefaultRetry()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	p.Jitter = r.Jitter
	return p
}

// Policy returns the fault-layer breaker tuning.
func (b BreakerConfig) Policy() fault.BreakerConfig {
	p := fault.DefaultBreaker()
	if b.FailureThreshold > 0 {
		p.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		p.SuccessThreshold = b.SuccessThreshold
	}
	if b.Timeout > 0 {
		p.Timeout = b.Timeout
	}
	if b.MonitorWindow > 0 {
		p.MonitorWindow = b.MonitorWindow
	}
	return p
}

// Runtime returns the monitor tuning; snapshotPath names where pattern
// state persists between runs (empty disables persistence).
func (m MonitorConfig) Runtime(snapshotPath string) monitor.Config {
	return monitor.Config{
		HistorySize:         m.HistorySize,
		FrequencyThreshold:  m.FrequencyThreshold,
		BurstThreshold:      m.BurstThreshold,
		AgentErrorThreshold: m.AgentErrorThreshold,
		CascadeThreshold:    m.CascadeThreshold,
		CorrelationTimeout:  m.CorrelationTimeout,
		SnapshotPath:        snapshotPath,
	}
}

// Scoring returns the assignment engine tuning.
func (a AssignmentConfig) Scoring() assign.Config {
	return assign.Config{
		SkillWeight:    a.Weights.Skill,
		PriorityWeight: a.Weights.Priority,
		AgeWeight:      a.Weights.Age,
		AgeHorizon:     a.AgeHorizon,
		MaxAttempts:    a.MaxAttempts,
	}
}

// Loop returns the reconciliation loop tuning.
func (r ReconcileConfig) Loop() reconcile.Config {
	return reconcile.Config{
		Interval:         r.Interval,
		HeartbeatFloor:   r.HeartbeatFloor,
		HeartbeatCeiling: r.HeartbeatCeiling,
	}
}

// Pipeline returns the trace pipeline settings.
func (t TracingConfig) Pipeline() tracing.Config {
	return tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  "marcus",
	}
}
