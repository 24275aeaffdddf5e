// Package config provides configuration loading, validation, and hot-reload
// for both Fustor binaries (fusion, agent).
//
// Configuration file: /etc/fustor/fusion.yaml or /etc/fustor/agent.yaml
// (default; overridable with -config). Schema version: 1.
//
// Hot-reload:
//   - Both binaries listen for SIGHUP.
//   - On SIGHUP: re-read and re-validate the config file.
//   - A valid new config is not applied to running components: Fusion
//     logs some of its values and the Agent marks its pipe CONF_OUTDATED.
//     Every field takes effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations positive, sizes >= 1).
//   - Invalid config on startup: process refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// FusionConfig is the root configuration for the control-plane server.
type FusionConfig struct {
	SchemaVersion string `yaml:"schema_version"`

	HTTP          HTTPConfig          `yaml:"http"`
	Pipes         []PipeConfig        `yaml:"pipes"`
	Session       SessionConfig       `yaml:"session"`
	Clock         ClockConfig         `yaml:"clock"`
	Arbitration   ArbitrationConfig   `yaml:"arbitration"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HTTPConfig configures the Fusion listener.
type HTTPConfig struct {
	// ListenAddr is where /api/v1/* is served. Default: 0.0.0.0:8443.
	ListenAddr string `yaml:"listen_addr"`

	// RequestTimeout bounds every handler. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PipeConfig declares one configured pipe and the API key that
// authenticates Agents against it.
type PipeConfig struct {
	PipeID  string `yaml:"pipe_id"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`

	// HeartbeatInterval is the Agent's expected heartbeat cadence. Used to
	// derive LeaderTimeout when that field is zero. Required: validation
	// rejects a value <= 0.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LeaderTimeout is the TTL after which a silent leader is reassigned
	// Default: 3x HeartbeatInterval.
	LeaderTimeout time.Duration `yaml:"leader_timeout"`
}

// SessionConfig tunes the session registry's background sweep.
type SessionConfig struct {
	// ExpireSweepInterval controls how often Manager.ExpireSweep runs so
	// readiness reacts to a dead leader without waiting on a heartbeat.
	// Default: 2s.
	ExpireSweepInterval time.Duration `yaml:"expire_sweep_interval"`
}

// ClockConfig tunes the robust logical clock.
type ClockConfig struct {
	// RingSize is the per-session sliding window length. Default: 64.
	RingSize int `yaml:"ring_size"`

	// TrustWindow is the half-width of the baseline acceptance interval.
	// Default: 1s.
	TrustWindow time.Duration `yaml:"trust_window"`
}

// ArbitrationConfig tunes the event ingestion engine.
type ArbitrationConfig struct {
	// HotWindow marks an event suspect when its mtime is this close to
	// logical now. Default: 60s.
	HotWindow time.Duration `yaml:"hot_window"`

	// SuspectTTL is how long a suspect entry survives without
	// confirmation. Default: 30s.
	SuspectTTL time.Duration `yaml:"suspect_ttl"`

	// TombstoneTTL is how long a delete tombstone forbids resurrection.
	// Default: 24h.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`

	// SentinelInterval is the Leader's poll cadence for hot-file
	// verification tasks. Default: 120s.
	SentinelInterval time.Duration `yaml:"sentinel_interval"`

	// AuditInterval is the Leader's cadence for starting a fresh audit
	// cycle. Default: 10m.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

// IngestConfig bounds the per-pipe ingest queue.
type IngestConfig struct {
	// QueueCapacity is the bounded depth before the server returns `busy`.
	// Default: 10000.
	QueueCapacity int `yaml:"queue_capacity"`

	// RefillPeriod is validated (> 0) but not read by cmd/fusion, whose
	// ingest admission is bounded by QueueCapacity alone. Default: 1s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// ObservabilityConfig holds metrics and logging parameters, shared by
// both binaries.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091 for Fusion, 127.0.0.1:9092 for the Agent.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// AgentConfig is the root configuration for the data-plane daemon.
type AgentConfig struct {
	SchemaVersion string `yaml:"schema_version"`

	AgentID string `yaml:"agent_id"`
	PipeID  string `yaml:"pipe_id"`

	FusionBaseURL string `yaml:"fusion_base_url"`
	APIKey        string `yaml:"api_key"`

	WatchRoot     string        `yaml:"watch_root"`
	WatchLimit    int           `yaml:"watch_limit"`
	AuditInterval time.Duration `yaml:"audit_interval"`

	SentinelPollInterval time.Duration `yaml:"sentinel_poll_interval"`

	Batch   BatchConfig   `yaml:"batch"`
	Backoff BackoffConfig `yaml:"backoff"`

	CachePath string `yaml:"cache_path"`

	FieldsMapping []FieldMapping `yaml:"fields_mapping"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// BatchConfig holds the watcher→sender coalescing settings. cmd/agent
// does not read it; its batchers are built with the defaults of
// pipe.BatchConfig.
type BatchConfig struct {
	// Size is the max events per batch. Default: 1000.
	Size int `yaml:"size"`

	// IntervalMS is the max wait before flushing a partial batch.
	// Default: 200ms.
	IntervalMS int `yaml:"interval_ms"`
}

// BackoffConfig tunes the Sender's exponential reconnect backoff.
type BackoffConfig struct {
	// Base is the first retry delay. Default: 1s.
	Base time.Duration `yaml:"base"`

	// Cap bounds the maximum delay. Default: 60s.
	Cap time.Duration `yaml:"cap"`

	// MaxAttempts is the number of retries before the Pipe transitions to
	// ERROR. Default: 20.
	MaxAttempts int `yaml:"max_attempts"`
}

// FieldMapping projects one source field to a target field name. An
// empty mapping list means pass-through.
type FieldMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// DefaultsFusion returns a FusionConfig populated with documented
// defaults.
func DefaultsFusion() FusionConfig {
	return FusionConfig{
		SchemaVersion: "1",
		HTTP: HTTPConfig{
			ListenAddr:     "0.0.0.0:8443",
			RequestTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			ExpireSweepInterval: 2 * time.Second,
		},
		Clock: ClockConfig{
			RingSize:    64,
			TrustWindow: 1 * time.Second,
		},
		Arbitration: ArbitrationConfig{
			HotWindow:        60 * time.Second,
			SuspectTTL:       30 * time.Second,
			TombstoneTTL:     24 * time.Hour,
			SentinelInterval: 120 * time.Second,
			AuditInterval:    10 * time.Minute,
		},
		Ingest: IngestConfig{
			QueueCapacity: 10000,
			RefillPeriod:  1 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultsAgent returns an AgentConfig populated with documented
// defaults.
func DefaultsAgent() AgentConfig {
	hostname, _ := os.Hostname()
	return AgentConfig{
		SchemaVersion:        "1",
		AgentID:              hostname,
		WatchLimit:           8192,
		AuditInterval:        10 * time.Minute,
		SentinelPollInterval: 120 * time.Second,
		Batch: BatchConfig{
			Size:       1000,
			IntervalMS: 200,
		},
		Backoff: BackoffConfig{
			Base:        1 * time.Second,
			Cap:         60 * time.Second,
			MaxAttempts: 20,
		},
		CachePath: "/var/lib/fustor/agent-cache.db",
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// LoadFusion reads and validates a FusionConfig from path.
func LoadFusion(path string) (*FusionConfig, error) {
	cfg := DefaultsFusion()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadFusion: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.LoadFusion: parse %q: %w", path, err)
	}
	if err := ValidateFusion(&cfg); err != nil {
		return nil, fmt.Errorf("config.LoadFusion: validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadAgent reads and validates an AgentConfig from path.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultsAgent()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadAgent: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.LoadAgent: parse %q: %w", path, err)
	}
	if err := ValidateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("config.LoadAgent: validation failed: %w", err)
	}
	return &cfg, nil
}

// ValidateFusion checks all FusionConfig fields, collecting every
// violation into one error.
func ValidateFusion(cfg *FusionConfig) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listen_addr must not be empty")
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		errs = append(errs, "http.request_timeout must be > 0")
	}
	if len(cfg.Pipes) == 0 {
		errs = append(errs, "at least one entry in pipes is required")
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Pipes {
		if p.PipeID == "" {
			errs = append(errs, "pipes[].pipe_id must not be empty")
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("pipes[%s].api_key must not be empty", p.PipeID))
		}
		if seen[p.APIKey] {
			errs = append(errs, fmt.Sprintf("pipes[].api_key %q is not unique", p.APIKey))
		}
		seen[p.APIKey] = true
		if p.HeartbeatInterval <= 0 {
			errs = append(errs, fmt.Sprintf("pipes[%s].heartbeat_interval must be > 0", p.PipeID))
		}
	}
	if cfg.Clock.RingSize < 1 {
		errs = append(errs, "clock.ring_size must be >= 1")
	}
	if cfg.Clock.TrustWindow <= 0 {
		errs = append(errs, "clock.trust_window must be > 0")
	}
	if cfg.Arbitration.HotWindow <= 0 {
		errs = append(errs, "arbitration.hot_window must be > 0")
	}
	if cfg.Arbitration.SuspectTTL <= 0 {
		errs = append(errs, "arbitration.suspect_ttl must be > 0")
	}
	if cfg.Arbitration.TombstoneTTL <= 0 {
		errs = append(errs, "arbitration.tombstone_ttl must be > 0")
	}
	if cfg.Ingest.QueueCapacity < 1 {
		errs = append(errs, "ingest.queue_capacity must be >= 1")
	}
	if cfg.Ingest.RefillPeriod <= 0 {
		errs = append(errs, "ingest.refill_period must be > 0")
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// ValidateAgent checks all AgentConfig fields, collecting every
// violation into one error.
func ValidateAgent(cfg *AgentConfig) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.AgentID == "" {
		errs = append(errs, "agent_id must not be empty")
	}
	if cfg.PipeID == "" {
		errs = append(errs, "pipe_id must not be empty")
	}
	if cfg.FusionBaseURL == "" {
		errs = append(errs, "fusion_base_url must not be empty")
	}
	if cfg.APIKey == "" {
		errs = append(errs, "api_key must not be empty")
	}
	if cfg.WatchRoot == "" {
		errs = append(errs, "watch_root must not be empty")
	}
	if cfg.WatchLimit < 1 {
		errs = append(errs, "watch_limit must be >= 1")
	}
	if cfg.Batch.Size < 1 {
		errs = append(errs, "batch.size must be >= 1")
	}
	if cfg.Batch.IntervalMS < 1 {
		errs = append(errs, "batch.interval_ms must be >= 1")
	}
	if cfg.Backoff.Base <= 0 {
		errs = append(errs, "backoff.base must be > 0")
	}
	if cfg.Backoff.Cap < cfg.Backoff.Base {
		errs = append(errs, "backoff.cap must be >= backoff.base")
	}
	if cfg.Backoff.MaxAttempts < 1 {
		errs = append(errs, "backoff.max_attempts must be >= 1")
	}
	for _, m := range cfg.FieldsMapping {
		if m.From == "" || m.To == "" {
			errs = append(errs, "fields_mapping entries require both from and to")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
