// Package config provides YAML configuration loading and validation for the
// pipetrace agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the pipetrace agent.
type Config struct {
	// RulesPath is the path to the display-rule file (pipetrace.rules.yml).
	// Required.
	RulesPath string `yaml:"rules_path"`

	// PipelinesPath is the path to the pipeline specification file
	// (pipetrace.pipelines.yml). Required.
	PipelinesPath string `yaml:"pipelines_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted. The PIPETRACE_LOG
	// environment variable overrides it.
	LogLevel string `yaml:"log_level"`

	// ControlAddr is the loopback listen address of the control API
	// (/healthz, /api/v1/info, /api/v1/terminate, /metrics). Defaults to
	// "127.0.0.1:8639".
	ControlAddr string `yaml:"control_addr"`

	// WorkDir holds the agent's runtime files: pidfile, chain log, spill
	// queue. Defaults to "/var/lib/pipetrace".
	WorkDir string `yaml:"work_dir"`

	// Ingest configures the event sources.
	Ingest IngestConfig `yaml:"ingest"`

	// Samples configures the data-sample extractor. An empty suffix list
	// selects the built-in defaults.
	Samples SampleConfig `yaml:"samples"`

	// FileWatch configures output-file stability detection.
	FileWatch FileWatchConfig `yaml:"file_watch"`

	// Sink configures the event downstream. When DATABASE_URL is set in the
	// environment the Postgres sink is used regardless of this section.
	Sink SinkConfig `yaml:"sink"`
}

// IngestConfig selects and tunes the event-source providers.
type IngestConfig struct {
	// KernelBridge enables the eBPF tracepoint source. Defaults to true.
	KernelBridge *bool `yaml:"kernel_bridge"`

	// ProcPolling enables the /proc snapshot source. Defaults to true. At
	// least one source must remain enabled.
	ProcPolling *bool `yaml:"proc_polling"`

	// ProcessPollingIntervalMs is the /proc snapshot cadence. Defaults to
	// 25 ms.
	ProcessPollingIntervalMs int `yaml:"process_polling_interval_ms"`
}

// SampleConfig tunes the data-sample extractor.
type SampleConfig struct {
	// Suffixes is the set of data-file suffixes recognised on command
	// lines (e.g. ".fq.gz", ".bam").
	Suffixes []string `yaml:"suffixes"`
}

// FileWatchConfig lists output paths to watch for size stability.
type FileWatchConfig struct {
	// Paths are the files to observe. May be empty.
	Paths []string `yaml:"paths"`

	// FileSizeNotChangingPeriodMs is how long a size must hold before the
	// file is reported stable. Defaults to 60 000 ms.
	FileSizeNotChangingPeriodMs int `yaml:"file_size_not_changing_period_ms"`
}

// SinkConfig selects the local event sink used when no DATABASE_URL is
// configured.
type SinkConfig struct {
	// Kind is "chainlog" (hash-chained NDJSON file under work_dir) or
	// "stdout". Defaults to "chainlog".
	Kind string `yaml:"kind"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSinkKinds = map[string]bool{
	"chainlog": true,
	"stdout":   true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error joins
// every failure found, not only the first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if lvl := os.Getenv("PIPETRACE_LOG"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = "127.0.0.1:8639"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/var/lib/pipetrace"
	}
	if cfg.Ingest.KernelBridge == nil {
		cfg.Ingest.KernelBridge = boolPtr(true)
	}
	if cfg.Ingest.ProcPolling == nil {
		cfg.Ingest.ProcPolling = boolPtr(true)
	}
	if cfg.Ingest.ProcessPollingIntervalMs <= 0 {
		cfg.Ingest.ProcessPollingIntervalMs = 25
	}
	if cfg.FileWatch.FileSizeNotChangingPeriodMs <= 0 {
		cfg.FileWatch.FileSizeNotChangingPeriodMs = 60_000
	}
	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = "chainlog"
	}
}

// validate checks required fields and enumerations.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RulesPath == "" {
		errs = append(errs, errors.New("rules_path is required"))
	}
	if cfg.PipelinesPath == "" {
		errs = append(errs, errors.New("pipelines_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validSinkKinds[cfg.Sink.Kind] {
		errs = append(errs, fmt.Errorf("sink.kind %q must be one of: chainlog, stdout", cfg.Sink.Kind))
	}
	if !*cfg.Ingest.KernelBridge && !*cfg.Ingest.ProcPolling {
		errs = append(errs, errors.New("ingest: at least one of kernel_bridge and proc_polling must be enabled"))
	}

	return errors.Join(errs...)
}

// PollInterval returns the /proc cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Ingest.ProcessPollingIntervalMs) * time.Millisecond
}

// StablePeriod returns the file-watch stability period as a duration.
func (c *Config) StablePeriod() time.Duration {
	return time.Duration(c.FileWatch.FileSizeNotChangingPeriodMs) * time.Millisecond
}

func boolPtr(v bool) *bool { return &v }
