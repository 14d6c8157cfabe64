// Package config loads and validates preview orchestrator configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// State store drivers.
const (
	StateDriverJSON   = "json"
	StateDriverSQLite = "sqlite"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Ports    PortsConfig    `yaml:"ports"`
	Startup  StartupConfig  `yaml:"startup"`
	Idle     IdleConfig     `yaml:"idle"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Process  ProcessConfig  `yaml:"process"`
	Reclaim  ReclaimConfig  `yaml:"reclaim"`
	State    StateConfig    `yaml:"state"`
	Server   ServerConfig   `yaml:"server"`
	Intake   IntakeConfig   `yaml:"intake"`
	Logs     LogsConfig     `yaml:"logs"`
	Spawn    SpawnConfig    `yaml:"spawn"`
}

// PortsConfig is the inclusive port range handed out to previews.
type PortsConfig struct {
	Start int `yaml:"start" validate:"min=1,max=65535"`
	End   int `yaml:"end" validate:"min=1,max=65535,gtefield=Start"`
}

// Size returns the number of ports in the range.
func (p PortsConfig) Size() int {
	return p.End - p.Start + 1
}

// StartupConfig bounds how long and how often a preview may try to become ready.
type StartupConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	WarmTimeout time.Duration `yaml:"warm_timeout" validate:"gt=0"`
	MaxRetries  int           `yaml:"max_retries" validate:"min=0,max=20"`
	RetryDelay  time.Duration `yaml:"retry_delay" validate:"gte=0"`
	SettleDelay time.Duration `yaml:"settle_delay" validate:"gte=0"`
}

// IdleConfig controls the idle reaper.
type IdleConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

// WatchdogConfig controls per-preview liveness and health checks.
type WatchdogConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	HealthPath   string        `yaml:"health_path"`
}

// ProcessConfig describes how preview processes are launched.
type ProcessConfig struct {
	// Command overrides launch command detection. Args may contain {port} and {host}.
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Host          string            `yaml:"host" validate:"required"`
	MemoryLimitMB int               `yaml:"memory_limit_mb" validate:"gte=0"`
	GracePeriod   time.Duration     `yaml:"grace_period" validate:"gt=0"`
	Env           map[string]string `yaml:"env"`
}

// ReclaimConfig controls zombie reclamation.
type ReclaimConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay" validate:"gte=0"`
}

// StateConfig selects where the recovery record is persisted.
type StateConfig struct {
	Driver string `yaml:"driver" validate:"oneof=json sqlite"`
	Path   string `yaml:"path" validate:"required"`
}

// ServerConfig is the HTTP API listen address. When PublicURL is set, previews
// advertise their /preview/{job}/ proxy URL under it instead of host:port.
type ServerConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	PublicURL string `yaml:"public_url" validate:"omitempty,url"`
}

// IntakeConfig configures the project-ready watcher. An empty Dir disables it.
type IntakeConfig struct {
	Dir       string `yaml:"dir"`
	ReadyFile string `yaml:"ready_file"`
}

// LogsConfig controls captured preview output.
type LogsConfig struct {
	Dir        string `yaml:"dir"`
	BufferSize int    `yaml:"buffer_size" validate:"min=10"`
	ToFile     bool   `yaml:"to_file"`
}

// SpawnConfig paces process spawns across all jobs.
type SpawnConfig struct {
	Rate  float64 `yaml:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"min=1"`
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DataDir returns the default directory for state and logs.
func DataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "app-preview")
	}
	return ".preview"
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Ports: PortsConfig{Start: 5000, End: 5099},
		Startup: StartupConfig{
			Timeout:     90 * time.Second,
			WarmTimeout: 30 * time.Second,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			SettleDelay: 500 * time.Millisecond,
		},
		Idle: IdleConfig{
			Timeout:      5 * time.Minute,
			ReapInterval: 30 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:     15 * time.Second,
			ProbeTimeout: 3 * time.Second,
			HealthPath:   "/",
		},
		Process: ProcessConfig{
			Host:          "127.0.0.1",
			MemoryLimitMB: 512,
			GracePeriod:   1500 * time.Millisecond,
		},
		Reclaim: ReclaimConfig{SettleDelay: time.Second},
		State: StateConfig{
			Driver: StateDriverJSON,
			Path:   filepath.Join(dataDir, "state.json"),
		},
		Server: ServerConfig{Addr: "127.0.0.1:7070"},
		Intake: IntakeConfig{ReadyFile: ".preview-ready"},
		Logs: LogsConfig{
			Dir:        filepath.Join(dataDir, "logs"),
			BufferSize: 1000,
			ToFile:     true,
		},
		Spawn: SpawnConfig{Rate: 5, Burst: 5},
	}
}

// Load reads configuration from path (if non-empty), applies PREVIEW_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- path is supplied by the operator via --config
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint. The first violation is returned as a *ValidationError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Field:  strings.TrimPrefix(fe.Namespace(), "Config."),
			Reason: fmt.Sprintf("failed %q (value %v)", fe.ActualTag()+paramSuffix(fe.Param()), fe.Value()),
		}
	}
	return &ValidationError{Field: "config", Reason: err.Error()}
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays PREVIEW_* variables on top of cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	ints := map[string]*int{
		"PREVIEW_PORT_START":      &cfg.Ports.Start,
		"PREVIEW_PORT_END":        &cfg.Ports.End,
		"PREVIEW_MAX_RETRIES":     &cfg.Startup.MaxRetries,
		"PREVIEW_MEMORY_LIMIT_MB": &cfg.Process.MemoryLimitMB,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return &ValidationError{Field: key, Reason: fmt.Sprintf("not an integer: %q", v)}
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"PREVIEW_STARTUP_TIMEOUT":   &cfg.Startup.Timeout,
		"PREVIEW_IDLE_TIMEOUT":      &cfg.Idle.Timeout,
		"PREVIEW_WATCHDOG_INTERVAL": &cfg.Watchdog.Interval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return &ValidationError{Field: key, Reason: fmt.Sprintf("not a duration: %q", v)}
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"PREVIEW_STATE_DRIVER": &cfg.State.Driver,
		"PREVIEW_STATE_PATH":   &cfg.State.Path,
		"PREVIEW_SERVER_ADDR":  &cfg.Server.Addr,
		"PREVIEW_PUBLIC_URL":   &cfg.Server.PublicURL,
		"PREVIEW_INTAKE_DIR":   &cfg.Intake.Dir,
		"PREVIEW_LOGS_DIR":     &cfg.Logs.Dir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}
