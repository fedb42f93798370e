// Package config loads and validates the console configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentconsole/internal/scheduler"
	"github.com/aixgo-dev/agentconsole/pkg/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTCONSOLE_"

// Config is the full console configuration.
type Config struct {
	Peer          PeerConfig          `yaml:"peer"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Limits        LimitsConfig        `yaml:"limits"`
	Session       SessionConfig       `yaml:"session"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Plans         PlansConfig         `yaml:"plans"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tasks         []TaskDef           `yaml:"tasks,omitempty"`
}

// PeerConfig describes the interactive program each session runs.
type PeerConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	ReadyMarker string            `yaml:"ready_marker"`
	EchoStrip   bool              `yaml:"echo_strip"`
}

// TimeoutsConfig holds the channel deadlines.
type TimeoutsConfig struct {
	Startup        time.Duration `yaml:"startup"`
	Response       time.Duration `yaml:"response"`
	Termination    time.Duration `yaml:"termination"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// LimitsConfig bounds buffers and history.
type LimitsConfig struct {
	MaxBufferSize           int `yaml:"max_buffer_size"`
	MaxResponseBytes        int `yaml:"max_response_bytes"`
	MessageTruncationLength int `yaml:"message_truncation_length"`
	HistoryLimit            int `yaml:"history_limit"`
}

// SessionConfig controls session lifecycle and history storage.
type SessionConfig struct {
	StartupAttempts    int           `yaml:"startup_attempts"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	// Store is one of memory, file or redis.
	Store   string              `yaml:"store"`
	BaseDir string              `yaml:"base_dir,omitempty"`
	Redis   session.RedisConfig `yaml:"redis,omitempty"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// Pacing is the minimum gap between two executions in one session.
	Pacing time.Duration `yaml:"pacing"`
	// Location is an IANA zone name for calendar specs. Empty means local time.
	Location string `yaml:"location,omitempty"`
}

// MonitoringConfig controls automatic follow-up prompts.
type MonitoringConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ToolMarker        string   `yaml:"tool_marker"`
	MaxAutoPrompts    int      `yaml:"max_auto_prompts"`
	AutoProceedPrompt string   `yaml:"auto_proceed_prompt"`
	MinResponseLength int      `yaml:"min_response_length"`
	FailureIndicators []string `yaml:"failure_indicators,omitempty"`
}

// PlansConfig locates saved task plans.
type PlansConfig struct {
	Dir string `yaml:"dir"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	MetricsPort    int           `yaml:"metrics_port"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File adds a log file next to stderr.
	File string `yaml:"file,omitempty"`
}

// TaskDef is a task scheduled at startup.
type TaskDef struct {
	Session  string `yaml:"session"`
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			ReadyMarker: "> ",
			EchoStrip:   true,
		},
		Timeouts: TimeoutsConfig{
			Startup:        30 * time.Second,
			Response:       300 * time.Second,
			Termination:    5 * time.Second,
			RestartBackoff: time.Second,
		},
		Limits: LimitsConfig{
			MaxBufferSize:           1024,
			MaxResponseBytes:        16 << 20,
			MessageTruncationLength: 100,
			HistoryLimit:            1000,
		},
		Session: SessionConfig{
			StartupAttempts:    3,
			IdleTimeout:        0,
			CleanupInterval:    time.Minute,
			MaxRestartAttempts: 3,
			Store:              "memory",
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			Pacing:       500 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			Enabled:           true,
			ToolMarker:        "/tool",
			MaxAutoPrompts:    3,
			AutoProceedPrompt: "please proceed",
			MinResponseLength: 10,
			FailureIndicators: []string{"skipping", "unknown tool", "error:", "failed"},
		},
		Plans: PlansConfig{
			Dir: "plans",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
			Tracing: TracingConfig{
				Exporter: "none",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// FileReader abstracts file reading for testability.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads from the local filesystem.
type OSFileReader struct{}

// ReadFile implements FileReader.
func (OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Load reads the configuration at path from disk.
func Load(path string) (*Config, error) {
	return LoadFrom(OSFileReader{}, path)
}

// LoadFrom reads the configuration at path through reader. Values in the file
// override Default(); environment overrides are applied last, then the result
// is validated. Unknown keys are rejected.
func LoadFrom(reader FileReader, path string) (*Config, error) {
	data, err := reader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	parser := NewParser(DefaultParseLimits(), true)
	if err := parser.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AGENTCONSOLE_* environment variables.
func (c *Config) ApplyEnv() error {
	var errs []error

	c.Peer.Command = getEnv("PEER_COMMAND", c.Peer.Command)
	if v := os.Getenv(EnvPrefix + "PEER_ARGS"); v != "" {
		c.Peer.Args = strings.Fields(v)
	}
	c.Peer.WorkingDir = getEnv("PEER_WORKING_DIR", c.Peer.WorkingDir)
	c.Peer.ReadyMarker = getEnv("PEER_READY_MARKER", c.Peer.ReadyMarker)

	c.Timeouts.Startup = getEnvDuration("STARTUP_TIMEOUT", c.Timeouts.Startup, &errs)
	c.Timeouts.Response = getEnvDuration("RESPONSE_TIMEOUT", c.Timeouts.Response, &errs)
	c.Timeouts.Termination = getEnvDuration("TERMINATION_TIMEOUT", c.Timeouts.Termination, &errs)

	c.Limits.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.Limits.HistoryLimit, &errs)

	c.Session.Store = getEnv("SESSION_STORE", c.Session.Store)
	c.Session.BaseDir = getEnv("SESSION_DIR", c.Session.BaseDir)
	c.Session.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", c.Session.IdleTimeout, &errs)
	c.Session.Redis.Addr = getEnv("REDIS_ADDR", c.Session.Redis.Addr)
	c.Session.Redis.Password = getEnv("REDIS_PASSWORD", c.Session.Redis.Password)

	c.Scheduler.TickInterval = getEnvDuration("TICK_INTERVAL", c.Scheduler.TickInterval, &errs)
	c.Scheduler.Location = getEnv("SCHEDULER_LOCATION", c.Scheduler.Location)

	c.Monitoring.Enabled = getEnvBool("MONITORING_ENABLED", c.Monitoring.Enabled, &errs)
	c.Plans.Dir = getEnv("PLANS_DIR", c.Plans.Dir)

	c.Observability.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.Observability.MetricsEnabled, &errs)
	c.Observability.MetricsPort = getEnvInt("METRICS_PORT", c.Observability.MetricsPort, &errs)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Peer.Command) == "" {
		errs = append(errs, errors.New("peer.command is required"))
	}
	if c.Peer.ReadyMarker == "" {
		errs = append(errs, errors.New("peer.ready_marker is required"))
	}

	for name, d := range map[string]time.Duration{
		"timeouts.startup":     c.Timeouts.Startup,
		"timeouts.response":    c.Timeouts.Response,
		"timeouts.termination": c.Timeouts.Termination,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Timeouts.RestartBackoff < 0 {
		errs = append(errs, errors.New("timeouts.restart_backoff must not be negative"))
	}

	if c.Limits.MaxBufferSize <= 0 {
		errs = append(errs, errors.New("limits.max_buffer_size must be positive"))
	}
	if c.Limits.MaxResponseBytes <= 0 {
		errs = append(errs, errors.New("limits.max_response_bytes must be positive"))
	}
	if c.Limits.HistoryLimit < 0 {
		errs = append(errs, errors.New("limits.history_limit must not be negative"))
	}

	if c.Session.StartupAttempts < 1 {
		errs = append(errs, errors.New("session.startup_attempts must be at least 1"))
	}
	if c.Session.MaxRestartAttempts < 1 {
		errs = append(errs, errors.New("session.max_restart_attempts must be at least 1"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	switch c.Session.Store {
	case "memory", "file":
	case "redis":
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store %q must be memory, file or redis", c.Session.Store))
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.Pacing < 0 {
		errs = append(errs, errors.New("scheduler.pacing must not be negative"))
	}
	if c.Scheduler.Location != "" {
		if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.location: %w", err))
		}
	}

	if c.Monitoring.ToolMarker == "" {
		errs = append(errs, errors.New("monitoring.tool_marker is required"))
	}
	if c.Monitoring.MaxAutoPrompts < 0 {
		errs = append(errs, errors.New("monitoring.max_auto_prompts must not be negative"))
	}

	if c.Observability.MetricsPort < 0 || c.Observability.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("observability.metrics_port %d out of range", c.Observability.MetricsPort))
	}
	switch c.Observability.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter %q must be none, stdout or otlp", c.Observability.Tracing.Exporter))
	}

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}

	for i, task := range c.Tasks {
		if task.Session == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: session is required", i))
		}
		if strings.TrimSpace(task.Message) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: message is required", i))
		}
		if _, err := scheduler.ParseSpec(task.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Location resolves Scheduler.Location. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Location)
}

// SessionBackend returns the history store settings.
func (c *Config) SessionBackend() session.BackendConfig {
	return session.BackendConfig{
		Store:   c.Session.Store,
		BaseDir: c.Session.BaseDir,
		Redis:   c.Session.Redis,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return d
}
