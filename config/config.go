package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CODEJUDGE_WORKERS_COUNT.
const EnvPrefix = "CODEJUDGE"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Sandbox     SandboxConfig       `mapstructure:"sandbox"`
	Workers     WorkersConfig       `mapstructure:"workers"`
	Submissions SubmissionsConfig   `mapstructure:"submissions"`
	NATS        NATSConfig          `mapstructure:"nats"`
	Logging     LoggingConfig       `mapstructure:"logging"`
	Languages   map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend             string  `mapstructure:"backend"`
	Host                string  `mapstructure:"host"`
	ConnectTimeoutSec   int     `mapstructure:"connect_timeout_sec"`
	OperationTimeoutSec int     `mapstructure:"operation_timeout_sec"`
	MemoryMB            int     `mapstructure:"memory_mb"`
	TimeLimitMs         int     `mapstructure:"time_limit_ms"`
	MaxTimeLimitMs      int     `mapstructure:"max_time_limit_ms"`
	MaxMemoryMB         int     `mapstructure:"max_memory_mb"`
	CPUs                float64 `mapstructure:"cpus"`
	PidsLimit           int64   `mapstructure:"pids_limit"`
	WorkspaceSizeMB     int     `mapstructure:"workspace_size_mb"`
	MaxOutputKB         int     `mapstructure:"max_output_kb"`
	User                string  `mapstructure:"user"`
	NetworkEnabled      bool    `mapstructure:"network_enabled"`
	EnableLocalBackend  bool    `mapstructure:"enable_local_backend"`
	PullMissingImages   bool    `mapstructure:"pull_missing_images"`
}

// WorkersConfig holds worker pool configuration
type WorkersConfig struct {
	Count              int `mapstructure:"count"`
	QueueSize          int `mapstructure:"queue_size"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

// SubmissionsConfig holds submission sink configuration
type SubmissionsConfig struct {
	Driver           string `mapstructure:"driver"`
	DSN              string `mapstructure:"dsn"`
	UpdateTimeoutSec int    `mapstructure:"update_timeout_sec"`
}

// NATSConfig holds NATS transport configuration
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	QueueGroup    string `mapstructure:"queue_group"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language overrides or adds a language profile. Empty fields keep the
// built-in value.
type Language struct {
	Image             string            `mapstructure:"image"`
	SourceFile        string            `mapstructure:"source_file"`
	CompileCmd        string            `mapstructure:"compile_cmd"`
	RunCmd            string            `mapstructure:"run_cmd"`
	CompileTimeoutSec int               `mapstructure:"compile_timeout_sec"`
	TimeLimitMs       int               `mapstructure:"time_limit_ms"`
	MemoryMB          int               `mapstructure:"memory_mb"`
	Environment       map[string]string `mapstructure:"environment"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, a .env file and CODEJUDGE_* variables.
func New() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return Load(v)
}

// Load reads configuration through v, which must already know where to look
// for a config file.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.host", "")
	v.SetDefault("sandbox.connect_timeout_sec", 5)
	v.SetDefault("sandbox.operation_timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.time_limit_ms", 2000)
	v.SetDefault("sandbox.max_time_limit_ms", 10000)
	v.SetDefault("sandbox.max_memory_mb", 1024)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.workspace_size_mb", 128)
	v.SetDefault("sandbox.max_output_kb", 64)
	v.SetDefault("sandbox.user", "65534:65534")
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.pull_missing_images", false)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 256)
	v.SetDefault("workers.shutdown_timeout_sec", 30)

	v.SetDefault("submissions.driver", "none")
	v.SetDefault("submissions.dsn", "file:codejudge.db")
	v.SetDefault("submissions.update_timeout_sec", 5)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "codejudge")
	v.SetDefault("nats.queue_group", "codejudge-workers")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "none":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'none'", c.Server.Transport)
	}
	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	positive := map[string]int{
		"sandbox.connect_timeout_sec":   c.Sandbox.ConnectTimeoutSec,
		"sandbox.operation_timeout_sec": c.Sandbox.OperationTimeoutSec,
		"sandbox.memory_mb":             c.Sandbox.MemoryMB,
		"sandbox.time_limit_ms":         c.Sandbox.TimeLimitMs,
		"sandbox.workspace_size_mb":     c.Sandbox.WorkspaceSizeMB,
		"sandbox.max_output_kb":         c.Sandbox.MaxOutputKB,
		"workers.count":                 c.Workers.Count,
		"workers.queue_size":            c.Workers.QueueSize,
		"workers.shutdown_timeout_sec":  c.Workers.ShutdownTimeoutSec,
	}
	for key, val := range positive {
		if val <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", key, val)
		}
	}

	if c.Sandbox.MaxTimeLimitMs < c.Sandbox.TimeLimitMs {
		return fmt.Errorf("sandbox.max_time_limit_ms (%d) must not be below sandbox.time_limit_ms (%d)",
			c.Sandbox.MaxTimeLimitMs, c.Sandbox.TimeLimitMs)
	}
	if c.Sandbox.MaxMemoryMB < c.Sandbox.MemoryMB {
		return fmt.Errorf("sandbox.max_memory_mb (%d) must not be below sandbox.memory_mb (%d)",
			c.Sandbox.MaxMemoryMB, c.Sandbox.MemoryMB)
	}
	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %v", c.Sandbox.CPUs)
	}
	if c.Sandbox.PidsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative, got: %d", c.Sandbox.PidsLimit)
	}

	switch c.Submissions.Driver {
	case "none":
	case "sqlite":
		if c.Submissions.DSN == "" {
			return errors.New("submissions.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported submissions.driver: %s", c.Submissions.Driver)
	}
	if c.Submissions.UpdateTimeoutSec <= 0 {
		return fmt.Errorf("submissions.update_timeout_sec must be positive, got: %d", c.Submissions.UpdateTimeoutSec)
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.SubjectPrefix == "") {
		return errors.New("nats.url and nats.subject_prefix are required when nats is enabled")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s", c.Logging.Mode)
	}

	for name, lang := range c.Languages {
		if strings.TrimSpace(name) == "" {
			return errors.New("languages: empty language name")
		}
		if lang.CompileTimeoutSec < 0 || lang.TimeLimitMs < 0 || lang.MemoryMB < 0 {
			return fmt.Errorf("languages.%s: limits must not be negative", name)
		}
	}

	return nil
}

// ConnectTimeout returns the engine dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Sandbox.ConnectTimeoutSec) * time.Second
}

// OperationTimeout returns the timeout of a single engine call.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Sandbox.OperationTimeoutSec) * time.Second
}

// ShutdownTimeout returns how long workers may drain on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Workers.ShutdownTimeoutSec) * time.Second
}

// UpdateTimeout returns the timeout of one submission sink update.
func (c *Config) UpdateTimeout() time.Duration {
	return time.Duration(c.Submissions.UpdateTimeoutSec) * time.Second
}

// DefaultTimeLimit returns the time limit used when neither the request nor
// the language sets one.
func (c *Config) DefaultTimeLimit() time.Duration {
	return time.Duration(c.Sandbox.TimeLimitMs) * time.Millisecond
}

// MaxTimeLimit returns the largest time limit a request may ask for.
func (c *Config) MaxTimeLimit() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeLimitMs) * time.Millisecond
}
