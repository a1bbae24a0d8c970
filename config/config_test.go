package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			Backend:             "docker",
			ConnectTimeoutSec:   5,
			OperationTimeoutSec: 30,
			MemoryMB:            256,
			TimeLimitMs:         2000,
			MaxTimeLimitMs:      10000,
			MaxMemoryMB:         1024,
			CPUs:                1,
			PidsLimit:           64,
			WorkspaceSizeMB:     128,
			MaxOutputKB:         64,
		},
		Workers: WorkersConfig{
			Count:              4,
			QueueSize:          256,
			ShutdownTimeoutSec: 30,
		},
		Submissions: SubmissionsConfig{
			Driver:           "none",
			UpdateTimeoutSec: 5,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Languages: map[string]Language{
			"python": {
				Image: "python:3.12-slim",
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 70000 }, "server.http_port"},
		{"UnsupportedBackend", func(c *Config) { c.Sandbox.Backend = "kubernetes" }, "unsupported sandbox.backend"},
		{"LocalBackendNotEnabled", func(c *Config) { c.Sandbox.Backend = "local" }, "unsupported sandbox.backend"},
		{"InvalidMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"InvalidWorkers", func(c *Config) { c.Workers.Count = 0 }, "workers.count must be positive"},
		{"InvalidQueueSize", func(c *Config) { c.Workers.QueueSize = -1 }, "workers.queue_size must be positive"},
		{"MaxTimeBelowDefault", func(c *Config) { c.Sandbox.MaxTimeLimitMs = 1000 }, "sandbox.max_time_limit_ms"},
		{"MaxMemoryBelowDefault", func(c *Config) { c.Sandbox.MaxMemoryMB = 128 }, "sandbox.max_memory_mb"},
		{"InvalidCPUs", func(c *Config) { c.Sandbox.CPUs = 0 }, "sandbox.cpus"},
		{"UnsupportedSubmissionDriver", func(c *Config) { c.Submissions.Driver = "postgres" }, "unsupported submissions.driver"},
		{"SQLiteWithoutDSN", func(c *Config) { c.Submissions.Driver = "sqlite" }, "submissions.dsn"},
		{"NATSWithoutURL", func(c *Config) { c.NATS.Enabled = true }, "nats.url"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "verbose" }, "invalid logging.mode"},
		{"NegativeLanguageLimit", func(c *Config) {
			c.Languages["python"] = Language{TimeLimitMs: -1}
		}, "languages.python"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("LocalBackendEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "local"
		cfg.Sandbox.EnableLocalBackend = true
		require.NoError(t, cfg.validate())
	})
}

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		v := viper.New()
		v.AddConfigPath(t.TempDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "stdio", cfg.Server.Transport)
		assert.Equal(t, "docker", cfg.Sandbox.Backend)
		assert.Equal(t, 4, cfg.Workers.Count)
		assert.Equal(t, 256, cfg.Workers.QueueSize)
		assert.Equal(t, "65534:65534", cfg.Sandbox.User)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout())
		assert.Equal(t, 30*time.Second, cfg.OperationTimeout())
		assert.Equal(t, 2*time.Second, cfg.DefaultTimeLimit())
		assert.Equal(t, 10*time.Second, cfg.MaxTimeLimit())
		assert.Equal(t, "none", cfg.Submissions.Driver)
		assert.False(t, cfg.NATS.Enabled)
	})

	t.Run("FromFile", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"server":  map[string]any{"transport": "none"},
			"workers": map[string]any{"count": 8},
			"submissions": map[string]any{
				"driver": "sqlite",
				"dsn":    "file:test.db",
			},
			"languages": map[string]any{
				"ruby": map[string]any{
					"image":       "ruby:3.3-alpine",
					"source_file": "main.rb",
					"run_cmd":     "ruby main.rb",
				},
			},
		})
		v := viper.New()
		v.SetConfigFile(path)

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "none", cfg.Server.Transport)
		assert.Equal(t, 8, cfg.Workers.Count)
		assert.Equal(t, "sqlite", cfg.Submissions.Driver)
		require.Contains(t, cfg.Languages, "ruby")
		assert.Equal(t, "ruby:3.3-alpine", cfg.Languages["ruby"].Image)
		assert.Equal(t, "ruby main.rb", cfg.Languages["ruby"].RunCmd)
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv("CODEJUDGE_WORKERS_QUEUE_SIZE", "16")
		t.Setenv("CODEJUDGE_SANDBOX_BACKEND", "podman")

		v := viper.New()
		v.AddConfigPath(t.TempDir())
		v.SetConfigName("config")

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Workers.QueueSize)
		assert.Equal(t, "podman", cfg.Sandbox.Backend)
	})

	t.Run("InvalidFile", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"sandbox": map[string]any{"backend": "firecracker"},
		})
		v := viper.New()
		v.SetConfigFile(path)

		_, err := Load(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}
