// Package config provides configuration management for the Claude Gate API
// server. It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, API keys,
// worker pool sizing, session retention and the CLI binary location.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// An empty list disables authentication.
	APIKeys []string `yaml:"api-keys"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects log output to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// ClaudeBinaryPath is the executable invoked for each request. A bare name
	// is resolved through PATH.
	ClaudeBinaryPath string `yaml:"claude-binary-path"`

	// DefaultModel is applied when a request does not name a model. Empty
	// leaves model selection to the CLI.
	DefaultModel string `yaml:"default-model"`

	// DefaultWorkspaceDir is the working directory applied when a request does
	// not provide one.
	DefaultWorkspaceDir string `yaml:"default-workspace-dir"`

	// WorkerConcurrency is the maximum number of CLI processes run in parallel.
	WorkerConcurrency int `yaml:"worker-concurrency"`

	// MaxQueueSize bounds outstanding submissions (running plus waiting).
	MaxQueueSize int `yaml:"max-queue-size"`

	// RequestTimeoutMillis is the per-execution ceiling for one CLI run.
	RequestTimeoutMillis int `yaml:"request-timeout-millis"`

	// QueueTimeoutMillis is the per-waiter ceiling before execution starts.
	QueueTimeoutMillis int `yaml:"queue-timeout-millis"`

	// SessionTTLMillis is the inactivity window before a session is deleted.
	SessionTTLMillis int `yaml:"session-ttl-millis"`

	// MaxSessionsPerKey is the per-owner session quota.
	MaxSessionsPerKey int `yaml:"max-sessions-per-key"`

	// SessionCleanupIntervalMillis is the cadence of the session TTL sweep.
	SessionCleanupIntervalMillis int `yaml:"session-cleanup-interval-millis"`

	// SessionDBPath is the SQLite file holding sessions and tasks.
	SessionDBPath string `yaml:"session-db-path"`

	// UsageStatsPath is the bbolt file holding request statistics.
	UsageStatsPath string `yaml:"usage-stats-path"`

	// RemoteManagement configures access to the management endpoints.
	RemoteManagement RemoteManagement `yaml:"remote-management"`
}

// RemoteManagement controls access to the /v0/management endpoints.
type RemoteManagement struct {
	// AllowRemote permits management calls from non-loopback addresses.
	AllowRemote bool `yaml:"allow-remote"`

	// SecretKey is the bcrypt hash of the management key.
	SecretKey string `yaml:"secret-key"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults for unset values, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset numeric or path field with its default.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.ClaudeBinaryPath == "" {
		c.ClaudeBinaryPath = "claude"
	}
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = 2
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 100
	}
	if c.RequestTimeoutMillis == 0 {
		c.RequestTimeoutMillis = 300000
	}
	if c.QueueTimeoutMillis == 0 {
		c.QueueTimeoutMillis = 60000
	}
	if c.SessionTTLMillis == 0 {
		c.SessionTTLMillis = 3600000
	}
	if c.MaxSessionsPerKey == 0 {
		c.MaxSessionsPerKey = 10
	}
	if c.SessionCleanupIntervalMillis == 0 {
		c.SessionCleanupIntervalMillis = 60000
	}
	if c.SessionDBPath == "" {
		c.SessionDBPath = "claude-gate.db"
	}
	if c.UsageStatsPath == "" {
		c.UsageStatsPath = "usage.bolt"
	}
}

// RequestTimeout returns the per-execution ceiling as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}

// QueueTimeout returns the per-waiter ceiling as a duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMillis) * time.Millisecond
}

// SessionTTL returns the session inactivity window as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMillis) * time.Millisecond
}

// SessionCleanupInterval returns the sweep cadence as a duration.
func (c *Config) SessionCleanupInterval() time.Duration {
	return time.Duration(c.SessionCleanupIntervalMillis) * time.Millisecond
}
