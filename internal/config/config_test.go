package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "api-keys:\n  - sk-test\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 8317, cfg.Port)
	require.Equal(t, "claude", cfg.ClaudeBinaryPath)
	require.Equal(t, 2, cfg.WorkerConcurrency)
	require.Equal(t, 100, cfg.MaxQueueSize)
	require.Equal(t, 300000, cfg.RequestTimeoutMillis)
	require.Equal(t, 60000, cfg.QueueTimeoutMillis)
	require.Equal(t, 3600000, cfg.SessionTTLMillis)
	require.Equal(t, 10, cfg.MaxSessionsPerKey)
	require.Equal(t, 60000, cfg.SessionCleanupIntervalMillis)
	require.Equal(t, "claude-gate.db", cfg.SessionDBPath)
	require.Equal(t, "usage.bolt", cfg.UsageStatsPath)
	require.Equal(t, []string{"sk-test"}, cfg.APIKeys)

	require.Equal(t, 5*time.Minute, cfg.RequestTimeout())
	require.Equal(t, time.Minute, cfg.QueueTimeout())
	require.Equal(t, time.Hour, cfg.SessionTTL())
}

func TestLoadConfigExplicitValues(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"port: 9000",
		"debug: true",
		"claude-binary-path: /usr/local/bin/claude",
		"worker-concurrency: 4",
		"max-queue-size: 8",
		"request-timeout-millis: 1000",
		"queue-timeout-millis: 500",
		"default-model: claude-sonnet-4-5",
		"remote-management:",
		"  allow-remote: true",
		"  secret-key: $2a$10$abcdefghijklmnopqrstuv",
	}, "\n") + "\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.True(t, cfg.Debug)
	require.Equal(t, "/usr/local/bin/claude", cfg.ClaudeBinaryPath)
	require.Equal(t, 4, cfg.WorkerConcurrency)
	require.Equal(t, 8, cfg.MaxQueueSize)
	require.Equal(t, time.Second, cfg.RequestTimeout())
	require.Equal(t, 500*time.Millisecond, cfg.QueueTimeout())
	require.Equal(t, "claude-sonnet-4-5", cfg.DefaultModel)
	require.True(t, cfg.RemoteManagement.AllowRemote)
	require.NotEmpty(t, cfg.RemoteManagement.SecretKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveConfigPreserveComments(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"# gateway listen port",
		"port: 8317",
		"debug: false # flip for verbose logs",
		"api-keys:",
		"  - sk-old",
	}, "\n") + "\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.Debug = true
	cfg.APIKeys = []string{"sk-new"}

	require.NoError(t, SaveConfigPreserveComments(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	require.Contains(t, text, "# gateway listen port")
	require.Contains(t, text, "# flip for verbose logs")
	require.Contains(t, text, "sk-new")
	require.NotContains(t, text, "sk-old")

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, reloaded.Debug)
	require.Equal(t, []string{"sk-new"}, reloaded.APIKeys)
}
