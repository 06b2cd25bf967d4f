// Package watcher provides file system monitoring for the Claude Gate API
// server. It watches the YAML configuration file and hot-applies the settings
// that can change at runtime, logging a warning for the ones that cannot.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/config"
)

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath     string
	config         *config.Config
	mu             sync.Mutex
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastConfigHash string
}

// NewWatcher creates a new file watcher instance. The callback receives every
// successfully reloaded configuration.
func NewWatcher(configPath string, cfg *config.Config, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		configPath:     configPath,
		config:         cfg,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)

	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles file system events.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

// handleEvent processes individual file system events. Editors that replace
// the file produce Create events, plain writes produce Write events; both are
// treated as a potential change.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	isConfigEvent := event.Name == w.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create)
	if !isConfigEvent {
		return
	}

	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	currentHash := w.lastConfigHash
	w.mu.Unlock()

	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

// reloadConfig reloads the configuration file and hands the result to the
// callback.
func (w *Watcher) reloadConfig() bool {
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	if oldConfig != nil {
		logConfigChanges(oldConfig, newConfig)
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}

// logConfigChanges reports what changed between two configurations. Settings
// bound at startup get a restart-required warning instead of being silently
// ignored.
func logConfigChanges(oldCfg, newCfg *config.Config) {
	log.Debugf("config changes detected:")
	if oldCfg.Debug != newCfg.Debug {
		log.Debugf("  debug: %t -> %t", oldCfg.Debug, newCfg.Debug)
	}
	if oldCfg.RequestLog != newCfg.RequestLog {
		log.Debugf("  request-log: %t -> %t", oldCfg.RequestLog, newCfg.RequestLog)
	}
	if oldCfg.LoggingToFile != newCfg.LoggingToFile {
		log.Debugf("  logging-to-file: %t -> %t", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	}
	if oldCfg.DefaultModel != newCfg.DefaultModel {
		log.Debugf("  default-model: %q -> %q", oldCfg.DefaultModel, newCfg.DefaultModel)
	}
	if oldCfg.DefaultWorkspaceDir != newCfg.DefaultWorkspaceDir {
		log.Debugf("  default-workspace-dir: %q -> %q", oldCfg.DefaultWorkspaceDir, newCfg.DefaultWorkspaceDir)
	}
	if len(oldCfg.APIKeys) != len(newCfg.APIKeys) {
		log.Debugf("  api-keys count: %d -> %d", len(oldCfg.APIKeys), len(newCfg.APIKeys))
	}
	if oldCfg.RemoteManagement.AllowRemote != newCfg.RemoteManagement.AllowRemote {
		log.Debugf("  remote-management.allow-remote: %t -> %t", oldCfg.RemoteManagement.AllowRemote, newCfg.RemoteManagement.AllowRemote)
	}

	// The rest is bound at startup: the listener, the pool, the stores and
	// the runner are constructed once.
	if oldCfg.Port != newCfg.Port {
		log.Warnf("  port changed (%d -> %d), restart required", oldCfg.Port, newCfg.Port)
	}
	if oldCfg.ClaudeBinaryPath != newCfg.ClaudeBinaryPath {
		log.Warnf("  claude-binary-path changed (%q -> %q), restart required", oldCfg.ClaudeBinaryPath, newCfg.ClaudeBinaryPath)
	}
	if oldCfg.WorkerConcurrency != newCfg.WorkerConcurrency {
		log.Warnf("  worker-concurrency changed (%d -> %d), restart required", oldCfg.WorkerConcurrency, newCfg.WorkerConcurrency)
	}
	if oldCfg.MaxQueueSize != newCfg.MaxQueueSize {
		log.Warnf("  max-queue-size changed (%d -> %d), restart required", oldCfg.MaxQueueSize, newCfg.MaxQueueSize)
	}
	if oldCfg.RequestTimeoutMillis != newCfg.RequestTimeoutMillis {
		log.Warnf("  request-timeout-millis changed (%d -> %d), restart required", oldCfg.RequestTimeoutMillis, newCfg.RequestTimeoutMillis)
	}
	if oldCfg.QueueTimeoutMillis != newCfg.QueueTimeoutMillis {
		log.Warnf("  queue-timeout-millis changed (%d -> %d), restart required", oldCfg.QueueTimeoutMillis, newCfg.QueueTimeoutMillis)
	}
	if oldCfg.SessionTTLMillis != newCfg.SessionTTLMillis {
		log.Warnf("  session-ttl-millis changed (%d -> %d), restart required", oldCfg.SessionTTLMillis, newCfg.SessionTTLMillis)
	}
	if oldCfg.MaxSessionsPerKey != newCfg.MaxSessionsPerKey {
		log.Warnf("  max-sessions-per-key changed (%d -> %d), restart required", oldCfg.MaxSessionsPerKey, newCfg.MaxSessionsPerKey)
	}
	if oldCfg.SessionDBPath != newCfg.SessionDBPath {
		log.Warnf("  session-db-path changed (%q -> %q), restart required", oldCfg.SessionDBPath, newCfg.SessionDBPath)
	}
	if oldCfg.UsageStatsPath != newCfg.UsageStatsPath {
		log.Warnf("  usage-stats-path changed (%q -> %q), restart required", oldCfg.UsageStatsPath, newCfg.UsageStatsPath)
	}
	if oldCfg.RemoteManagement.SecretKey == "" && newCfg.RemoteManagement.SecretKey != "" {
		log.Warnf("  management key added, restart required to register the management endpoints")
	}
}
