// Package cmd wires the service together: stores, worker pool, runner, HTTP
// server, config watcher and graceful shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/api"
	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/config"
	"github.com/router-for-me/ClaudeGateAPI/internal/pool"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
	"github.com/router-for-me/ClaudeGateAPI/internal/store"
	"github.com/router-for-me/ClaudeGateAPI/internal/usage"
	"github.com/router-for-me/ClaudeGateAPI/internal/watcher"
)

// StartService assembles the gateway and runs it until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configFilePath string) {
	db, err := store.Open(cfg.SessionDBPath)
	if err != nil {
		log.Fatalf("failed to open session database: %v", err)
	}

	sessions := store.NewSessionStore(db, cfg.MaxSessionsPerKey)
	tasks := store.NewTaskStore(db)

	// Tasks that were running when the previous process died must be failed
	// before the listener comes up, so no client ever polls a zombie.
	if n, errOrphans := tasks.MarkOrphanedFailed(context.Background()); errOrphans != nil {
		log.Fatalf("failed to mark orphaned tasks: %v", errOrphans)
	} else if n > 0 {
		log.Infof("marked %d orphaned task(s) from a previous run as failed", n)
	}

	usageStore, err := usage.Open(cfg.UsageStatsPath)
	if err != nil {
		log.Fatalf("failed to open usage store: %v", err)
	}

	// Per-request model and workspace defaults are applied by the handlers
	// from the live config, so the runner gets none here.
	claudeRunner := runner.New(cfg.ClaudeBinaryPath, "", "")

	workerPool := pool.New(claudeRunner, pool.Config{
		Concurrency:    cfg.WorkerConcurrency,
		MaxQueueSize:   cfg.MaxQueueSize,
		RequestTimeout: cfg.RequestTimeout(),
		QueueTimeout:   cfg.QueueTimeout(),
	})

	base := handlers.NewBaseAPIHandler(cfg, workerPool, sessions, tasks, usageStore)
	apiServer := api.NewServer(cfg, base, configFilePath)

	sweepCtx, cancelSweepers := context.WithCancel(context.Background())
	sessions.StartSweeper(sweepCtx, cfg.SessionTTL(), cfg.SessionCleanupInterval())
	tasks.StartSweeper(sweepCtx, cfg.SessionCleanupInterval())

	configWatcher, err := watcher.NewWatcher(configFilePath, cfg, apiServer.UpdateConfig)
	if err != nil {
		log.Warnf("failed to create config watcher, hot reload disabled: %v", err)
	} else if err = configWatcher.Start(sweepCtx); err != nil {
		log.Warnf("failed to start config watcher, hot reload disabled: %v", err)
	}

	go func() {
		if errStart := apiServer.Start(); errStart != nil {
			log.Fatalf("API server failed to start: %v", errStart)
		}
	}()
	log.Infof("Claude Gate API server started on port %d", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, cleaning up...")

	cancelSweepers()
	if configWatcher != nil {
		_ = configWatcher.Stop()
	}

	// Stop the listener first so nothing new arrives, then drain the pool.
	// In-flight HTTP requests need live workers until the drain finishes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = apiServer.Stop(ctx); err != nil {
		log.Errorf("error stopping API server: %v", err)
	}

	workerPool.Shutdown()

	if err = usageStore.Close(); err != nil {
		log.Errorf("error closing usage store: %v", err)
	}
	if err = db.Close(); err != nil {
		log.Errorf("error closing session database: %v", err)
	}

	log.Info("cleanup completed, exiting")
}
