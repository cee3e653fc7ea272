// Command weftd runs the workflow execution daemon: it owns the store, the
// run coordinator, the cron schedule source, the approval deadline sweeper,
// and the live event hub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/weftwork/weft/internal/approval"
	"github.com/weftwork/weft/internal/artifact"
	"github.com/weftwork/weft/internal/dedup"
	"github.com/weftwork/weft/internal/dispatch"
	"github.com/weftwork/weft/internal/engine"
	"github.com/weftwork/weft/internal/executor"
	"github.com/weftwork/weft/internal/logging"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/internal/streaming"
	"github.com/weftwork/weft/internal/validation"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weftd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eventLog := store.NewEventLog(s)
	registry := executor.NewBuiltinRegistry()
	hub := streaming.NewMemoryHub()
	cache := dedup.New(time.Duration(cfg.DedupTTL))

	var artifacts artifact.Store
	if cfg.Artifact.Endpoint != "" {
		artifacts, err = artifact.NewObjectStore(ctx, cfg.Artifact)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		logger.Info("artifact store online", "endpoint", cfg.Artifact.Endpoint, "bucket", cfg.Artifact.Bucket)
	} else {
		artifacts = artifact.NewMemoryStore()
		logger.Warn("no artifact endpoint configured, oversized payloads stay in memory")
	}

	coord := engine.NewCoordinator(s, eventLog, registry, engine.Config{
		PoolSize:          cfg.PoolSize,
		TenantConcurrency: cfg.TenantConcurrency,
		InlineLimit:       cfg.InlineLimitBytes,
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.Breaker.Cooldown),
			HalfOpenMax:      cfg.Breaker.HalfOpenMax,
		},
	}, hub, artifacts, cache, logger)

	gate := approval.NewGate(s, coord, logger)
	go gate.RunSweeper(ctx, time.Duration(cfg.ApprovalSweep))

	dispatcher := dispatch.NewDispatcher(s, cache, coord, eventLog, logger, true)
	schedules := dispatch.NewScheduleSource(dispatcher, logger)

	// Re-register the schedule triggers of every stored version before the
	// sweep loop starts, so published crons survive a restart.
	if n, err := schedules.Restore(ctx, s); err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	} else if n > 0 {
		logger.Info("schedule triggers restored", "count", n)
	}
	if err := schedules.Start(ctx); err != nil {
		return err
	}

	publisher := dispatch.NewVersionPublisher(s, registry, validation.NewParameterValidator(), schedules, logger)
	if cfg.WorkflowsDir != "" {
		if n, err := loadWorkflows(ctx, publisher, cfg.WorkflowsDir, logger); err != nil {
			logger.Warn("workflow directory scan failed", "dir", cfg.WorkflowsDir, "error", err)
		} else if n > 0 {
			logger.Info("workflow versions published", "dir", cfg.WorkflowsDir, "count", n)
		}
	}

	logger.Info("weftd started",
		"version", version,
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"node_types", len(registry.List()))

	<-ctx.Done()
	logger.Info("shutting down")

	schedules.Stop()
	dispatcher.Wait()
	coord.Shutdown()
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
