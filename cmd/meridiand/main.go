// Command meridiand runs the orchestration core as a long-lived daemon:
// Configuration Registry, State Store, Dispatch Bus, Orchestrator, the
// three agent pools (Autonomous/Continuous/Collaborative), the Scheduler,
// the operator REST API, and the Prometheus metrics exposition, wired
// together and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/basket/meridian/internal/autonomous"
	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/collaborative"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/continuous"
	"github.com/basket/meridian/internal/metrics"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/otelx"
	"github.com/basket/meridian/internal/restapi"
	"github.com/basket/meridian/internal/scheduler"
	"github.com/basket/meridian/internal/slackgw"
	"github.com/basket/meridian/internal/store"
	"github.com/basket/meridian/internal/telemetry"
)

func main() {
	cfg := loadDaemonConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}
	if err := os.MkdirAll(cfg.descriptorDir, 0o755); err != nil {
		fatalStartup(nil, "E_DESCRIPTOR_DIR", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.homeDir, cfg.logLevel, cfg.quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready")

	otelProvider, err := otelx.Init(ctx, cfg.otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	registry := config.NewRegistry(cfg.descriptorDir)
	if err := registry.Load(); err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}
	for path, loadErr := range registry.Errors() {
		logger.Warn("descriptor failed to load", "path", path, "error", loadErr)
	}
	logger.Info("startup phase", "phase", "config_loaded", "agents", len(registry.List()))

	watcher := config.NewWatcher(registry, cfg.descriptorDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_INIT", err)
	}

	var cache store.CacheTier
	if cfg.redisURL != "" {
		redisCache, err := store.NewRedisCache(cfg.redisURL)
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to durable-only reads", "error", err)
		} else {
			cache = redisCache
			defer redisCache.Close()
		}
	}

	st, err := store.Open(filepath.Join(cfg.homeDir, "meridian.db"), cache, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus, err := bus.Open(filepath.Join(cfg.homeDir, "bus.db"), logger)
	if err != nil {
		fatalStartup(logger, "E_BUS_OPEN", err)
	}
	defer eventBus.Close()

	orch := orchestrator.New(nil, logger)

	autonomousPool := autonomous.New(registry, st, eventBus, orch, logger)
	continuousPool := continuous.New(registry, st, eventBus, orch, logger)
	collaborativePool := collaborative.New(registry, st, eventBus, orch, logger)
	if cfg.slackToken != "" && cfg.slackChannel != "" {
		collaborativePool.SetNotifier(slackgw.NewClient(cfg.slackToken, cfg.slackChannel, logger))
		logger.Info("slack notifications enabled", "channel", cfg.slackChannel)
	}

	orch.SetDisciplines(map[config.Mode]orchestrator.Activator{
		config.ModeAutonomous:    autonomousPool,
		config.ModeContinuous:    continuousPool,
		config.ModeCollaborative: collaborativePool,
	})

	for _, d := range registry.List() {
		orch.Register(d)
	}
	for _, d := range registry.List() {
		if d.Mode == config.ModeScheduled {
			continue
		}
		if err := orch.Activate(ctx, d.Name); err != nil {
			logger.Error("agent activation failed at startup", "agent_name", d.Name, "error", err)
		}
	}

	go orch.Supervise(ctx, cfg.supervisorInterval)
	go watchDescriptorReloads(ctx, watcher, orch, registry, logger)

	submitter := orchestrator.NewSubmitter(orch, st, eventBus)
	sched := scheduler.New(registry, submitter, cfg.schedulerInterval, logger)
	sched.Start(ctx)

	metricsReg := metrics.New()
	queues := []string{"pool.autonomous", "pool.collaborative"}
	for _, d := range registry.ListByMode(config.ModeContinuous) {
		queues = append(queues, "pool.continuous."+d.Name)
	}
	collector := metrics.NewCollector(metricsReg, orch, eventBus, queues)
	go collector.Run(ctx)

	api := restapi.New(orch, submitter, st, metricsReg)
	httpServer := &http.Server{
		Addr:    cfg.bindAddr,
		Handler: api,
	}
	go func() {
		logger.Info("operator api listening", "addr", cfg.bindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator api stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("meridiand ready")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining", "drain", cfg.shutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownDrain)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	sched.Stop()
	orch.Shutdown(shutdownCtx)
	logger.Info("meridiand stopped")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "reason", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "fatal startup error [%s]: %v\n", reasonCode, err)
	}
	os.Exit(1)
}

// watchDescriptorReloads reconciles the Orchestrator's registrations against
// the Configuration Registry's snapshot every time the directory watcher
// settles a reload: changed descriptors are drained and re-activated
// (restart_count reset to 0), new ones registered and activated, and ones
// removed from disk deregistered. Scheduled-mode descriptors are registered
// only — the Scheduler reads their body straight from the registry and has
// no Activator to drain.
func watchDescriptorReloads(ctx context.Context, w *config.Watcher, orch *orchestrator.Orchestrator, registry *config.Registry, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Reloaded():
			syncDescriptors(ctx, orch, registry, logger)
		}
	}
}

func syncDescriptors(ctx context.Context, orch *orchestrator.Orchestrator, registry *config.Registry, logger *slog.Logger) {
	current := registry.List()
	seen := make(map[string]bool, len(current))
	for _, d := range current {
		seen[d.Name] = true
		if d.Mode == config.ModeScheduled {
			orch.Register(d)
			continue
		}
		if err := orch.Reload(ctx, d); err != nil {
			logger.Error("descriptor reload failed", "agent_name", d.Name, "error", err)
		}
	}
	for _, reg := range orch.List() {
		if seen[reg.Descriptor.Name] {
			continue
		}
		if err := orch.Deregister(ctx, reg.Descriptor.Name); err != nil {
			logger.Error("descriptor deregister failed", "agent_name", reg.Descriptor.Name, "error", err)
		}
	}
}
