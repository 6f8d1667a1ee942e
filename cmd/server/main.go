// Package main provides the entry point for the DLMM strategy
// orchestration engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/api"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/config"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/events"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/execution"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/logging"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/metrics"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/retry"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/scheduler"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/stoploss"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/storage"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to engine config YAML file")
	policiesPath := flag.String("retry-policies", "", "Path to retry policy table YAML override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.L().Fatal("failed to load engine config", zap.Error(err))
	}

	logger, err := logging.New(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		zap.L().Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.System.Info("starting DLMM strategy orchestration engine",
		zap.String("httpAddr", cfg.HTTPHost), zap.Int("httpPort", cfg.HTTPPort),
		zap.String("dataDir", cfg.DataDir), zap.String("rpcEndpoint", cfg.RPCEndpoint))

	policies, err := config.LoadRetryPolicies(*policiesPath)
	if err != nil {
		logger.System.Fatal("failed to load retry policies", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Collaborator clients. SimClient is the deterministic in-memory
	// fake used for paper/local runs; real on-chain wiring is out of
	// scope per spec.md §1 Non-goals.
	collaborator := collaborators.NewSimClient(zap.L(), time.Now().UnixNano())

	bus := events.New(zap.L(), events.Config{
		HistorySize:     cfg.EventHistorySize,
		DebounceDelay:   cfg.EventDebounceDelay,
		DebouncedTopics: cfg.DebouncedTopics,
	})

	store, err := storage.NewFileStore(zap.L(), cfg.DataDir)
	if err != nil {
		logger.System.Fatal("failed to initialize storage", zap.Error(err))
	}

	retryExec := retry.New(zap.L(), policies)
	retryExec.SetEventHook(func(topic string, payload retry.RetryEvent) {
		bus.Publish(topic, payload, "retry")
	})
	marketAdapter := market.NewAdapter(collaborator)
	stopLossRegistry := stoploss.NewRegistry()
	executor := execution.New(zap.L(), collaborator, collaborator, collaborator, retryExec)

	var metricsReg *metrics.Registry
	if cfg.EnableMetrics {
		metricsReg = metrics.New()
		retryExec.SetMetricsHook(func(operation, outcome string) {
			metricsReg.RetryAttempts.WithLabelValues(operation, outcome).Inc()
		})
		bus.SetMetricsHooks(
			func(topic string) { metricsReg.EventsPublished.WithLabelValues(topic).Inc() },
			func(topic string) { metricsReg.EventsDropped.WithLabelValues(topic).Inc() },
		)
	}

	mgrCfg := scheduler.DefaultManagerConfig()
	mgrCfg.HealthCheckInterval = cfg.HealthCheckInterval
	mgrCfg.StoppingTimeout = cfg.StoppingTimeout

	manager := scheduler.NewManager(logger, bus, store, marketAdapter, stopLossRegistry, executor, collaborator, mgrCfg)
	if metricsReg != nil {
		manager.SetMetrics(metricsReg)
	}

	if err := manager.Start(ctx); err != nil {
		logger.System.Fatal("failed to start scheduler", zap.Error(err))
	}

	apiCfg := api.Config{
		Host:         cfg.HTTPHost,
		Port:         cfg.HTTPPort,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	server := api.NewServer(zap.L(), apiCfg, manager, metricsReg)
	go func() {
		if err := server.Start(); err != nil {
			logger.System.Error("operator HTTP server error", zap.Error(err))
		}
	}()

	logger.System.Info("engine started",
		zap.String("httpAddr", apiCfg.Host), zap.Int("httpPort", apiCfg.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.System.Info("shutdown signal received")

	// Graceful shutdown ladder: drain every instance worker and the
	// tick pool, stop the event bus, then the HTTP server. Storage
	// writes are synchronous and atomic per-call (internal/storage),
	// so there is no buffered state to flush before shutting down.
	cancel()
	manager.Stop()
	bus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.System.Error("error during HTTP server shutdown", zap.Error(err))
	}

	logger.System.Info("engine stopped")
}
