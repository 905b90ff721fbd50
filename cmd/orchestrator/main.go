package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/digest-ai/internal/backend"
	"github.com/xaenox/digest-ai/internal/orchestrator"
	"github.com/xaenox/digest-ai/internal/provider"
	"github.com/xaenox/digest-ai/internal/settings"
	"github.com/xaenox/digest-ai/internal/worker"
	"github.com/xaenox/digest-ai/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration; config file is optional, env is enough.
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("Failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	// Initialize persistence client
	store := backend.NewClient(cfg.Backend.APIURL, logger.With(zap.String("component", "backend")))

	// Initialize settings cache
	cache := settings.NewCache(store, cfg.Worker.SettingsTTL(), logger.With(zap.String("component", "settings")))

	// Initialize provider adapter
	gpt := provider.NewGPTProvider(cfg.LLM.APIKey, cfg.Worker.ProviderTimeout(), logger.With(zap.String("component", "provider")))

	workerCfg := worker.Config{
		PollInterval: cfg.Worker.PollInterval(),
		BatchSize:    cfg.Worker.BatchSize,
		LeaseTTL:     cfg.Worker.LeaseTTL(),
		BatchBudget:  cfg.Worker.ProviderBatchBudget(),
	}

	tracker := orchestrator.NewTracker()
	workers := []orchestrator.Runnable{
		worker.New(worker.Categorizer{Version: "v1"}, store, gpt, cache, workerCfg, logger, tracker),
		worker.New(worker.Summarizer{}, store, gpt, cache, workerCfg, logger, tracker),
	}

	orch := orchestrator.New(workers, store, tracker, orchestrator.Config{
		HeartbeatInterval: cfg.Worker.PollInterval(),
		LeaseTTL:          cfg.Worker.LeaseTTL(),
		StatusAddr:        cfg.Status.Addr,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		logger.Error("Orchestrator error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := logCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
