// cmd/conversation-worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"omnisearch/internal/app"
	"omnisearch/internal/common/camunda"
	"omnisearch/internal/common/config"
	commonhttp "omnisearch/internal/common/http"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/observability"
	mc "omnisearch/internal/workers/ai-conversation/manage-conversation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting conversation worker...")

	obs := observability.New(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Zeebe Client with retry ---
	var zeebeClient *camunda.Client
	err = app.RetryWithBackoff(func() error {
		var err error
		zeebeClient, err = camunda.NewClientWithConfig(camunda.ConfigFromApp(cfg.Camunda))
		return err
	}, 10, 2*time.Second, log, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = "./cache"
	}
	components, err := app.Build(ctx, cfg, app.Paths{
		ImageDir: filepath.Join(cacheDir, "search_images"),
		CacheDir: cacheDir,
	}, obs, log)
	if err != nil {
		zapLog.Fatal("failed to build conversation manager", zap.Error(err))
	}
	defer components.Close()

	handler := mc.NewHandler(mc.LoadConfig(cfg), components.Manager, log).WithObservability(obs)
	jobWorker := zeebeClient.StartWorker(mc.TaskType, config.GetWorkerConfig(cfg, mc.TaskType), handler.Handle, log)

	// --- Health & Metrics Server ---
	ops := commonhttp.NewOpsServer(cfg.Runner.OpsAddress, log)
	ops.Start()
	ops.SetReady(true)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping worker...")
	ops.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if jobWorker != nil {
		jobWorker.Close()
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping ops server", zap.Error(err))
	}
	if err := zeebeClient.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Conversation worker stopped gracefully")
}
