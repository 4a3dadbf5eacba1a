// cmd/omnisearch/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"omnisearch/internal/app"
	"omnisearch/internal/common/aws"
	"omnisearch/internal/common/config"
	"omnisearch/internal/common/database"
	commonhttp "omnisearch/internal/common/http"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/common/validation"
	"omnisearch/internal/runner"
)

func main() {
	fs := pflag.NewFlagSet("omnisearch", pflag.ExitOnError)
	fs.String("dataset", "", "path to the JSONL dataset (question, question_id, image_url)")
	fs.String("dataset-name", "", "name used for the output directory")
	fs.String("output-dir", "", "root directory for answers, images and the evidence cache")
	fs.Int("concurrency", 0, "number of questions answered in parallel")
	fs.String("ops-address", "", "listen address for /health, /ready and /metrics")
	fs.String("model", "", "model provider: ollama or openai")
	fs.String("search", "", "search provider: duckduckgo, custom_search or elasticsearch")
	fs.String("cache", "", "evidence cache backend: file or redis")
	fs.String("log-level", "", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	if cfg.Runner.Dataset == "" {
		zapLog.Fatal("no dataset given; pass --dataset or set runner.dataset")
	}

	obs := observability.New(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
	defer obs.Shutdown()

	ops := commonhttp.NewOpsServer(cfg.Runner.OpsAddress, log)
	ops.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := runner.LoadDataset(cfg.Runner.Dataset, validation.MustValidator(validation.DatasetRecordSchema))
	if err != nil {
		zapLog.Fatal("dataset load failed", zap.Error(err))
	}

	datasetDir := filepath.Join(cfg.Runner.OutputDir, cfg.Runner.DatasetName)
	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = datasetDir
	}

	components, err := app.Build(ctx, cfg, app.Paths{
		ImageDir: filepath.Join(datasetDir, "search_images"),
		CacheDir: cacheDir,
	}, obs, log)
	if err != nil {
		zapLog.Fatal("failed to build conversation manager", zap.Error(err))
	}
	defer components.Close()

	output, err := runner.NewJSONLSink(cfg.Runner.OutputDir, cfg.Runner.DatasetName)
	if err != nil {
		zapLog.Fatal("failed to open output", zap.Error(err))
	}

	runID := uuid.NewString()

	var extra []runner.Sink
	if cfg.Database.Postgres.Enabled {
		var pg *database.PostgresClient
		err = app.RetryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 5, 2*time.Second, log, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			zapLog.Fatal("postgres migration failed", zap.Error(err))
		}
		extra = append(extra, runner.NewPostgresSink(pg.DB, runID, cfg.Runner.DatasetName))
		zapLog.Info("PostgreSQL result sink enabled")
	}

	var notifier runner.Notifier
	if cfg.Notifications.SNS.Enabled {
		sns, err := aws.NewSNSNotifier(ctx, cfg.Notifications.SNS.Region, cfg.Notifications.SNS.TopicARN)
		if err != nil {
			zapLog.Warn("SNS notifications disabled", zap.Error(err))
		} else {
			notifier = sns
		}
	}

	r := runner.New(runner.Options{
		Dataset:       cfg.Runner.DatasetName,
		RunID:         runID,
		Concurrency:   cfg.Runner.Concurrency,
		Conversations: components.Manager,
		Output:        output,
		Extra:         extra,
		Notifier:      notifier,
		Logger:        log,
	})

	ops.SetReady(true)
	summary, runErr := r.Run(ctx, records)
	ops.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("ops server shutdown failed", zap.Error(err))
	}

	zapLog.Info("run complete",
		zap.String("runId", summary.RunID),
		zap.String("output", output.Path()),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("exhausted", summary.Exhausted),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		zapLog.Error("run aborted", zap.Error(runErr))
		os.Exit(1)
	}
}
