// Command mediaworker is the standalone C10 Media Retry Worker process: a
// periodic drain loop over pending MediaJob rows, run either unbounded (long
// -lived deployment) or for a fixed number of cycles via
// MEDIA_RETRY_WORKER_MAX_RUNS (one-shot/cron invocation). Grounded on
// cmd/drone's signal-cancelable ticker loop — the teacher's own standalone
// periodic worker process — generalized from drone's HTTP-polling iteration
// to mediaretry.Worker.DrainOnce's Store-backed job lease.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leadengine/wa-ingest/internal/broker"
	"github.com/leadengine/wa-ingest/internal/dlq"
	"github.com/leadengine/wa-ingest/internal/mediaretry"
	"github.com/leadengine/wa-ingest/internal/mediastore"
	"github.com/leadengine/wa-ingest/internal/obsadapter"
	"github.com/leadengine/wa-ingest/internal/storefactory"
	"github.com/leadengine/wa-ingest/pkg/config"
	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

var (
	version = "0.0.0"
	commit  = "dev"
)

func main() {
	logger := telemetry.NewDefaultLogger(os.Stdout, "wa-mediaworker")
	ctx := context.Background()

	cfg := config.Load(func(code, detail string) {
		logger.Warn(ctx, "config.env_warning", map[string]any{"code": code, "detail": detail})
	})
	if err := cfg.Validate(); err != nil {
		logger.Error(ctx, "config.invalid", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	st, closeStore, err := storefactory.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(ctx, "boot.failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer func() {
		if closeStore != nil {
			_ = closeStore()
		}
	}()

	reg := telemetry.NewRecorder(nil)
	metrics := obsadapter.NewMetrics(reg)
	fieldLog := obsadapter.NewFieldLogger(logger)

	brokerClient := broker.New(cfg.WhatsAppBrokerURL, cfg.WhatsAppBrokerAPIKey, cfg.WhatsAppBrokerTimeout)

	mediaStore, err := mediastore.New(mediastore.Options{
		BaseDir:    cfg.WhatsAppUploadsDir,
		BaseURL:    cfg.WhatsAppUploadsBaseURL,
		SigningKey: cfg.WhatsAppWebhookSignatureKey,
		SignedTTL:  cfg.WhatsAppMediaSignedURLTTL,
	})
	if err != nil {
		logger.Error(ctx, "boot.failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	failedDLQ := dlq.New(dlq.Options{Metrics: metrics.DLQ()})

	worker := mediaretry.New(mediaretry.Options{
		Store:      st,
		Broker:     brokerClient,
		MediaStore: mediaStore,
		Metrics:    metrics.MediaRetry(),
		Logger:     fieldLog,
		DLQ:        failedDLQ,
		Interval:   cfg.MediaRetryInterval,
	})

	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info(ctx, "shutdown_signal", nil)
		cancel()
	}()

	logger.Info(ctx, "service_start", map[string]any{
		"service": "wa-mediaworker", "version": version, "commit": commit,
		"interval_ms": cfg.MediaRetryInterval.Milliseconds(), "max_runs": cfg.MediaRetryMaxRuns,
	})

	if cfg.MediaRetryMaxRuns > 0 {
		runBounded(runCtx, worker, cfg.MediaRetryMaxRuns, logger)
	} else {
		worker.Run(runCtx)
	}

	logger.Info(ctx, "shutdown_complete", map[string]any{"service": "wa-mediaworker"})
}

// runBounded drains exactly maxRuns cycles, sleeping worker.Interval between
// cycles, honoring cancellation between and during cycles.
func runBounded(ctx context.Context, worker *mediaretry.Worker, maxRuns int, logger *telemetry.Logger) {
	for i := 0; i < maxRuns; i++ {
		if ctx.Err() != nil {
			return
		}
		worker.DrainOnce(ctx)
		logger.Info(ctx, "drain_cycle_complete", map[string]any{"cycle": i + 1, "of": maxRuns})
		if i == maxRuns-1 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(worker.Interval):
		}
	}
}
