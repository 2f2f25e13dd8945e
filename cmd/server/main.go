// Command server is the C0-C11 HTTP entrypoint for the WhatsApp inbound
// ingestion core: it wires the webhook authenticator, event dispatcher,
// inbound pipeline, ACK machine, poll reconciler, realtime hub, and media
// retry worker behind a gorilla/mux router, and serves them over an
// http.Server with the teacher's signal-driven graceful shutdown (grounded
// on services/storage/cmd/storage/main.go's errCh/sigCh select, and routed
// with services/control-plane/coordinator/main.go's mux.NewRouter +
// Methods(...) idiom).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/leadengine/wa-ingest/internal/ack"
	"github.com/leadengine/wa-ingest/internal/broker"
	"github.com/leadengine/wa-ingest/internal/dedupe"
	"github.com/leadengine/wa-ingest/internal/dispatch"
	"github.com/leadengine/wa-ingest/internal/dlq"
	"github.com/leadengine/wa-ingest/internal/httpmw"
	"github.com/leadengine/wa-ingest/internal/inbound"
	"github.com/leadengine/wa-ingest/internal/mediaretry"
	"github.com/leadengine/wa-ingest/internal/mediastore"
	"github.com/leadengine/wa-ingest/internal/obsadapter"
	"github.com/leadengine/wa-ingest/internal/poll"
	"github.com/leadengine/wa-ingest/internal/provisioner"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/storefactory"
	"github.com/leadengine/wa-ingest/internal/webhookauth"
	"github.com/leadengine/wa-ingest/pkg/config"
	"github.com/leadengine/wa-ingest/pkg/ratelimit"
	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

// version/commit are populated by -ldflags in the Docker build, matching the
// teacher's cmd/storage build-time variable convention.
var (
	version = "0.0.0"
	commit  = "dev"
)

func main() {
	logger := telemetry.NewDefaultLogger(os.Stdout, "wa-ingest")

	cfg := config.Load(func(code, detail string) {
		logger.Warn(context.Background(), "config.env_warning", map[string]any{"code": code, "detail": detail})
	})
	if err := cfg.Validate(); err != nil {
		logger.Error(context.Background(), "config.invalid", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	app, cleanup, err := build(cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "boot.failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer cleanup()

	logger.Info(context.Background(), "service_start", map[string]any{
		"service": "wa-ingest", "version": version, "commit": commit,
		"port": cfg.Port, "env": cfg.NodeEnv,
	})

	retryCtx, cancelRetry := context.WithCancel(context.Background())
	go app.mediaWorker.Run(retryCtx)

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_error", map[string]any{"error": err.Error()})
		}
	}

	cancelRetry()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_error", map[string]any{"error": err.Error()})
	} else {
		logger.Info(context.Background(), "shutdown_complete", map[string]any{"service": "wa-ingest"})
	}
}

// application holds every wired dependency main needs after boot.
type application struct {
	handler     http.Handler
	mediaWorker *mediaretry.Worker
}

// build wires every SPEC_FULL.md component from cfg and returns the
// top-level HTTP handler plus a cleanup func that releases the store
// connection (closing *sql.DB for pgstore/sqlitestore; a no-op for
// memstore).
func build(cfg config.Config, logger *telemetry.Logger) (*application, func(), error) {
	ctx := context.Background()

	st, closeStore, err := storefactory.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := func() {
		if closeStore != nil {
			_ = closeStore()
		}
	}

	reg := prometheus.NewRegistry()
	recorder := telemetry.NewRecorder(reg)
	metrics := obsadapter.NewMetrics(recorder)

	fieldLog := obsadapter.NewFieldLogger(logger)
	ctxLog := obsadapter.NewCtxLogger(logger)
	printfLog := obsadapter.NewPrintfLogger(logger)

	prov := provisioner.New(st)

	dedupeOpts := []dedupe.Option{dedupe.WithLogger(ctxLog)}
	if cfg.DedupeRedisURL != "" {
		ropts, err := redis.ParseURL(cfg.DedupeRedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("parse dedupe redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		dedupeOpts = append(dedupeOpts, dedupe.WithBackend(dedupe.NewRedisBackend(client, "wa-ingest:dedupe")))
	}
	dedupeCache := dedupe.New(dedupeOpts...)

	brokerClient := broker.New(cfg.WhatsAppBrokerURL, cfg.WhatsAppBrokerAPIKey, cfg.WhatsAppBrokerTimeout)

	mediaStore, err := mediastore.New(mediastore.Options{
		BaseDir:    cfg.WhatsAppUploadsDir,
		BaseURL:    cfg.WhatsAppUploadsBaseURL,
		SigningKey: cfg.WhatsAppWebhookSignatureKey,
		SignedTTL:  cfg.WhatsAppMediaSignedURLTTL,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open media store: %w", err)
	}

	hub := realtime.New(fieldLog)

	failedDLQ := dlq.New(dlq.Options{Metrics: metrics.DLQ()})

	ackMachine := ack.New(st, hub, metrics.Ack())
	pollReconciler := poll.New(st, hub, metrics.Poll(), printfLog)

	pipeline := inbound.New(inbound.Options{
		Store:                    st,
		Provisioner:              prov,
		Dedupe:                   dedupeCache,
		Broker:                   brokerClient,
		MediaStore:               mediaStore,
		Hub:                      hub,
		DLQ:                      failedDLQ,
		Allocator:                inbound.StoreAllocator{Store: st},
		PollMetadata:             pollReconciler,
		Metrics:                  metrics.Inbound(),
		Logger:                   fieldLog,
		EmitTicketRealtimeEvents: true,
	})

	dispatcher := dispatch.New(pipeline, ackMachine, pollReconciler, dedupeCache, metrics.Dispatch())

	authenticator := webhookauth.New(webhookauth.Config{
		APIKey:            cfg.WhatsAppWebhookAPIKey,
		SignatureSecret:   cfg.WhatsAppWebhookSignatureKey,
		SignatureRequired: cfg.WhatsAppWebhookSignatureKey != "",
		VerifyToken:       cfg.WhatsAppWebhookVerifyToken,
	})

	mediaWorker := mediaretry.New(mediaretry.Options{
		Store:      st,
		Broker:     brokerClient,
		MediaStore: mediaStore,
		Metrics:    metrics.MediaRetry(),
		Logger:     fieldLog,
		DLQ:        failedDLQ,
		Interval:   cfg.MediaRetryInterval,
	})

	webhookLimiter := ratelimit.NewPolicy(cfg.RateLimitMax, cfg.RateLimitWindow)
	apiLimiter := ratelimit.NewPolicy(cfg.RateLimitMax, cfg.RateLimitWindow)
	cleanupLimiters := cleanup
	cleanup = func() {
		webhookLimiter.Close()
		apiLimiter.Close()
		cleanupLimiters()
	}

	deps := serverDeps{
		authenticator:    authenticator,
		dispatcher:       dispatcher,
		hub:              hub,
		recorder:         reg,
		logger:           fieldLog,
		webhookLimiter:   webhookLimiter,
		apiLimiter:       apiLimiter,
		rateLimitMetrics: metrics.RateLimit(),
		nodeEnv:          cfg.NodeEnv,
		socketIOPath:     cfg.SocketIOPath,
	}

	handler := buildHandler(cfg, deps)

	return &application{handler: handler, mediaWorker: mediaWorker}, cleanup, nil
}

func buildHandler(cfg config.Config, deps serverDeps) http.Handler {
	r := mux.NewRouter()
	newRouter(r, deps)

	var h http.Handler = r
	if cfg.NodeEnv == "production" {
		h = ratelimit.Middleware(deps.apiLimiter, ratelimit.GlobalAPIKey, func(string) {
			deps.rateLimitMetrics.IncRejected("api")
		})(h)
	}
	h = httpmw.CORS(httpmw.DefaultCORSConfig(cfg.CORSAllowedOrigins))(h)
	h = httpmw.RequestID(h)
	return h
}
