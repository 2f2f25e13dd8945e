// Package mediaretry implements the C10 Media Retry Worker: a periodic loop
// that drains deferred MediaJob rows C6 could not download synchronously,
// with bounded exponential backoff and a DLQ after repeated failure.
// Grounded on the teacher's background worker loop idiom
// (services/storage/cmd/storage/main.go's signal-aware run loop),
// generalized from a single-queue consumer to Store's lease-based job draining.
package mediaretry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/leadengine/wa-ingest/internal/broker"
	"github.com/leadengine/wa-ingest/internal/mediastore"
	"github.com/leadengine/wa-ingest/internal/store"
)

// DefaultInterval is the default wait between drain cycles, per spec.md §4.10.
const DefaultInterval = 60 * time.Second

// DefaultBatchSize is the default number of jobs leased per cycle.
const DefaultBatchSize = 10

// MaxAttempts is the attempt count past which a job is moved to the DLQ
// instead of rescheduled.
const MaxAttempts = 5

// maxBackoff caps the exponential backoff at 30 minutes.
const maxBackoff = 30 * time.Minute

// Metrics is the counter surface for worker outcomes.
type Metrics interface {
	IncRetrySuccess(tenantID string)
	IncRetryFailure(tenantID string)
	IncDLQ(tenantID string)
}

type noopMetrics struct{}

func (noopMetrics) IncRetrySuccess(string) {}
func (noopMetrics) IncRetryFailure(string) {}
func (noopMetrics) IncDLQ(string)          {}

// Logger is the minimal logging surface.
type Logger interface {
	Warn(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any) {}

// DLQ receives jobs that exhausted their retry budget. Shaped to match
// internal/inbound.DLQ and internal/dlq.FailedMessageDLQ's Send method, kept
// as a local interface so this package never imports internal/inbound.
type DLQ interface {
	Send(ctx context.Context, tenantID, reason string, payload map[string]any) error
}

// Worker drains pending MediaJob rows on a fixed interval until its context
// is cancelled.
type Worker struct {
	store      store.Store
	broker     *broker.Client
	mediaStore *mediastore.Store
	metrics    Metrics
	log        Logger
	dlq        DLQ

	Interval  time.Duration
	BatchSize int
}

// Options configures a new Worker.
type Options struct {
	Store      store.Store
	Broker     *broker.Client
	MediaStore *mediastore.Store
	Metrics    Metrics
	Logger     Logger
	DLQ        DLQ
	Interval   time.Duration
	BatchSize  int
}

// New builds a Worker.
func New(opts Options) *Worker {
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Worker{
		store:      opts.Store,
		broker:     opts.Broker,
		mediaStore: opts.MediaStore,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		dlq:        opts.DLQ,
		Interval:   interval,
		BatchSize:  batch,
	}
}

// Run loops until ctx is cancelled, draining one batch per tick. A cycle in
// progress at cancellation finishes the job it is processing and then stops
// (DrainOnce checks ctx between jobs), so a leased job is never abandoned
// mid-lease on shutdown; the batch's remaining jobs stay pending, unleased.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.DrainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce runs a single drain cycle: lease up to BatchSize pending jobs and
// process each one to completion, failure, or reschedule.
func (w *Worker) DrainOnce(ctx context.Context) {
	jobs, err := w.store.FindPendingInboundMediaJobs(ctx, w.BatchSize, time.Now())
	if err != nil {
		w.log.Warn("mediaretry: find pending jobs failed", map[string]any{"error": err.Error()})
		return
	}
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job store.MediaJob) {
	leased, err := w.store.MarkInboundMediaJobProcessing(ctx, job.ID)
	if err != nil {
		w.log.Warn("mediaretry: lease failed", map[string]any{"jobId": job.ID, "error": err.Error()})
		return
	}
	if !leased {
		return
	}

	if w.broker == nil || w.mediaStore == nil {
		w.rescheduleOrFail(ctx, job, "broker_or_media_store_unavailable")
		return
	}

	downloadCtx, cancel := context.WithTimeout(ctx, broker.BrokerDownloadTimeout)
	res, err := w.broker.Download(downloadCtx, broker.DownloadRequest{
		InstanceID: job.InstanceID,
		BrokerID:   job.BrokerID,
		MediaKey:   job.MediaKey,
		DirectPath: job.DirectPath,
	})
	cancel()
	if err != nil {
		w.rescheduleOrFail(ctx, job, err.Error())
		return
	}

	objectKey := job.TenantID + "/" + job.MessageExternalID
	url, _, err := w.mediaStore.Put(ctx, job.TenantID, objectKey, res.ContentType, res.Data)
	if err != nil {
		w.rescheduleOrFail(ctx, job, err.Error())
		return
	}

	if err := w.attachToMessage(ctx, job, url, res); err != nil {
		w.rescheduleOrFail(ctx, job, err.Error())
		return
	}

	if err := w.store.CompleteInboundMediaJob(ctx, job.ID); err != nil {
		w.log.Warn("mediaretry: mark complete failed", map[string]any{"jobId": job.ID, "error": err.Error()})
		return
	}
	w.metrics.IncRetrySuccess(job.TenantID)
}

func (w *Worker) attachToMessage(ctx context.Context, job store.MediaJob, url string, res broker.DownloadResult) error {
	if job.MessageExternalID == "" {
		return nil
	}
	msg, err := w.store.FindMessageByExternalID(ctx, job.TenantID, job.MessageExternalID)
	if err != nil {
		return err
	}
	msg.MediaURL = url
	msg.MimeType = res.ContentType
	msg.FileSize = int64(len(res.Data))
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	} else {
		clone := map[string]any{}
		for k, v := range msg.Metadata {
			clone[k] = v
		}
		msg.Metadata = clone
	}
	delete(msg.Metadata, "media_pending")
	return w.store.UpdateMessage(ctx, msg)
}

func (w *Worker) rescheduleOrFail(ctx context.Context, job store.MediaJob, lastErr string) {
	attempts := job.Attempts + 1
	if attempts >= MaxAttempts {
		if err := w.store.FailInboundMediaJob(ctx, job.ID, lastErr); err != nil {
			w.log.Warn("mediaretry: fail job failed", map[string]any{"jobId": job.ID, "error": err.Error()})
		}
		w.metrics.IncDLQ(job.TenantID)
		if w.dlq != nil {
			_ = w.dlq.Send(ctx, job.TenantID, "media_retry_exhausted", map[string]any{
				"jobId":             job.ID,
				"messageExternalId": job.MessageExternalID,
				"instanceId":        job.InstanceID,
				"mediaType":         string(job.MediaType),
				"attempts":          attempts,
				"lastError":         lastErr,
			})
		}
		return
	}
	next := time.Now().Add(backoffFor(attempts))
	if err := w.store.RescheduleInboundMediaJob(ctx, job.ID, next, lastErr); err != nil {
		w.log.Warn("mediaretry: reschedule failed", map[string]any{"jobId": job.ID, "error": err.Error()})
	}
	w.metrics.IncRetryFailure(job.TenantID)
}

// backoffFor implements spec.md §4.10's min(60s * 2^(attempts-1), 30min),
// via a fresh cenkalti/backoff ExponentialBackOff per call rather than a
// hand-rolled doubling loop, matching the worker-retry idiom of
// internal/worker/hub/backoff.go. Randomization is disabled since the spec
// names an exact formula, not a jittered one.
func backoffFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
