package obsadapter

import (
	"context"

	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

// Metrics wraps a *telemetry.Recorder (a prometheus.Registerer-backed Meter)
// and exposes one small adapter type per package-local Metrics interface, so
// every counter in the ingestion pipeline lands on the same Prometheus
// registry C5 exposes on /metrics, instead of each package owning its own
// collector.
type Metrics struct {
	rec *telemetry.Recorder
}

// NewMetrics wraps rec. A nil rec yields adapters that silently drop counts.
func NewMetrics(rec *telemetry.Recorder) *Metrics {
	return &Metrics{rec: rec}
}

func (m *Metrics) inc(name string, labels telemetry.Labels) {
	if m == nil || m.rec == nil {
		return
	}
	_ = m.rec.IncCounter(context.Background(), name, 1, labels)
}

// Dispatch satisfies internal/dispatch.Metrics.
type Dispatch struct{ m *Metrics }

func (m *Metrics) Dispatch() Dispatch { return Dispatch{m: m} }

func (d Dispatch) IncEvent(origin, tenantID, instanceID, result, reason string) {
	d.m.inc("wa_ingest_webhook_events_total", telemetry.Labels{
		"origin": origin, "tenant_id": tenantID, "instance_id": instanceID,
		"result": result, "reason": reason,
	})
}

// Inbound satisfies internal/inbound.Metrics.
type Inbound struct{ m *Metrics }

func (m *Metrics) Inbound() Inbound { return Inbound{m: m} }

func (i Inbound) IncResult(tenantID, result, reason string) {
	i.m.inc("wa_ingest_inbound_result_total", telemetry.Labels{
		"tenant_id": tenantID, "result": result, "reason": reason,
	})
}

// Ack satisfies internal/ack.Metrics.
type Ack struct{ m *Metrics }

func (m *Metrics) Ack() Ack { return Ack{m: m} }

func (a Ack) IncAckResult(tenantID, result, reason string) {
	a.m.inc("wa_ingest_ack_result_total", telemetry.Labels{
		"tenant_id": tenantID, "result": result, "reason": reason,
	})
}

// Poll satisfies internal/poll.Metrics.
type Poll struct{ m *Metrics }

func (m *Metrics) Poll() Poll { return Poll{m: m} }

func (p Poll) IncPollResult(tenantID, result, reason string) {
	p.m.inc("wa_ingest_poll_result_total", telemetry.Labels{
		"tenant_id": tenantID, "result": result, "reason": reason,
	})
}

// MediaRetry satisfies internal/mediaretry.Metrics.
type MediaRetry struct{ m *Metrics }

func (m *Metrics) MediaRetry() MediaRetry { return MediaRetry{m: m} }

func (r MediaRetry) IncRetrySuccess(tenantID string) {
	r.m.inc("wa_ingest_media_retry_success_total", telemetry.Labels{"tenant_id": tenantID})
}

func (r MediaRetry) IncRetryFailure(tenantID string) {
	r.m.inc("wa_ingest_media_retry_failure_total", telemetry.Labels{"tenant_id": tenantID})
}

func (r MediaRetry) IncDLQ(tenantID string) {
	r.m.inc("wa_ingest_media_retry_dlq_total", telemetry.Labels{"tenant_id": tenantID})
}

// DLQ satisfies internal/dlq.Metrics.
type DLQ struct{ m *Metrics }

func (m *Metrics) DLQ() DLQ { return DLQ{m: m} }

func (d DLQ) IncDeadLettered(tenantID, reason string) {
	d.m.inc("wa_ingest_dlq_total", telemetry.Labels{"tenant_id": tenantID, "reason": reason})
}

// RateLimit counts rejections from pkg/ratelimit.Middleware, which has no
// Metrics interface of its own (it is a plain http.Handler wrapper); this
// adapter is called directly from cmd/server's middleware construction.
type RateLimit struct{ m *Metrics }

func (m *Metrics) RateLimit() RateLimit { return RateLimit{m: m} }

func (r RateLimit) IncRejected(scope string) {
	r.m.inc("wa_ingest_rate_limited_total", telemetry.Labels{"scope": scope})
}
