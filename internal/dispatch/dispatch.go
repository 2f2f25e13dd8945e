// Package dispatch implements the C5 Event Dispatcher: unwrap one webhook
// event entry, resolve its instance/tenant/broker overrides, and route it to
// C6 (inbound), C7 (ack), or C8 (poll) by event type. Grounded on the
// teacher gateway's ingestion handler (api/handlers/ingestion.go), which
// runs the same classify-then-count loop over a batch of webhook entries.
package dispatch

import (
	"context"
	"time"

	"github.com/leadengine/wa-ingest/internal/ack"
	"github.com/leadengine/wa-ingest/internal/inbound"
	"github.com/leadengine/wa-ingest/internal/normalize"
	"github.com/leadengine/wa-ingest/internal/poll"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/pkg/idempotency"
)

// Metrics is the {origin,tenantId,instanceId,result,reason} counter surface
// spec.md §4.5 step 4 requires on every classification.
type Metrics interface {
	IncEvent(origin, tenantID, instanceID, result, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncEvent(string, string, string, string, string) {}

// Dedupe is the minimal surface Dispatcher needs from C1 to skip duplicates
// for MESSAGE_INBOUND/MESSAGE_OUTBOUND contract events before C6.
type Dedupe interface {
	Skip(ctx context.Context, key string, ttl time.Duration) bool
}

// Dispatcher routes one event entry to the correct downstream component.
type Dispatcher struct {
	inbound *inbound.Pipeline
	ack     *ack.Machine
	poll    *poll.Reconciler
	dedupe  Dedupe
	metrics Metrics
}

// New builds a Dispatcher.
func New(inboundPipeline *inbound.Pipeline, ackMachine *ack.Machine, pollReconciler *poll.Reconciler, dedupeCache Dedupe, metrics Metrics) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{inbound: inboundPipeline, ack: ackMachine, poll: pollReconciler, dedupe: dedupeCache, metrics: metrics}
}

// Overrides are the per-request instance/tenant/broker overrides resolved
// once for the whole webhook delivery (e.g. from the authenticated tenantId).
type Overrides struct {
	DefaultInstanceID string
	TenantID          string
	BrokerID          string
}

// Dispatch implements spec.md §4.5 for a single event entry from the
// webhook payload's event list. It never returns an error: every outcome is
// classified and counted, matching the "never re-raised" failure semantics.
func (d *Dispatcher) Dispatch(ctx context.Context, event map[string]any, overrides Overrides) {
	envelope := unwrapEnvelope(event)
	eventType, _ := envelope["type"].(string)
	if eventType == "" {
		eventType, _ = envelope["event"].(string)
	}

	instanceID := firstNonEmptyAny(overrides.DefaultInstanceID, stringField(envelope, "instanceId"))
	tenantID := firstNonEmptyAny(overrides.TenantID, stringField(envelope, "tenantId"))
	brokerID := firstNonEmptyAny(overrides.BrokerID, stringField(envelope, "brokerId"))

	switch eventType {
	case "WHATSAPP_MESSAGES_UPDATE":
		d.dispatchAck(ctx, envelope, tenantID, instanceID)
	case "POLL_CHOICE":
		d.dispatchPoll(ctx, envelope, tenantID)
	case "MESSAGE_INBOUND", "MESSAGE_OUTBOUND":
		d.dispatchContractMessage(ctx, envelope, tenantID, instanceID, brokerID)
	case "WHATSAPP_MESSAGES_UPSERT", "":
		d.dispatchUpsert(ctx, envelope, tenantID, instanceID, brokerID)
	default:
		d.metrics.IncEvent("webhook", tenantID, instanceID, "ignored", "unsupported_event")
	}
}

func (d *Dispatcher) dispatchAck(ctx context.Context, envelope map[string]any, tenantID, instanceID string) {
	messageID := firstNonEmptyAny(stringField(envelope, "messageId"), stringField(envelope, "id"))
	if messageID == "" || d.ack == nil {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "rejected", "missing_message_id")
		return
	}
	fromMe, _ := envelope["fromMe"].(bool)
	status := stringField(envelope, "status")

	applied, reason, err := d.ack.Apply(ctx, ack.Event{
		TenantID:  tenantID,
		MessageID: messageID,
		FromMe:    fromMe,
		Update: store.AckUpdate{
			Status:     store.MessageStatus(status),
			InstanceID: instanceID,
			ReceivedAt: parseTimestamp(envelope["receivedAt"]),
		},
	})
	if err != nil {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "failed", "ack_error")
		return
	}
	if !applied {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "rejected", reason)
		return
	}
	d.metrics.IncEvent("webhook", tenantID, instanceID, "accepted", "")
}

func (d *Dispatcher) dispatchPoll(ctx context.Context, envelope map[string]any, tenantID string) {
	if d.poll == nil {
		d.metrics.IncEvent("webhook", tenantID, "", "ignored", "poll_reconciler_unavailable")
		return
	}
	choice := poll.Choice{
		TenantID:  tenantID,
		PollID:    stringField(envelope, "pollId"),
		ChatID:    stringField(envelope, "chatId"),
		VoterJID:  stringField(envelope, "voterJid"),
		MessageID: stringField(envelope, "messageId"),
	}
	if optIDs, ok := envelope["optionIds"].([]any); ok {
		for _, o := range optIDs {
			if s, ok := o.(string); ok {
				choice.OptionIDs = append(choice.OptionIDs, s)
			}
		}
	}
	if err := d.poll.ApplyVote(ctx, choice); err != nil {
		d.metrics.IncEvent("webhook", tenantID, "", "failed", "poll_apply_error")
		return
	}
	d.metrics.IncEvent("webhook", tenantID, "", "accepted", "")
}

func (d *Dispatcher) dispatchContractMessage(ctx context.Context, envelope map[string]any, tenantID, instanceID, brokerID string) {
	messageID := firstNonEmptyAny(stringField(envelope, "messageId"), stringField(envelope, "id"))
	nm := normalize.NormalizedMessage{
		TenantID:   tenantID,
		InstanceID: instanceID,
		BrokerID:   brokerID,
		MessageID:  messageID,
		ChatID:     stringField(envelope, "chatId"),
		Type:       normalize.MessageType(stringField(envelope, "type")),
		Text:       stringField(envelope, "text"),
	}
	if d.dedupe != nil {
		key := idempotency.Key(tenantID, instanceID, messageID, 0)
		if d.dedupe.Skip(ctx, key, 24*time.Hour) {
			d.metrics.IncEvent("webhook", tenantID, instanceID, "ignored", "message_duplicate")
			return
		}
	}
	if d.inbound.Process(ctx, nm, envelope) {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "accepted", "")
	} else {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "rejected", "inbound_pipeline_failed")
	}
}

func (d *Dispatcher) dispatchUpsert(ctx context.Context, envelope map[string]any, tenantID, instanceID, brokerID string) {
	result := normalize.Normalize(envelope, normalize.Overrides{InstanceID: instanceID, TenantID: tenantID, BrokerID: brokerID})
	for _, ignored := range result.Ignored {
		d.metrics.IncEvent("webhook", tenantID, instanceID, "ignored", ignored.Reason)
	}
	for _, nm := range result.Messages {
		if d.inbound.Process(ctx, nm, envelope) {
			d.metrics.IncEvent("webhook", nm.TenantID, nm.InstanceID, "accepted", "")
		} else {
			d.metrics.IncEvent("webhook", nm.TenantID, nm.InstanceID, "rejected", "inbound_pipeline_failed")
		}
	}
}

// unwrapEnvelope merges the keys of a nested "payload" object over the
// top-level event (the nested value wins on a clash). A nested "raw" object
// is left in place; C2 reads raw.messages itself.
func unwrapEnvelope(event map[string]any) map[string]any {
	if payload, ok := event["payload"].(map[string]any); ok {
		merged := map[string]any{}
		for k, v := range event {
			merged[k] = v
		}
		for k, v := range payload {
			merged[k] = v
		}
		return merged
	}
	return event
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func firstNonEmptyAny(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Now().UTC()
}
