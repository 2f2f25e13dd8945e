// Package ack implements the C7 ACK State Machine as a thin orchestration
// layer: the monotonicity/late-drop decision itself lives inside each
// Store backend's ApplyBrokerAck (see DESIGN.md's "ACK decision ownership"
// entry for why), so this package's job is to call the store, translate its
// (applied, reason) result into counters, and emit messageUpdated on the
// realtime hub when the update actually lands.
package ack

import (
	"context"

	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
)

// Metrics is the counter surface incremented for every classification
// outcome, labelled by tenantId, result and reason only.
type Metrics interface {
	IncAckResult(tenantID, result, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncAckResult(string, string, string) {}

// Machine applies broker ACKs and fans out messageUpdated on success.
type Machine struct {
	store   store.Store
	hub     *realtime.Hub
	metrics Metrics
}

// New builds a Machine.
func New(st store.Store, hub *realtime.Hub, metrics Metrics) *Machine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Machine{store: st, hub: hub, metrics: metrics}
}

// Event is one WHATSAPP_MESSAGES_UPDATE entry after C5 has resolved the
// tenant and located the target message id.
type Event struct {
	TenantID  string
	MessageID string
	TicketID  string
	FromMe    bool
	Update    store.AckUpdate
}

// Apply runs the C7 policy for a single ACK event. It is a no-op (not an
// error) when FromMe is false, per spec.md's "fromMe == true on the key"
// requirement — ACKs only ever apply to outbound messages.
func (m *Machine) Apply(ctx context.Context, ev Event) (applied bool, reason string, err error) {
	if !ev.FromMe {
		m.metrics.IncAckResult(ev.TenantID, "ignored", "not_from_me")
		return false, "not_from_me", nil
	}

	msg, applied, reason, err := m.store.ApplyBrokerAck(ctx, ev.TenantID, ev.MessageID, ev.Update)
	if err != nil {
		m.metrics.IncAckResult(ev.TenantID, "failed", "store_error")
		return false, "", err
	}
	if !applied {
		m.metrics.IncAckResult(ev.TenantID, "rejected", reason)
		return false, reason, nil
	}

	m.metrics.IncAckResult(ev.TenantID, "accepted", "")
	if m.hub != nil {
		payload := map[string]any{
			"messageId": msg.ID,
			"ticketId":  msg.TicketID,
			"status":    msg.Status,
		}
		m.hub.EmitToTicket(ctx, msg.TicketID, realtime.EventMessageUpdated, payload)
		m.hub.EmitToTenant(ctx, ev.TenantID, realtime.EventMessageUpdated, payload)
	}
	return true, "", nil
}
