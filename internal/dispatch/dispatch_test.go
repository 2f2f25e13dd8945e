package dispatch

import (
	"context"
	"testing"

	"github.com/leadengine/wa-ingest/internal/ack"
	"github.com/leadengine/wa-ingest/internal/dedupe"
	"github.com/leadengine/wa-ingest/internal/inbound"
	"github.com/leadengine/wa-ingest/internal/poll"
	"github.com/leadengine/wa-ingest/internal/provisioner"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

type countingMetrics struct {
	counts map[string]int
}

func (m *countingMetrics) IncEvent(origin, tenantID, instanceID, result, reason string) {
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[result]++
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memstore.Store, *countingMetrics) {
	t.Helper()
	s := memstore.New(false)
	p := provisioner.New(s)
	hub := realtime.New(nil)
	pollReconciler := poll.New(s, hub, nil, nil)
	pipeline := inbound.New(inbound.Options{
		Store:        s,
		Provisioner:  p,
		Dedupe:       dedupe.New(),
		Hub:          hub,
		Allocator:    inbound.StoreAllocator{Store: s},
		PollMetadata: pollReconciler,
	})
	ackMachine := ack.New(s, hub, nil)
	metrics := &countingMetrics{}
	return New(pipeline, ackMachine, pollReconciler, dedupe.New(), metrics), s, metrics
}

func TestDispatch_UpsertPersistsMessage(t *testing.T) {
	d, s, metrics := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := s.CreateInstance(ctx, store.Instance{TenantID: "t1", BrokerID: "broker-1", Status: store.InstanceStatusConnected}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	event := map[string]any{
		"type":       "WHATSAPP_MESSAGES_UPSERT",
		"instanceId": "",
		"brokerId":   "broker-1",
		"messages": []any{
			map[string]any{
				"id":  "wamid-1",
				"key": map[string]any{"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": false},
				"message": map[string]any{
					"conversation": "hello",
				},
			},
		},
	}

	d.Dispatch(ctx, event, Overrides{TenantID: "t1"})

	if metrics.counts["accepted"] != 1 {
		t.Fatalf("expected 1 accepted, got %+v", metrics.counts)
	}
}

func TestDispatch_UnsupportedEventIgnored(t *testing.T) {
	d, _, metrics := newTestDispatcher(t)
	d.Dispatch(context.Background(), map[string]any{"type": "SOMETHING_ELSE"}, Overrides{TenantID: "t1"})
	if metrics.counts["ignored"] != 1 {
		t.Fatalf("expected 1 ignored, got %+v", metrics.counts)
	}
}

func TestDispatch_AckMissingMessageIdRejected(t *testing.T) {
	d, _, metrics := newTestDispatcher(t)
	d.Dispatch(context.Background(), map[string]any{"type": "WHATSAPP_MESSAGES_UPDATE"}, Overrides{TenantID: "t1"})
	if metrics.counts["rejected"] != 1 {
		t.Fatalf("expected 1 rejected, got %+v", metrics.counts)
	}
}
