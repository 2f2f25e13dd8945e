package ack

import (
	"context"
	"testing"
	"time"

	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

type countingMetrics struct {
	calls []string
}

func (c *countingMetrics) IncAckResult(tenantID, result, reason string) {
	c.calls = append(c.calls, result+":"+reason)
}

func TestApply_NotFromMeIsIgnored(t *testing.T) {
	s := memstore.New(false)
	metrics := &countingMetrics{}
	m := New(s, realtime.New(nil), metrics)

	applied, reason, err := m.Apply(context.Background(), Event{TenantID: "t1", MessageID: "missing", FromMe: false})
	if err != nil || applied || reason != "not_from_me" {
		t.Fatalf("expected not_from_me no-op, got applied=%v reason=%q err=%v", applied, reason, err)
	}
	if len(metrics.calls) != 1 || metrics.calls[0] != "ignored:not_from_me" {
		t.Fatalf("unexpected metrics calls: %v", metrics.calls)
	}
}

func TestApply_SuccessEmitsMessageUpdated(t *testing.T) {
	s := memstore.New(false)
	ctx := context.Background()
	msg, _, err := s.CreateMessage(ctx, store.NewMessage{TenantID: "t1", TicketID: "tick1", Direction: store.DirectionOutbound, ExternalID: "ext-1"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	hub := realtime.New(nil)
	conn := &fakeConn{}
	hub.Subscribe("ticket:tick1", conn)

	metrics := &countingMetrics{}
	m := New(s, hub, metrics)

	applied, _, err := m.Apply(ctx, Event{
		TenantID:  "t1",
		MessageID: msg.ID,
		FromMe:    true,
		Update:    store.AckUpdate{Status: store.MessageStatusSent, ReceivedAt: time.Now()},
	})
	if err != nil || !applied {
		t.Fatalf("expected apply to succeed, got applied=%v err=%v", applied, err)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("expected messageUpdated frame, got %d", len(conn.frames))
	}
}

type fakeConn struct {
	frames []any
}

func (f *fakeConn) WriteJSON(v any) error {
	f.frames = append(f.frames, v)
	return nil
}
