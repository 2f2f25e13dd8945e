package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/leadengine/wa-ingest/internal/store"
)

func TestCreateMessage_ExternalIDConflictReturnsExisting(t *testing.T) {
	s := New(false)
	ctx := context.Background()

	in := store.NewMessage{TenantID: "t1", TicketID: "tick1", Direction: store.DirectionInbound, Type: store.MessageTypeText, Content: "hi", ExternalID: "ext-1"}
	m1, created1, err := s.CreateMessage(ctx, in)
	if err != nil || !created1 {
		t.Fatalf("expected first create to succeed, got created=%v err=%v", created1, err)
	}

	m2, created2, err := s.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("unexpected error on duplicate create: %v", err)
	}
	if created2 {
		t.Fatalf("expected duplicate externalId to not create a new message")
	}
	if m1.ID != m2.ID {
		t.Fatalf("expected same message id, got %s vs %s", m1.ID, m2.ID)
	}
}

func TestApplyBrokerAck_Monotone(t *testing.T) {
	s := New(false)
	ctx := context.Background()

	m, _, err := s.CreateMessage(ctx, store.NewMessage{TenantID: "t1", TicketID: "tick1", Direction: store.DirectionOutbound, Type: store.MessageTypeText, ExternalID: "m-1"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, applied, reason, err := s.ApplyBrokerAck(ctx, "t1", m.ID, store.AckUpdate{Status: store.MessageStatusSent, ReceivedAt: base})
	if err != nil || !applied || reason != "" {
		t.Fatalf("expected SENT to apply, got applied=%v reason=%q err=%v", applied, reason, err)
	}

	_, applied, reason, err = s.ApplyBrokerAck(ctx, "t1", m.ID, store.AckUpdate{Status: store.MessageStatusRead, ReceivedAt: base.Add(100 * time.Second)})
	if err != nil || !applied {
		t.Fatalf("expected READ to apply, got applied=%v err=%v", applied, err)
	}

	_, applied, reason, err = s.ApplyBrokerAck(ctx, "t1", m.ID, store.AckUpdate{Status: store.MessageStatusDelivered, ReceivedAt: base.Add(110 * time.Second)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied || reason != "ack_regression" {
		t.Fatalf("expected ack_regression, got applied=%v reason=%q", applied, reason)
	}

	final, err := s.GetMessage(ctx, "t1", m.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if final.Status != store.MessageStatusRead {
		t.Fatalf("expected final status READ, got %s", final.Status)
	}
}

func TestApplyBrokerAck_Late(t *testing.T) {
	s := New(false)
	ctx := context.Background()
	m, _, _ := s.CreateMessage(ctx, store.NewMessage{TenantID: "t1", TicketID: "tick1", Direction: store.DirectionOutbound, ExternalID: "m-2"})

	lastAck := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, _, _, err := s.ApplyBrokerAck(ctx, "t1", m.ID, store.AckUpdate{Status: store.MessageStatusDelivered, ReceivedAt: lastAck})
	if err != nil {
		t.Fatalf("seed ack: %v", err)
	}

	lateTime := time.Date(2024, 1, 1, 11, 49, 0, 0, time.UTC)
	_, applied, reason, err := s.ApplyBrokerAck(ctx, "t1", m.ID, store.AckUpdate{Status: store.MessageStatusSent, ReceivedAt: lateTime})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied || reason != "ack_late" {
		t.Fatalf("expected ack_late, got applied=%v reason=%q", applied, reason)
	}
}

func TestDegradedModeRejectsWrites(t *testing.T) {
	s := New(true)
	ctx := context.Background()
	_, _, err := s.CreateMessage(ctx, store.NewMessage{TenantID: "t1"})
	if err != store.ErrDegraded {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
}
