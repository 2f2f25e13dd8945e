package realtime

import (
	"context"
	"testing"
)

type fakeConn struct {
	frames []any
}

func (f *fakeConn) WriteJSON(v any) error {
	f.frames = append(f.frames, v)
	return nil
}

func TestEmitToTenant_OnlyReachesSubscribers(t *testing.T) {
	h := New(nil)
	subscribed := &fakeConn{}
	other := &fakeConn{}

	unsub := h.Subscribe(tenantChannel("t1"), subscribed)
	defer unsub()
	h.Subscribe(tenantChannel("t2"), other)

	h.EmitToTenant(context.Background(), "t1", EventMessagesNew, map[string]any{"id": "m1"})

	if len(subscribed.frames) != 1 {
		t.Fatalf("expected 1 frame for t1 subscriber, got %d", len(subscribed.frames))
	}
	if len(other.frames) != 0 {
		t.Fatalf("expected 0 frames for t2 subscriber, got %d", len(other.frames))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil)
	conn := &fakeConn{}
	unsub := h.Subscribe(ticketChannel("tick1"), conn)
	unsub()

	h.EmitToTicket(context.Background(), "tick1", EventTicketMessagesNew, nil)
	if len(conn.frames) != 0 {
		t.Fatalf("expected no frames after unsubscribe, got %d", len(conn.frames))
	}
}

func TestEmitToAgreement(t *testing.T) {
	h := New(nil)
	conn := &fakeConn{}
	h.Subscribe(agreementChannel("a1"), conn)
	h.EmitToAgreement(context.Background(), "a1", EventLeadAllocationsNew, map[string]any{"allocationId": "x"})
	if len(conn.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(conn.frames))
	}
}
