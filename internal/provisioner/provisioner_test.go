package provisioner

import (
	"context"
	"testing"

	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

func TestEnsureInboundQueue_CreatesAndCaches(t *testing.T) {
	s := memstore.New(false)
	p := New(s)
	ctx := context.Background()

	q1, err := p.EnsureInboundQueue(ctx, "t1")
	if err != nil {
		t.Fatalf("ensure queue: %v", err)
	}
	if !q1.IsDefault || q1.ID == "" {
		t.Fatalf("expected default queue with id, got %+v", q1)
	}

	q2, err := p.EnsureInboundQueue(ctx, "t1")
	if err != nil || q2.ID != q1.ID {
		t.Fatalf("expected cached same queue id, got %+v err=%v", q2, err)
	}
}

func TestAutoProvisionInstance_RecoversOnConflict(t *testing.T) {
	s := memstore.New(false)
	p := New(s)
	ctx := context.Background()

	inst1, err := p.AutoProvisionInstance(ctx, "t1", "broker-1")
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}

	inst2, err := p.AutoProvisionInstance(ctx, "t1", "broker-1")
	if err != nil {
		t.Fatalf("expected conflict to recover, got err=%v", err)
	}
	if inst2.ID != inst1.ID {
		t.Fatalf("expected same instance id on conflict recovery, got %s vs %s", inst1.ID, inst2.ID)
	}
}
