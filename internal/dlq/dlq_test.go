package dlq

import (
	"context"
	"testing"
)

func TestSend_PersistsRecordWithHashChain(t *testing.T) {
	store := NewMemoryStore()
	d := New(Options{Store: store})
	ctx := context.Background()

	if err := d.Send(ctx, "t1", "persist_failed", map[string]any{"wamid": "abc"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := d.Send(ctx, "t1", "persist_failed", map[string]any{"wamid": "def"}); err != nil {
		t.Fatalf("second send: %v", err)
	}

	recs, err := store.List(ctx, QueueName, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Envelope.Tenant != "t1" {
		t.Fatalf("expected tenant t1, got %q", recs[0].Envelope.Tenant)
	}
	if recs[1].Extra["event_hash"] == "" {
		t.Fatalf("expected event_hash recorded on second record")
	}
	if recs[0].RecordHash == recs[1].RecordHash {
		t.Fatalf("expected distinct hashes across chained records")
	}
}

func TestSend_DistinctTenantsHaveIndependentChains(t *testing.T) {
	store := NewMemoryStore()
	d := New(Options{Store: store})
	ctx := context.Background()

	if err := d.Send(ctx, "tenant-a", "persist_failed", map[string]any{"wamid": "a1"}); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if err := d.Send(ctx, "tenant-b", "persist_failed", map[string]any{"wamid": "b1"}); err != nil {
		t.Fatalf("send b: %v", err)
	}

	d.mu.Lock()
	prevA := d.prevHash["tenant-a"]
	prevB := d.prevHash["tenant-b"]
	d.mu.Unlock()

	if prevA == "" || prevB == "" {
		t.Fatalf("expected both tenants to have a recorded prevHash")
	}
	if prevA == prevB {
		t.Fatalf("expected independent hash chains per tenant, got identical hash")
	}
}

func TestMemoryStore_DeleteRemovesRecord(t *testing.T) {
	store := NewMemoryStore()
	d := New(Options{Store: store})
	ctx := context.Background()

	if err := d.Send(ctx, "t1", "persist_failed", map[string]any{"wamid": "abc"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recs, _ := store.List(ctx, QueueName, 0)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record before delete")
	}
	if err := store.Delete(ctx, recs[0].RecordID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = store.List(ctx, QueueName, 0)
	if len(recs) != 0 {
		t.Fatalf("expected 0 records after delete")
	}
}
