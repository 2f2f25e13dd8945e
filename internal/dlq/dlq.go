// Package dlq implements FailedMessageDLQ: the audit-trailed dead-letter sink
// for payloads C6 (and C10) could not persist or retry past exhaustion. Each
// record is wrapped in a pkg/canonical.Event and hash-chained per tenant, then
// stored as a pkg/queue.DLQRecord, reusing both contracts verbatim rather than
// inventing a bespoke DLQ envelope.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadengine/wa-ingest/pkg/canonical"
	"github.com/leadengine/wa-ingest/pkg/queue"
)

// QueueName is the single logical queue every FailedMessageDLQ record is
// filed under; callers distinguish origin via Envelope.Type / Reason instead
// of separate queues, since spec.md names one DLQ, not one per producer.
const QueueName queue.QueueName = "inbound.failed_messages"

// EventType is the canonical.Event type stamped on every DLQ record.
const EventType = "ingest.message.dead_lettered"

// Metrics is the counter surface for DLQ writes.
type Metrics interface {
	IncDeadLettered(tenantID, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncDeadLettered(string, string) {}

// FailedMessageDLQ receives payloads the pipeline could not process and
// persists them as tamper-evident, hash-chained records.
type FailedMessageDLQ struct {
	store   queue.DLQStore
	metrics Metrics

	mu        sync.Mutex
	prevHash  map[string]string // tenantID -> last record's Meta.Hash
}

// Options configures a new FailedMessageDLQ.
type Options struct {
	Store   queue.DLQStore
	Metrics Metrics
}

// New builds a FailedMessageDLQ. If opts.Store is nil, an in-memory
// NewMemoryStore is used, matching the degraded-mode fallback internal/store
// uses when no external backend is configured.
func New(opts Options) *FailedMessageDLQ {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &FailedMessageDLQ{
		store:    opts.Store,
		metrics:  opts.Metrics,
		prevHash: map[string]string{},
	}
}

// Send wraps payload in a canonical.Event chained to the tenant's previous
// DLQ hash, normalizes it into a queue.Envelope + queue.DLQRecord, and
// persists it. It satisfies internal/inbound.DLQ and internal/mediaretry's
// failure path; it deliberately never returns an error the caller must act
// on beyond logging, since a DLQ write failure must not also fail the
// request that triggered it.
func (d *FailedMessageDLQ) Send(ctx context.Context, tenantID, reason string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("null")
	}

	now := time.Now().UTC()
	ev, err := canonical.NewEvent(canonical.TenantID(tenantID), EventType, now, body)
	if err != nil {
		return fmt.Errorf("dlq: build event: %w", err)
	}
	ev.Meta.Producer = "wa-ingest"
	ev.Attributes = map[string]string{"reason": reason}

	d.mu.Lock()
	prev := d.prevHash[tenantID]
	d.mu.Unlock()

	if err := ev.ComputeHash(prev); err != nil {
		return fmt.Errorf("dlq: compute hash: %w", err)
	}

	env := queue.Envelope{
		Queue:      QueueName,
		ID:         queue.EnvelopeID(ev.Meta.ID),
		Type:       EventType,
		Tenant:     tenantID,
		ProducedAt: now,
		DedupKey:   string(ev.Meta.ID),
		Payload:    body,
	}

	rec, err := queue.NewDLQRecord(QueueName, env, 0, reason, now)
	if err != nil {
		return fmt.Errorf("dlq: build record: %w", err)
	}
	rec.RecordID = uuid.NewString()
	rec.FirstSeenAt = now
	rec.LastSeenAt = now
	rec.Extra = map[string]string{"event_hash": ev.Meta.Hash}
	rec.RecordHash = ev.Meta.Hash

	if err := d.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("dlq: put: %w", err)
	}

	d.mu.Lock()
	d.prevHash[tenantID] = ev.Meta.Hash
	d.mu.Unlock()

	d.metrics.IncDeadLettered(tenantID, reason)
	return nil
}

// MemoryStore is an in-process queue.DLQStore, mirroring memstore's
// map+mutex idiom. It backs FailedMessageDLQ by default and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]queue.DLQRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]queue.DLQRecord{}}
}

func (s *MemoryStore) Put(ctx context.Context, rec queue.DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RecordID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, recordID string) (queue.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return queue.DLQRecord{}, fmt.Errorf("dlq: record %q not found", recordID)
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, q queue.QueueName, limit int) ([]queue.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]queue.DLQRecord, 0, len(s.records))
	for _, rec := range s.records {
		if q != "" && rec.Queue != q {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, strings.TrimSpace(recordID))
	return nil
}
