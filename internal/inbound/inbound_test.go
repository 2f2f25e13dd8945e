package inbound

import (
	"context"
	"testing"

	"github.com/leadengine/wa-ingest/internal/dedupe"
	"github.com/leadengine/wa-ingest/internal/normalize"
	"github.com/leadengine/wa-ingest/internal/poll"
	"github.com/leadengine/wa-ingest/internal/provisioner"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

func newTestPipeline(t *testing.T) (*Pipeline, *memstore.Store) {
	t.Helper()
	s := memstore.New(false)
	p := provisioner.New(s)
	hub := realtime.New(nil)
	pipeline := New(Options{
		Store:        s,
		Provisioner:  p,
		Dedupe:       dedupe.New(),
		Hub:          hub,
		Allocator:    StoreAllocator{Store: s},
		PollMetadata: poll.New(s, hub, nil, nil),
	})
	return pipeline, s
}

func TestProcess_PersistsTextMessageAndCreatesTicket(t *testing.T) {
	pipeline, s := newTestPipeline(t)
	ctx := context.Background()

	_, err := s.CreateInstance(ctx, store.Instance{TenantID: "t1", BrokerID: "broker-1", Status: store.InstanceStatusConnected})
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	nm := normalize.NormalizedMessage{
		TenantID:   "t1",
		InstanceID: "",
		BrokerID:   "broker-1",
		MessageID:  "wamid-1",
		ChatID:     "5511999998888",
		Type:       normalize.TypeText,
		Text:       "hello",
	}

	ok := pipeline.Process(ctx, nm, map[string]any{"raw": "event"})
	if !ok {
		t.Fatalf("expected message to persist")
	}

	ticket, err := s.FindOpenTicketByChat(ctx, "t1", "5511999998888")
	if err != nil {
		t.Fatalf("expected ticket to exist: %v", err)
	}
	if ticket.LastMessagePreview != "hello" {
		t.Fatalf("expected ticket preview updated, got %q", ticket.LastMessagePreview)
	}
}

func TestProcess_DuplicateMessageIsIgnoredButReportedPersisted(t *testing.T) {
	pipeline, s := newTestPipeline(t)
	ctx := context.Background()
	_, err := s.CreateInstance(ctx, store.Instance{TenantID: "t1", BrokerID: "broker-1"})
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	nm := normalize.NormalizedMessage{TenantID: "t1", BrokerID: "broker-1", MessageID: "wamid-dup", ChatID: "123456789", Type: normalize.TypeText, Text: "hi"}

	if !pipeline.Process(ctx, nm, nil) {
		t.Fatalf("expected first process to persist")
	}
	if !pipeline.Process(ctx, nm, nil) {
		t.Fatalf("expected duplicate process to report persisted=true (webhook ack semantics)")
	}
}

func TestProcess_PollCreationPersistsMetadata(t *testing.T) {
	pipeline, s := newTestPipeline(t)
	ctx := context.Background()
	if _, err := s.CreateInstance(ctx, store.Instance{TenantID: "t1", BrokerID: "broker-1", Status: store.InstanceStatusConnected}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	nm := normalize.NormalizedMessage{
		TenantID:             "t1",
		BrokerID:             "broker-1",
		MessageID:            "wamid-poll-1",
		ChatID:               "5511999998888",
		Type:                 normalize.TypePoll,
		Text:                 "Favorite color?",
		IsPollCreation:       true,
		PollQuestion:         "Favorite color?",
		PollOptions:          []string{"Red", "Blue"},
		AllowMultipleAnswers: false,
	}

	if !pipeline.Process(ctx, nm, nil) {
		t.Fatalf("expected poll creation message to persist")
	}

	meta, err := s.GetPollMetadata(ctx, "t1", "wamid-poll-1")
	if err != nil {
		t.Fatalf("expected poll metadata persisted: %v", err)
	}
	if meta.Question != "Favorite color?" || len(meta.Options) != 2 {
		t.Fatalf("unexpected poll metadata: %+v", meta)
	}
}

func TestProcess_UnresolvedInstanceRejects(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	nm := normalize.NormalizedMessage{TenantID: "", BrokerID: "", MessageID: "wamid-2", ChatID: "123"}
	if pipeline.Process(context.Background(), nm, nil) {
		t.Fatalf("expected unresolved instance to fail")
	}
}
