package mediaretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leadengine/wa-ingest/internal/broker"
	"github.com/leadengine/wa-ingest/internal/mediastore"
	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
)

func TestDrainOnce_SuccessUpdatesMessageAndCompletesJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("fake-image-bytes"))
	}))
	defer srv.Close()

	s := memstore.New(false)
	ctx := context.Background()

	msg, _, err := s.CreateMessage(ctx, store.NewMessage{
		TenantID:   "t1",
		TicketID:   "ticket-1",
		Direction:  store.DirectionInbound,
		Type:       store.MessageType("IMAGE"),
		ExternalID: "wamid-media-1",
		Metadata:   map[string]any{"media_pending": true},
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}

	job, err := s.InsertMediaJob(ctx, store.MediaJob{
		TenantID:          "t1",
		MessageExternalID: "wamid-media-1",
		MediaType:         store.MessageType("IMAGE"),
		MediaKey:          "key-1",
		State:             store.MediaJobPending,
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}

	ms, err := mediastore.New(mediastore.Options{BaseDir: t.TempDir(), BaseURL: "http://files.local", SigningKey: "k", SignedTTL: time.Hour})
	if err != nil {
		t.Fatalf("mediastore: %v", err)
	}

	w := New(Options{
		Store:      s,
		Broker:     broker.New(srv.URL, "", 5*time.Second),
		MediaStore: ms,
	})

	w.DrainOnce(ctx)

	updated, err := s.FindMessageByExternalID(ctx, "t1", "wamid-media-1")
	if err != nil {
		t.Fatalf("find updated message: %v", err)
	}
	if updated.MediaURL == "" {
		t.Fatalf("expected mediaUrl set, got %+v", updated)
	}
	if _, pending := updated.Metadata["media_pending"]; pending {
		t.Fatalf("expected media_pending cleared")
	}

	jobs, err := s.FindPendingInboundMediaJobs(ctx, 10, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	for _, j := range jobs {
		if j.ID == job.ID {
			t.Fatalf("expected job no longer pending")
		}
	}
	_ = msg
}

func TestDrainOnce_FailureReschedulesUntilMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memstore.New(false)
	ctx := context.Background()

	job, err := s.InsertMediaJob(ctx, store.MediaJob{
		TenantID:          "t1",
		MessageExternalID: "wamid-media-2",
		MediaType:         store.MessageType("IMAGE"),
		MediaKey:          "key-2",
		State:             store.MediaJobPending,
		Attempts:          MaxAttempts - 1,
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}

	ms, err := mediastore.New(mediastore.Options{BaseDir: t.TempDir(), BaseURL: "http://files.local", SigningKey: "k", SignedTTL: time.Hour})
	if err != nil {
		t.Fatalf("mediastore: %v", err)
	}

	w := New(Options{
		Store:      s,
		Broker:     broker.New(srv.URL, "", 5*time.Second),
		MediaStore: ms,
	})

	w.DrainOnce(ctx)

	jobs, err := s.FindPendingInboundMediaJobs(ctx, 10, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	for _, j := range jobs {
		if j.ID == job.ID {
			t.Fatalf("expected job not left pending after hitting max attempts")
		}
	}
}
