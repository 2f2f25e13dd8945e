package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/leadengine/wa-ingest/internal/ack"
	"github.com/leadengine/wa-ingest/internal/dedupe"
	"github.com/leadengine/wa-ingest/internal/dispatch"
	"github.com/leadengine/wa-ingest/internal/inbound"
	"github.com/leadengine/wa-ingest/internal/obsadapter"
	"github.com/leadengine/wa-ingest/internal/poll"
	"github.com/leadengine/wa-ingest/internal/provisioner"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
	"github.com/leadengine/wa-ingest/internal/webhookauth"
	"github.com/leadengine/wa-ingest/pkg/ratelimit"
	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

func newTestDeps(t *testing.T) serverDeps {
	t.Helper()
	st := memstore.New(false)
	hub := realtime.New(obsadapter.NewFieldLogger(nil))
	prov := provisioner.New(st)
	dedupeCache := dedupe.New()

	pollReconciler := poll.New(st, hub, nil, nil)
	ackMachine := ack.New(st, hub, nil)

	pipeline := inbound.New(inbound.Options{
		Store:        st,
		Provisioner:  prov,
		Dedupe:       dedupeCache,
		Hub:          hub,
		Allocator:    inbound.StoreAllocator{Store: st},
		PollMetadata: pollReconciler,
	})
	dispatcher := dispatch.New(pipeline, ackMachine, pollReconciler, dedupeCache, nil)

	authenticator := webhookauth.New(webhookauth.Config{
		APIKey:      "test-api-key",
		VerifyToken: "test-verify-token",
	})

	webhookLimiter := ratelimit.NewPolicy(1000, 0)
	apiLimiter := ratelimit.NewPolicy(1000, 0)
	t.Cleanup(func() {
		webhookLimiter.Close()
		apiLimiter.Close()
	})

	return serverDeps{
		authenticator:  authenticator,
		dispatcher:     dispatcher,
		hub:            hub,
		recorder:       nil,
		logger:         obsadapter.NewFieldLogger(nil),
		webhookLimiter: webhookLimiter,
		apiLimiter:     apiLimiter,
		nodeEnv:        "test",
		socketIOPath:   "/socket.io",
	}
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	deps := newTestDeps(t)
	r := mux.NewRouter()
	r.HandleFunc("/health", deps.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", deps.handleReady).Methods(http.MethodGet)
	for _, path := range []string{"/api/webhooks/whatsapp", "/api/integrations/whatsapp/webhook"} {
		webhook := r.Path(path).Subrouter()
		webhook.HandleFunc("", deps.handleWebhookGet).Methods(http.MethodGet)
		webhook.HandleFunc("", deps.handleWebhookPost).Methods(http.MethodPost)
	}
	return r
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap telemetry.HealthSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode health snapshot: %v", err)
	}
	if snap.Overall != telemetry.StatusOK {
		t.Fatalf("expected overall ok, got %s", snap.Overall)
	}
}

func TestHandleWebhookGet_EchoesChallengeOnValidHandshake(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=test-verify-token&hub.challenge=abc123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "abc123" {
		t.Fatalf("expected echoed challenge, got %q", rec.Body.String())
	}
}

func TestHandleWebhookGet_RejectsWrongToken(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "LeadEngine WhatsApp webhook" {
		t.Fatalf("expected fallback body, got %q", rec.Body.String())
	}
}

func TestHandleWebhookPost_RejectsMissingAuthorization(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var env map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestHandleWebhookPost_AcceptsAuthenticatedEvent(t *testing.T) {
	r := newTestRouter(t)
	body := `[{"type":"WHATSAPP_MESSAGES_UPSERT","instanceId":"inst-1","messages":[{"id":"msg-1","fromMe":false,"chatId":"5511999999999@c.us","type":"TEXT","text":"Ola"}]}]`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-api-key")
	req.Header.Set("X-Tenant-Id", "tenant-A")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleWebhookPost_RejectsOversizedBody(t *testing.T) {
	r := newTestRouter(t)
	huge := make([]byte, maxWebhookBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp", bytes.NewReader(huge))
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
