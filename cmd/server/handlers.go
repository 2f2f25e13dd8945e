package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leadengine/wa-ingest/internal/dispatch"
	"github.com/leadengine/wa-ingest/internal/webhookauth"
	"github.com/leadengine/wa-ingest/pkg/errors"
	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

// maxWebhookBodyBytes bounds the webhook request body the same way
// services/storage's cmd/storage caps uploads via MaxObjectBytes.
const maxWebhookBodyBytes = 10 << 20

func (d serverDeps) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := telemetry.NewHealthSnapshot("wa-ingest", d.nodeEnv, "", []telemetry.ComponentStatus{
		{Name: "http", Status: telemetry.StatusOK, CheckedAt: time.Now().UTC()},
	}, time.Time{})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d serverDeps) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ready":true}`))
}

// handleWebhookGet implements the GET verification handshake, spec.md §6.
func (d serverDeps) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	verifyToken := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if echoed, ok := d.authenticator.VerifyHandshake(mode, verifyToken, challenge); ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(echoed))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("LeadEngine WhatsApp webhook"))
}

// handleWebhookPost implements C4 → C5 for the ingest endpoint: authenticate
// once for the whole delivery, then dispatch every event entry the body
// carries (a JSON array, or a single JSON object treated as one entry).
func (d serverDeps) handleWebhookPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		writeRejection(w, r, errors.ValidationInvalidJSON, "failed to read request body")
		return
	}
	if len(body) > maxWebhookBodyBytes {
		writeRejection(w, r, errors.ValidationInvalidJSON, "request body too large")
		return
	}

	authReq := webhookauth.Request{
		RemoteIP:          r.RemoteAddr,
		Authorization:     r.Header.Get("Authorization"),
		XAuthorization:    r.Header.Get("X-Authorization"),
		XWebhookToken:     r.Header.Get("X-Webhook-Token"),
		XAPIKey:           r.Header.Get("X-API-Key"),
		XTenantID:         r.Header.Get("X-Tenant-Id"),
		XWebhookSignature: r.Header.Get("X-Webhook-Signature"),
		RawBody:           body,
	}

	result, err := d.authenticator.Verify(r.Context(), authReq)
	if err != nil {
		writeAuthReject(w, r, err)
		return
	}

	events, err := decodeWebhookEvents(body)
	if err != nil {
		writeRejection(w, r, errors.ValidationInvalidJSON, "request body is not a valid webhook payload")
		return
	}

	overrides := dispatch.Overrides{TenantID: result.TenantID}
	for _, event := range events {
		d.dispatcher.Dispatch(r.Context(), event, overrides)
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeWebhookEvents accepts either a JSON array of event objects or a
// single JSON object treated as one entry, per spec.md §6's "Body: JSON
// array or object".
func decodeWebhookEvents(body []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	return []map[string]any{obj}, nil
}

func writeAuthReject(w http.ResponseWriter, r *http.Request, err error) {
	reject, ok := err.(*webhookauth.RejectError)
	if !ok {
		writeRejection(w, r, errors.Internal, err.Error())
		return
	}
	code := errors.AuthMissing
	switch reject.Reason {
	case webhookauth.ReasonInvalidAPIKey:
		code = errors.AuthInvalidKey
	case webhookauth.ReasonMissingTenant:
		code = errors.AuthMissingTenant
	case webhookauth.ReasonInvalidSignature:
		code = errors.AuthInvalidSignature
	case webhookauth.ReasonRateLimited:
		code = errors.RateLimited
	}
	writeRejection(w, r, code, string(reject.Reason))
}

func writeRejection(w http.ResponseWriter, r *http.Request, code errors.Code, msg string) {
	reqID := r.Header.Get("X-Request-Id")
	env := errors.NewEnvelope(code, msg, reqID, "", nil)
	errors.WriteHTTP(w, errors.HTTPStatusFor(code), env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebsocket implements the transport side of C9: the caller names the
// channel it wants to subscribe to via ?tenantId= or ?ticketId=, the
// connection is handed to the Hub, and a read pump (grounded on the
// nmxmxh-ovasabi ws-gateway's readPump — this repo's teacher has no native
// websocket server, only crypto-stream's client dialer) detects the peer
// going away and unsubscribes.
func (d serverDeps) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	channel := ""
	if tenantID := r.URL.Query().Get("tenantId"); tenantID != "" {
		channel = "tenant:" + tenantID
	} else if ticketID := r.URL.Query().Get("ticketId"); ticketID != "" {
		channel = "ticket:" + ticketID
	} else if agreementID := r.URL.Query().Get("agreementId"); agreementID != "" {
		channel = "agreement:" + agreementID
	}
	if channel == "" {
		http.Error(w, "tenantId, ticketId, or agreementId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("realtime: websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	unsubscribe := d.hub.Subscribe(channel, conn)
	defer unsubscribe()
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
