package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadengine/wa-ingest/internal/dispatch"
	"github.com/leadengine/wa-ingest/internal/obsadapter"
	"github.com/leadengine/wa-ingest/internal/realtime"
	"github.com/leadengine/wa-ingest/internal/webhookauth"
	"github.com/leadengine/wa-ingest/pkg/ratelimit"
)

// serverDeps collects what the router's handlers need; main wires it once at
// boot, mirroring the teacher coordinator's single *server receiver holding
// every handler's dependencies.
type serverDeps struct {
	authenticator    *webhookauth.Authenticator
	dispatcher       *dispatch.Dispatcher
	hub              *realtime.Hub
	recorder         *prometheus.Registry
	logger           obsadapter.FieldLogger
	webhookLimiter   *ratelimit.Policy
	apiLimiter       *ratelimit.Policy
	rateLimitMetrics obsadapter.RateLimit
	nodeEnv          string
	socketIOPath     string
}

func newRouter(r *mux.Router, deps serverDeps) {
	r.HandleFunc("/health", deps.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ready", deps.handleReady).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.HandlerFor(deps.recorder, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// spec.md §6 names two ingest paths and one handshake path; both ingest
	// paths share the same webhook rate-limit policy and handlers.
	webhookPaths := []string{"/api/webhooks/whatsapp", "/api/integrations/whatsapp/webhook"}
	for _, path := range webhookPaths {
		webhook := r.Path(path).Subrouter()
		webhook.Use(ratelimit.Middleware(deps.webhookLimiter, ratelimit.WebhookKey, func(string) {
			deps.rateLimitMetrics.IncRejected("webhook")
		}))
		webhook.HandleFunc("", deps.handleWebhookGet).Methods(http.MethodGet)
		webhook.HandleFunc("", deps.handleWebhookPost).Methods(http.MethodPost)
	}

	r.HandleFunc(deps.socketIOPath, deps.handleWebsocket).Methods(http.MethodGet)
}
