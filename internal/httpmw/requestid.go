// Package httpmw carries the ingestion server's outer HTTP middleware:
// request-id propagation and CORS, ported from the teacher gateway's
// internal/middleware package (request_id.go, cors.go) and generalized so
// CORS reads its origin allowlist from pkg/config.Config instead of the
// process environment directly, since cmd/server already centralizes env
// parsing through config.Load.
package httpmw

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"unicode"

	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

const RequestIDHeader = "X-Request-Id"

func validRequestID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req_fallback"
	}
	return "req_" + hex.EncodeToString(b[:])
}

// RequestID assigns a stable id to every request (reusing an already-valid
// inbound X-Request-Id) and stamps it onto both the request context, for
// pkg/telemetry's logger to pick up, and the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = newRequestID()
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)
		ctx := telemetry.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
