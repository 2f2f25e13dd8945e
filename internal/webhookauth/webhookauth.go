// Package webhookauth implements the webhook trust boundary (C4): bearer
// token presence, API-key/HMAC verification, tenant resolution, and the GET
// verification handshake. It is grounded on the teacher gateway's
// auth.go middleware but reworked around a single Verify call the HTTP
// transport can call before invoking the dispatcher, rather than an
// http.Handler wrapper, since the spec needs the structured reject reason
// to drive both the HTTP status and the rejection counter.
package webhookauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// RejectReason enumerates the verify() rejection causes.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonMissingAuthorization RejectReason = "missing_authorization"
	ReasonInvalidAPIKey        RejectReason = "invalid_api_key"
	ReasonMissingTenant        RejectReason = "missing_tenant"
	ReasonInvalidSignature     RejectReason = "invalid_signature"
	ReasonRateLimited          RejectReason = "rate_limited"
)

// Config is the static policy an Authenticator is built from.
type Config struct {
	// APIKey is compared, in constant time, against the bearer token or the
	// X-Webhook-Token/X-API-Key headers.
	APIKey string

	// SignatureSecret is the HMAC-SHA256 key used when SignatureRequired is set.
	SignatureSecret string

	// SignatureRequired gates the HMAC check for this endpoint.
	SignatureRequired bool

	// TrustedIPs skips the API-key check entirely for matching remote IPs.
	TrustedIPs map[string]struct{}

	// VerifyToken is compared against hub.verify_token on the GET handshake.
	VerifyToken string
}

// Request is the transport-agnostic view of an inbound webhook request the
// authenticator needs. The HTTP layer builds this from *http.Request.
type Request struct {
	RemoteIP         string
	Authorization    string
	XAuthorization   string
	XWebhookToken    string
	XAPIKey          string
	XTenantID        string
	XWebhookSignature string
	RawBody          []byte
}

// Result is returned by Verify on success.
type Result struct {
	OK                 bool
	TenantID           string
	SignatureVerified  bool
}

// RejectError carries the reason verify() failed, mapped to HTTP status by
// the transport layer via pkg/errors.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return string(e.Reason) }

// Authenticator verifies inbound webhook requests per SPEC_FULL.md C4.
type Authenticator struct {
	cfg Config
}

// New builds an Authenticator from cfg.
func New(cfg Config) *Authenticator {
	if cfg.TrustedIPs == nil {
		cfg.TrustedIPs = map[string]struct{}{}
	}
	return &Authenticator{cfg: cfg}
}

// Verify implements the C4 policy steps in order.
func (a *Authenticator) Verify(_ context.Context, req Request) (Result, error) {
	token := firstNonEmpty(bearerToken(req.Authorization), bearerToken(req.XAuthorization), req.Authorization, req.XAuthorization)
	if strings.TrimSpace(token) == "" {
		return Result{}, &RejectError{Reason: ReasonMissingAuthorization}
	}

	trusted := a.ipTrusted(req.RemoteIP)
	if !trusted {
		candidate := firstNonEmpty(req.XWebhookToken, req.XAPIKey, token)
		if !constantTimeEqual(candidate, a.cfg.APIKey) {
			return Result{}, &RejectError{Reason: ReasonInvalidAPIKey}
		}
	}

	tenantID := resolveTenantID(req.XTenantID, token)
	if tenantID == "" {
		return Result{}, &RejectError{Reason: ReasonMissingTenant}
	}

	sigVerified := false
	if a.cfg.SignatureRequired {
		if !a.verifySignature(req.RawBody, req.XWebhookSignature) {
			return Result{}, &RejectError{Reason: ReasonInvalidSignature}
		}
		sigVerified = true
	}

	return Result{OK: true, TenantID: tenantID, SignatureVerified: sigVerified}, nil
}

// VerifyHandshake implements the GET verification handshake: returns the
// challenge string and true when hub.mode=subscribe and the token matches.
func (a *Authenticator) VerifyHandshake(mode, verifyToken, challenge string) (string, bool) {
	if strings.EqualFold(strings.TrimSpace(mode), "subscribe") && constantTimeEqual(verifyToken, a.cfg.VerifyToken) && a.cfg.VerifyToken != "" {
		return challenge, true
	}
	return "", false
}

func (a *Authenticator) ipTrusted(ip string) bool {
	if ip == "" {
		return false
	}
	host, _, err := net.SplitHostPort(ip)
	if err == nil && host != "" {
		ip = host
	}
	_, ok := a.cfg.TrustedIPs[ip]
	return ok
}

func (a *Authenticator) verifySignature(rawBody []byte, header string) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" || a.cfg.SignatureSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.SignatureSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return constantTimeEqual(header, expected)
}

// constantTimeEqual compares two strings without branching on length
// equality before the digest compare, per the testable "auth constant-time
// compare" property: both inputs are hashed to a fixed
// width before hmac.Equal so length never leaks through early return.
func constantTimeEqual(a, b string) bool {
	if a == "" && b == "" {
		return false
	}
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return hmac.Equal(ah[:], bh[:])
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func resolveTenantID(xTenantID, token string) string {
	if t := strings.TrimSpace(xTenantID); t != "" {
		return t
	}
	if claims, ok := decodeJWTClaimsUnverified(token); ok {
		for _, key := range []string{"tenantId", "tenant", "subTenant"} {
			if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	for _, sep := range []string{":", "/"} {
		if idx := strings.LastIndex(token, sep); idx >= 0 {
			prefix := token[:idx]
			if strings.EqualFold(prefix, "tenant") || strings.HasSuffix(strings.ToLower(prefix), "tenant") {
				return token[idx+1:]
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
