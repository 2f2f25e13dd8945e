package webhookauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func baseConfig() Config {
	return Config{
		APIKey:      "secret-key",
		VerifyToken: "verify-me",
	}
}

func TestVerify_MissingAuthorization(t *testing.T) {
	a := New(baseConfig())
	_, err := a.Verify(context.Background(), Request{})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonMissingAuthorization {
		t.Fatalf("expected missing_authorization, got %v", err)
	}
}

func TestVerify_InvalidAPIKey(t *testing.T) {
	a := New(baseConfig())
	_, err := a.Verify(context.Background(), Request{Authorization: "Bearer wrong-key", XTenantID: "t1"})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonInvalidAPIKey {
		t.Fatalf("expected invalid_api_key, got %v", err)
	}
}

func TestVerify_TrustedIPBypassesAPIKey(t *testing.T) {
	cfg := baseConfig()
	cfg.TrustedIPs = map[string]struct{}{"10.0.0.5": {}}
	a := New(cfg)
	res, err := a.Verify(context.Background(), Request{
		RemoteIP:      "10.0.0.5:54321",
		Authorization: "Bearer whatever",
		XTenantID:     "t1",
	})
	if err != nil || !res.OK || res.TenantID != "t1" {
		t.Fatalf("expected trusted bypass to succeed, got res=%+v err=%v", res, err)
	}
}

func TestVerify_MissingTenant(t *testing.T) {
	a := New(baseConfig())
	_, err := a.Verify(context.Background(), Request{Authorization: "Bearer secret-key"})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonMissingTenant {
		t.Fatalf("expected missing_tenant, got %v", err)
	}
}

func TestVerify_TenantFromHeaderTakesPriority(t *testing.T) {
	a := New(baseConfig())
	res, err := a.Verify(context.Background(), Request{Authorization: "Bearer secret-key", XTenantID: "tenant-42"})
	if err != nil || res.TenantID != "tenant-42" {
		t.Fatalf("expected tenant-42, got res=%+v err=%v", res, err)
	}
}

func TestVerify_SignatureRequiredRejectsMismatch(t *testing.T) {
	cfg := baseConfig()
	cfg.SignatureRequired = true
	cfg.SignatureSecret = "sig-secret"
	a := New(cfg)
	_, err := a.Verify(context.Background(), Request{
		Authorization:     "Bearer secret-key",
		XTenantID:         "t1",
		XWebhookSignature: "sha256=deadbeef",
		RawBody:           []byte(`{"hello":"world"}`),
	})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonInvalidSignature {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
}

func TestVerify_SignatureRequiredAcceptsValid(t *testing.T) {
	cfg := baseConfig()
	cfg.SignatureRequired = true
	cfg.SignatureSecret = "sig-secret"
	a := New(cfg)

	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte(cfg.SignatureSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	res, err := a.Verify(context.Background(), Request{
		Authorization:     "Bearer secret-key",
		XTenantID:         "t1",
		XWebhookSignature: "sha256=" + sig,
		RawBody:           body,
	})
	if err != nil || !res.OK || !res.SignatureVerified {
		t.Fatalf("expected verified signature, got res=%+v err=%v", res, err)
	}
}

func TestVerifyHandshake(t *testing.T) {
	a := New(baseConfig())
	challenge, ok := a.VerifyHandshake("subscribe", "verify-me", "challenge-xyz")
	if !ok || challenge != "challenge-xyz" {
		t.Fatalf("expected handshake to succeed, got ok=%v challenge=%q", ok, challenge)
	}

	if _, ok := a.VerifyHandshake("subscribe", "wrong-token", "challenge-xyz"); ok {
		t.Fatalf("expected handshake to fail with wrong token")
	}
}
