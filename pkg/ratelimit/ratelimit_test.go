package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPolicy_AllowsUpToMaxThenRejects(t *testing.T) {
	p := NewPolicy(3, time.Minute)
	defer p.Close()

	for i := 0; i < 3; i++ {
		res := p.Allow("k1")
		if !res.Allowed {
			t.Fatalf("expected request %d allowed", i)
		}
	}
	res := p.Allow("k1")
	if res.Allowed {
		t.Fatalf("expected 4th request rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", res.RetryAfter)
	}
}

func TestPolicy_DistinctKeysHaveIndependentBudgets(t *testing.T) {
	p := NewPolicy(1, time.Minute)
	defer p.Close()

	if !p.Allow("a").Allowed {
		t.Fatalf("expected a allowed")
	}
	if !p.Allow("b").Allowed {
		t.Fatalf("expected b allowed independently of a")
	}
	if p.Allow("a").Allowed {
		t.Fatalf("expected second a rejected")
	}
}

func TestMiddleware_RejectsOverBudgetWith429(t *testing.T) {
	p := NewPolicy(1, time.Minute)
	defer p.Close()

	mw := Middleware(p, GlobalAPIKey)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request ok, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rec2.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected X-RateLimit-Limit header")
	}
}

func TestMiddleware_OptionsDoesNotConsumeSlot(t *testing.T) {
	p := NewPolicy(1, time.Minute)
	defer p.Close()

	mw := Middleware(p, GlobalAPIKey)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	opt := httptest.NewRequest(http.MethodOptions, "/api/x", nil)
	opt.RemoteAddr = "10.0.0.2:1234"
	recOpt := httptest.NewRecorder()
	handler.ServeHTTP(recOpt, opt)
	if recOpt.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", recOpt.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	get.RemoteAddr = "10.0.0.2:1234"
	recGet := httptest.NewRecorder()
	handler.ServeHTTP(recGet, get)
	if recGet.Code != http.StatusOK {
		t.Fatalf("expected GET still allowed after OPTIONS, got %d", recGet.Code)
	}
}
