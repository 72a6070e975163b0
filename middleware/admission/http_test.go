package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_RejectsOverRateLimit(t *testing.T) {
	g := &Gate{Limiter: NewTokenBucketLimiter(1, 1)}
	handler := Middleware(g, HTTPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to be admitted, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request over burst to be rejected, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on rejection")
	}
}

func TestMiddleware_DifferentClientsHaveIndependentLimits(t *testing.T) {
	g := &Gate{Limiter: NewTokenBucketLimiter(1, 1)}
	handler := Middleware(g, HTTPOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected %s's first request to be admitted, got %d", addr, rec.Code)
		}
	}
}

func TestMiddleware_RejectsWhenBulkheadFull(t *testing.T) {
	g := &Gate{Bulkhead: NewChanBulkhead(0)}
	handler := Middleware(g, HTTPOptions{RejectStatus: http.StatusServiceUnavailable})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected a zero-capacity bulkhead to reject, got %d", rec.Code)
	}
}

func TestMiddleware_KeyHeaderOverridesRemoteAddr(t *testing.T) {
	var seen ClientKey
	g := &Gate{}
	opts := HTTPOptions{KeyFn: func(r *http.Request) ClientKey {
		seen = DefaultKeyFunc("X-API-Key", false)(r)
		return seen
	}}
	handler := Middleware(g, opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "abc123")
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "abc123" {
		t.Fatalf("expected the key header to take priority, got %q", seen)
	}
}
