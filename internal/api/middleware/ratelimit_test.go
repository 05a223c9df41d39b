package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiterConfig(r rate.Limit, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestIPRateLimiterPerAddress(t *testing.T) {
	rl := NewIPRateLimiter(testLimiterConfig(2, 2))
	defer rl.Stop()

	if !rl.Allow("203.0.113.7") || !rl.Allow("203.0.113.7") {
		t.Fatal("burst of 2 should admit the first two requests")
	}
	if rl.Allow("203.0.113.7") {
		t.Fatal("third request should exceed the burst")
	}
	// Buckets are per IP: a different caller is unaffected.
	if !rl.Allow("203.0.113.8") {
		t.Fatal("another address should have its own bucket")
	}
}

func TestIPRateLimiterCleanupEvictsIdle(t *testing.T) {
	cfg := testLimiterConfig(10, 10)
	cfg.MaxAge = 0
	rl := NewIPRateLimiter(cfg)
	defer rl.Stop()

	rl.Allow("203.0.113.7")

	rl.mu.Lock()
	before := len(rl.entries)
	rl.mu.Unlock()
	if before != 1 {
		t.Fatalf("entries before cleanup = %d, want 1", before)
	}

	rl.cleanup()

	rl.mu.Lock()
	after := len(rl.entries)
	rl.mu.Unlock()
	if after != 0 {
		t.Fatalf("entries after cleanup = %d, want 0", after)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewIPRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", nil)
	req.RemoteAddr = "203.0.113.7:40312"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.7:40312", "203.0.113.7"},
		{"[2001:db8::1]:40312", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"}, // no port
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := extractIP(r); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
