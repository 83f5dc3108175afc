package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterAllow(t *testing.T) {
	l := NewIPRateLimiter(2, 0)
	if ok, _ := l.Allow("k"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := l.Allow("k"); !ok {
		t.Fatalf("second request should pass")
	}
	if ok, retry := l.Allow("k"); ok || retry <= 0 {
		t.Fatalf("third request should be blocked with a retry hint, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := l.Allow("other"); !ok {
		t.Fatalf("other keys keep their own budget")
	}
}

func TestIPRateLimiterWindowResetAndPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	_, _ = l.Allow("a")
	_, _ = l.Allow("b")
	if ok, _ := l.Allow("a"); ok {
		t.Fatalf("expected a to be limited inside the window")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := l.Allow("a"); !ok {
		t.Fatalf("expected a new window to reset the budget")
	}
	if n := l.size(); n != 1 {
		t.Fatalf("expected stale bucket b to be pruned, got %d buckets", n)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(NewIPRateLimiter(1, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:5000" + string(rune('0'+i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After header")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected same client on a new port to be limited, got %v", codes)
	}
}
