package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"examonline/internal/auth"
)

type fixedCache int

func (c fixedCache) Len() int { return int(c) }

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/exams/attempts/0b9f3c6e-4a55-4b8e-9d1e-2f6a7f0c1d2e")
	want := "/api/v1/exams/attempts/{id}"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
	if got := normalizedPath("/api/v1/exams/history"); got != "/api/v1/exams/history" {
		t.Fatalf("expected static path untouched, got %s", got)
	}
}

func TestExtractAttemptID(t *testing.T) {
	id := "0b9f3c6e-4a55-4b8e-9d1e-2f6a7f0c1d2e"
	if got := extractAttemptID("/api/v1/exams/attempts/" + id); got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
	if got := extractAttemptID("/api/v1/exams/start/" + id); got != "" {
		t.Fatalf("expected empty id for non-attempt path, got %s", got)
	}
}

func TestMiddlewareCountsAndLogs(t *testing.T) {
	var logs bytes.Buffer
	c := NewCollector(nil, fixedCache(7), zerolog.New(&logs))

	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/attempts/0b9f3c6e-4a55-4b8e-9d1e-2f6a7f0c1d2e", nil)
		req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: "user-1", Role: auth.RoleStudent}))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if !strings.Contains(logs.String(), `"user_id":"user-1"`) || !strings.Contains(logs.String(), `"level":"warn"`) {
		t.Fatalf("expected warn log with user id, got %s", logs.String())
	}

	rec := httptest.NewRecorder()
	c.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `examonline_http_requests_total{method="GET",path="/api/v1/exams/attempts/{id}",status="404"} 2`) {
		t.Fatalf("expected request counter, got:\n%s", body)
	}
	if !strings.Contains(body, "examonline_cache_l1_entries 7") {
		t.Fatalf("expected cache gauge, got:\n%s", body)
	}
}
