package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestRequireAuth(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	token, _, err := svc.Tokens().Issue("user-9", RoleStudent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen *User
	protected := h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CurrentUser(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + token, want: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			protected.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
	if seen == nil || seen.ID != "user-9" || seen.Role != RoleStudent {
		t.Fatalf("expected user from token in context, got %+v", seen)
	}
}

func TestRequireRolesForbidsOtherRoles(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mw := RequireRoles(RoleAdmin)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: "s1", Role: RoleStudent}))
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: "a1", Role: RoleAdmin}))
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestLoginHandler(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "dave", Password: "password1", Role: RoleStudent}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	h := NewHandler(svc)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "missing password", body: `{"username":"dave"}`, want: http.StatusBadRequest},
		{name: "wrong password", body: `{"username":"dave","password":"nope-nope"}`, want: http.StatusUnauthorized},
		{name: "ok", body: `{"username":"dave","password":"password1"}`, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			h.Login(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			body := decodeBody(t, w)
			if ok, _ := body["ok"].(bool); ok != (tc.want == http.StatusOK) {
				t.Fatalf("unexpected envelope %+v", body)
			}
		})
	}
}

func TestMeUsesProfile(t *testing.T) {
	svc, _ := newTestService(t)
	u, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "erin", Password: "password1", FullName: "Erin", Role: RoleStudent})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: u.ID, Role: RoleStudent}))
	w := httptest.NewRecorder()
	h.Me(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["full_name"] != "Erin" || data["username"] != "erin" {
		t.Fatalf("unexpected profile %+v", data)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: "ghost", Role: RoleStudent}))
	w = httptest.NewRecorder()
	h.Me(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRegisterCreatesStudent(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "missing full name", body: `{"username":"fern","password":"password1"}`, want: http.StatusBadRequest},
		{name: "short password", body: `{"username":"fern","password":"short","full_name":"Fern"}`, want: http.StatusBadRequest},
		{name: "ok", body: `{"username":"fern","password":"password1","full_name":"Fern"}`, want: http.StatusCreated},
		{name: "duplicate", body: `{"username":"FERN","password":"password1","full_name":"Fern"}`, want: http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			h.Register(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	res, err := svc.Login(context.Background(), "fern", "password1")
	if err != nil {
		t.Fatalf("login after register: %v", err)
	}
	if res.User.Role != RoleStudent {
		t.Fatalf("expected student role, got %q", res.User.Role)
	}
}
