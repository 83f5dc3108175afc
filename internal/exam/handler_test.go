package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/auth"
)

type mockExamService struct {
	startAttemptFn   func(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*StartResult, error)
	saveProgressFn   func(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SaveProgressResult, error)
	resumeAttemptFn  func(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*ResumeResult, error)
	submitAttemptFn  func(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SubmitResult, error)
	historyFn        func(ctx context.Context, userID string, q HistoryQuery) (*HistoryPage, error)
	attemptDetailsFn func(ctx context.Context, userID string, attemptID uuid.UUID) (*AttemptDetails, error)
}

func (m *mockExamService) StartAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*StartResult, error) {
	if m.startAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.startAttemptFn(ctx, userID, examID, now)
}

func (m *mockExamService) SaveProgress(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SaveProgressResult, error) {
	if m.saveProgressFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.saveProgressFn(ctx, userID, attemptID, answers, now)
}

func (m *mockExamService) ResumeAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*ResumeResult, error) {
	if m.resumeAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.resumeAttemptFn(ctx, userID, examID, now)
}

func (m *mockExamService) SubmitAttempt(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SubmitResult, error) {
	if m.submitAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.submitAttemptFn(ctx, userID, attemptID, answers, now)
}

func (m *mockExamService) History(ctx context.Context, userID string, q HistoryQuery) (*HistoryPage, error) {
	if m.historyFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.historyFn(ctx, userID, q)
}

func (m *mockExamService) AttemptDetails(ctx context.Context, userID string, attemptID uuid.UUID) (*AttemptDetails, error) {
	if m.attemptDetailsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.attemptDetailsFn(ctx, userID, attemptID)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withUser(r *http.Request, id string) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), &auth.User{ID: id, Role: auth.RoleStudent}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	payload, _ := body["error"].(map[string]interface{})
	msg, _ := payload["message"].(string)
	return msg
}

func TestStartUsesSessionUserAndServerClock(t *testing.T) {
	examID := uuid.New()
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var gotUser string
	var gotNow time.Time
	h := NewHandler(&mockExamService{
		startAttemptFn: func(_ context.Context, userID string, id uuid.UUID, now time.Time) (*StartResult, error) {
			if id != examID {
				t.Fatalf("expected exam id %s, got %s", examID, id)
			}
			gotUser, gotNow = userID, now
			return &StartResult{UserExamID: uuid.New(), ExamID: id}, nil
		},
	})
	h.now = func() time.Time { return fixed }

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/start/"+examID.String(), nil)
	req = withChiParam(req, "examId", examID.String())
	req = withUser(req, "u-15")
	w := httptest.NewRecorder()
	h.Start(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotUser != "u-15" || !gotNow.Equal(fixed) {
		t.Fatalf("expected session user and server clock, got %q %v", gotUser, gotNow)
	}
}

func TestStartRejectsBadExamID(t *testing.T) {
	h := NewHandler(&mockExamService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/start/abc", nil)
	req = withChiParam(req, "examId", "abc")
	req = withUser(req, "u1")
	w := httptest.NewRecorder()
	h.Start(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartRequiresUser(t *testing.T) {
	h := NewHandler(&mockExamService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/start/x", nil)
	w := httptest.NewRecorder()
	h.Start(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		wantMsg string
	}{
		{name: "not found", err: apperr.Wrap(apperr.KindNotFound, ErrAttemptNotFound), want: http.StatusNotFound, wantMsg: "attempt not found"},
		{name: "business rule", err: apperr.BusinessRule("attempt already completed"), want: http.StatusBadRequest, wantMsg: "attempt already completed"},
		{name: "operation failed", err: apperr.Failed("exam.SubmitAttempt", errors.New("pq: connection reset")), want: http.StatusInternalServerError, wantMsg: "Something went wrong. Please try again later"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockExamService{
				submitAttemptFn: func(context.Context, string, uuid.UUID, []AnswerSubmission, time.Time) (*SubmitResult, error) {
					return nil, tc.err
				},
			})
			payload, _ := json.Marshal(map[string]any{
				"userExamId": uuid.New(),
				"answers":    []map[string]any{{"questionId": uuid.New(), "selectedChoiceIds": []uuid.UUID{uuid.New()}}},
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/submit", bytes.NewReader(payload))
			req = withUser(req, "u1")
			w := httptest.NewRecorder()
			h.Submit(w, req)

			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if msg := errorMessage(t, w); msg != tc.wantMsg {
				t.Fatalf("expected message %q, got %q", tc.wantMsg, msg)
			}
		})
	}
}

func TestSubmitValidatesBody(t *testing.T) {
	called := false
	h := NewHandler(&mockExamService{
		submitAttemptFn: func(context.Context, string, uuid.UUID, []AnswerSubmission, time.Time) (*SubmitResult, error) {
			called = true
			return &SubmitResult{}, nil
		},
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"userExamId":`},
		{name: "missing attempt", body: `{"answers":[{"questionId":"` + uuid.NewString() + `","selectedChoiceIds":["` + uuid.NewString() + `"]}]}`},
		{name: "no answers", body: `{"userExamId":"` + uuid.NewString() + `","answers":[]}`},
		{name: "answer without choices", body: `{"userExamId":"` + uuid.NewString() + `","answers":[{"questionId":"` + uuid.NewString() + `","selectedChoiceIds":[]}]}`},
		{name: "answer without question", body: `{"userExamId":"` + uuid.NewString() + `","answers":[{"selectedChoiceIds":["` + uuid.NewString() + `"]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/submit", bytes.NewBufferString(tc.body))
			req = withUser(req, "u1")
			w := httptest.NewRecorder()
			h.Submit(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
	if called {
		t.Fatalf("service must not be called for invalid bodies")
	}
}

func TestSaveProgressPassesAnswers(t *testing.T) {
	attemptID, questionID, choiceID := uuid.New(), uuid.New(), uuid.New()
	h := NewHandler(&mockExamService{
		saveProgressFn: func(_ context.Context, userID string, id uuid.UUID, answers []AnswerSubmission, now time.Time) (*SaveProgressResult, error) {
			if id != attemptID || len(answers) != 1 || answers[0].QuestionID != questionID || answers[0].SelectedChoiceIDs[0] != choiceID {
				t.Fatalf("unexpected call %s %+v", id, answers)
			}
			return &SaveProgressResult{IsSuccess: true, LastSaved: now, AnswersSaved: 1}, nil
		},
	})
	payload, _ := json.Marshal(map[string]any{
		"userExamId": attemptID,
		"answers":    []map[string]any{{"questionId": questionID, "selectedChoiceIds": []uuid.UUID{choiceID}}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/save-progress", bytes.NewReader(payload))
	req = withUser(req, "u1")
	w := httptest.NewRecorder()
	h.SaveProgress(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, _ := decodeBody(t, w)["data"].(map[string]interface{})
	if data["isSuccess"] != true || data["answersSaved"] != float64(1) {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestHistoryParsesQuery(t *testing.T) {
	examID := uuid.New()
	cursorID := uuid.New()
	cursor := time.Date(2026, 3, 2, 9, 30, 0, 123000000, time.UTC)
	var got HistoryQuery
	h := NewHandler(&mockExamService{
		historyFn: func(_ context.Context, _ string, q HistoryQuery) (*HistoryPage, error) {
			got = q
			return &HistoryPage{History: []HistoryItem{}}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/history?examId="+examID.String()+"&cursor="+cursor.Format(time.RFC3339Nano)+"&cursorId="+cursorID.String()+"&pageSize=5", nil)
	req = withUser(req, "u1")
	w := httptest.NewRecorder()
	h.History(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.ExamID == nil || *got.ExamID != examID || got.CategoryID != nil {
		t.Fatalf("unexpected filters %+v", got)
	}
	if got.Cursor == nil || !got.Cursor.Equal(cursor) || got.PageSize != 5 {
		t.Fatalf("unexpected paging %+v", got)
	}
	if got.CursorID == nil || *got.CursorID != cursorID {
		t.Fatalf("expected cursor id %s, got %+v", cursorID, got.CursorID)
	}

	for _, query := range []string{"cursor=yesterday", "cursorId=" + cursorID.String(), "cursor=" + cursor.Format(time.RFC3339Nano) + "&cursorId=nope"} {
		req = httptest.NewRequest(http.MethodGet, "/api/v1/exams/history?"+query, nil)
		req = withUser(req, "u1")
		w = httptest.NewRecorder()
		h.History(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", query, w.Code)
		}
	}
}

func TestAttemptDetailsNotFoundForOtherUser(t *testing.T) {
	attemptID := uuid.New()
	h := NewHandler(&mockExamService{
		attemptDetailsFn: func(_ context.Context, userID string, id uuid.UUID) (*AttemptDetails, error) {
			if userID != "owner" {
				return nil, apperr.Wrap(apperr.KindNotFound, ErrAttemptNotFound)
			}
			return &AttemptDetails{UserExamID: id}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/attempts/"+attemptID.String(), nil)
	req = withChiParam(req, "id", attemptID.String())
	req = withUser(req, "intruder")
	w := httptest.NewRecorder()
	h.AttemptDetails(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
