package exam

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"examonline/internal/app/apiresp"
	"examonline/internal/apperr"
	"examonline/internal/auth"
)

type Handler struct {
	svc examService
	now func() time.Time
}

type examService interface {
	StartAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*StartResult, error)
	SaveProgress(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SaveProgressResult, error)
	ResumeAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*ResumeResult, error)
	SubmitAttempt(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SubmitResult, error)
	History(ctx context.Context, userID string, q HistoryQuery) (*HistoryPage, error)
	AttemptDetails(ctx context.Context, userID string, attemptID uuid.UUID) (*AttemptDetails, error)
}

// answersRequest is shared by submit and save-progress.
type answersRequest struct {
	UserExamID uuid.UUID          `json:"userExamId" validate:"required"`
	Answers    []AnswerSubmission `json:"answers" validate:"required,min=1,dive"`
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := pathUUID(r, "examId")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	res, err := h.svc.StartAttempt(r.Context(), user.ID, examID, h.now().UTC())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) SaveProgress(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req answersRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	res, err := h.svc.SaveProgress(r.Context(), user.ID, req.UserExamID, req.Answers, h.now().UTC())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := pathUUID(r, "examId")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	res, err := h.svc.ResumeAttempt(r.Context(), user.ID, examID, h.now().UTC())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req answersRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	res, err := h.svc.SubmitAttempt(r.Context(), user.ID, req.UserExamID, req.Answers, h.now().UTC())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	q, err := parseHistoryQuery(r)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	page, err := h.svc.History(r.Context(), user.ID, q)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, page)
}

func (h *Handler) AttemptDetails(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}

	details, err := h.svc.AttemptDetails(r.Context(), user.ID, attemptID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, details)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return uuid.Nil, apperr.BusinessRule("invalid " + name)
	}
	return id, nil
}

func parseHistoryQuery(r *http.Request) (HistoryQuery, error) {
	var q HistoryQuery
	values := r.URL.Query()

	for name, dst := range map[string]**uuid.UUID{"examId": &q.ExamID, "categoryId": &q.CategoryID} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, apperr.BusinessRule("invalid " + name)
		}
		*dst = &id
	}

	if raw := strings.TrimSpace(values.Get("cursor")); raw != "" {
		cursor, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, apperr.BusinessRule("cursor must be an RFC3339 timestamp")
		}
		q.Cursor = &cursor
	}
	if raw := strings.TrimSpace(values.Get("cursorId")); raw != "" {
		if q.Cursor == nil {
			return q, apperr.BusinessRule("cursorId requires cursor")
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, apperr.BusinessRule("invalid cursorId")
		}
		q.CursorID = &id
	}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return q, apperr.BusinessRule("pageSize must be a positive number")
		}
		q.PageSize = size
	}
	return q, nil
}
