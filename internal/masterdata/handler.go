package masterdata

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
)

type Handler struct {
	svc catalogService
}

type catalogService interface {
	ListCategories(ctx context.Context, activeOnly bool) ([]Category, error)
	CreateCategory(ctx context.Context, in CategoryInput) (*Category, error)
	UpdateCategory(ctx context.Context, id uuid.UUID, in CategoryInput) (*Category, error)
	DeleteCategory(ctx context.Context, id uuid.UUID) error
	ListExamsByCategory(ctx context.Context, categoryID uuid.UUID, page, size int) (*ExamPage, error)
	ListAdminExams(ctx context.Context, q AdminExamQuery) (*ExamPage, error)
	CreateExam(ctx context.Context, in ExamInput) (*ExamRecord, error)
	UpdateExam(ctx context.Context, id uuid.UUID, in ExamInput) (*ExamRecord, error)
	DeleteExam(ctx context.Context, id uuid.UUID) error
	ToggleExamStatus(ctx context.Context, id uuid.UUID) (*StatusChange, error)
	CategoryDeletionImpact(ctx context.Context, id uuid.UUID) (*CategoryImpact, error)
	ExamDeletionImpact(ctx context.Context, id uuid.UUID) (*ExamImpact, error)
}

type categoryRequest struct {
	Title       string `json:"title" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"max=500"`
	Icon        string `json:"icon" validate:"max=255"`
	IsActive    *bool  `json:"isActive"`
}

type examRequest struct {
	CategoryID uuid.UUID `json:"categoryId" validate:"required"`
	Title      string    `json:"title" validate:"required,min=3,max=100"`
	Icon       string    `json:"icon" validate:"max=255"`
	Duration   int       `json:"duration" validate:"required,gte=20,lte=180"`
	StartDate  time.Time `json:"startDate" validate:"required"`
	EndDate    time.Time `json:"endDate" validate:"required,gtefield=StartDate"`
	IsActive   *bool     `json:"isActive"`
}

func (r examRequest) input() ExamInput {
	return ExamInput{
		CategoryID:      r.CategoryID,
		Title:           r.Title,
		Icon:            r.Icon,
		DurationMinutes: r.Duration,
		StartDate:       r.StartDate.UTC(),
		EndDate:         r.EndDate.UTC(),
		IsActive:        r.IsActive,
	}
}

func NewHandler(svc catalogService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListCategories(r.Context(), true)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) ListAllCategories(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListCategories(r.Context(), false)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	c, err := h.svc.CreateCategory(r.Context(), CategoryInput{
		Title:       req.Title,
		Description: req.Description,
		Icon:        req.Icon,
		IsActive:    req.IsActive,
	})
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, c)
}

func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	var req categoryRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	c, err := h.svc.UpdateCategory(r.Context(), id, CategoryInput{
		Title:       req.Title,
		Description: req.Description,
		Icon:        req.Icon,
		IsActive:    req.IsActive,
	})
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, c)
}

func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	if err := h.svc.DeleteCategory(r.Context(), id); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *Handler) ListExamsByCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	page, size, err := parsePaging(r)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	out, err := h.svc.ListExamsByCategory(r.Context(), id, page, size)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ListAdminExams(w http.ResponseWriter, r *http.Request) {
	page, size, err := parsePaging(r)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	sortBy, desc, err := ParseExamSort(r.URL.Query().Get("sort"))
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	q := AdminExamQuery{
		Page:       page,
		PageSize:   size,
		Search:     r.URL.Query().Get("search"),
		SortBy:     sortBy,
		Descending: desc,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("categoryId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			apiresp.WriteErr(w, r, apperr.BusinessRule("invalid categoryId"))
			return
		}
		q.CategoryID = &id
	}

	out, err := h.svc.ListAdminExams(r.Context(), q)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) CreateExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	rec, err := h.svc.CreateExam(r.Context(), req.input())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, rec)
}

func (h *Handler) UpdateExam(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	var req examRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	rec, err := h.svc.UpdateExam(r.Context(), id, req.input())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, rec)
}

func (h *Handler) DeleteExam(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	if err := h.svc.DeleteExam(r.Context(), id); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *Handler) ToggleExamStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	out, err := h.svc.ToggleExamStatus(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) CategoryDeletionImpact(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	out, err := h.svc.CategoryDeletionImpact(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ExamDeletionImpact(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	out, err := h.svc.ExamDeletionImpact(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return uuid.Nil, apperr.BusinessRule("invalid " + name)
	}
	return id, nil
}

func parsePaging(r *http.Request) (int, int, error) {
	page, size := 0, 0
	values := r.URL.Query()
	for name, dst := range map[string]*int{"page": &page, "pageSize": &size} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, apperr.BusinessRule(name + " must be a positive number")
		}
		*dst = n
	}
	return page, size, nil
}
