package report

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"examonline/internal/app/apiresp"
	"examonline/internal/apperr"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc reportService
}

type reportService interface {
	SummaryByExam(ctx context.Context, examID uuid.UUID) (*ExamSummary, error)
	ListResults(ctx context.Context, examID uuid.UUID) ([]AttemptResult, error)
	ExportExamResultsExcel(ctx context.Context, examID uuid.UUID) ([]byte, error)
	Dashboard(ctx context.Context) (*DashboardStats, error)
	CategoryAnalytics(ctx context.Context, q AnalyticsQuery) (*CategoryAnalyticsPage, error)
}

func NewHandler(svc reportService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	examID, err := examIDParam(r)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	summary, err := h.svc.SummaryByExam(r.Context(), examID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	results, err := h.svc.ListResults(r.Context(), examID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{
		"summary": summary,
		"results": results,
	})
}

func (h *Handler) ExportExcel(w http.ResponseWriter, r *http.Request) {
	examID, err := examIDParam(r)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	content, err := h.svc.ExportExamResultsExcel(r.Context(), examID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exam-%s-results.xlsx"`, examID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Dashboard(r.Context())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, stats)
}

func (h *Handler) CategoryAnalytics(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := AnalyticsQuery{Search: values.Get("search")}
	for name, dst := range map[string]*int{"page": &q.Page, "pageSize": &q.PageSize} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apiresp.WriteErr(w, r, apperr.BusinessRule(name+" must be a positive number"))
			return
		}
		*dst = n
	}
	out, err := h.svc.CategoryAnalytics(r.Context(), q)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func examIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		return uuid.Nil, apperr.BusinessRule("invalid exam id")
	}
	return id, nil
}
