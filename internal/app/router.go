package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"examonline/internal/app/apiresp"
	"examonline/internal/app/observability"
	"examonline/internal/auth"
	"examonline/internal/exam"
	"examonline/internal/masterdata"
	"examonline/internal/question"
	"examonline/internal/report"
)

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	DB        *sql.DB
	Auth      *auth.Handler
	Exams     *exam.Handler
	Catalog   *masterdata.Handler
	Questions *question.Handler
	Reports   *report.Handler
	Metrics   *observability.Collector
}

func NewRouter(cfg Config, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.DB.PingContext(ctx); err != nil {
				apiresp.WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", h.Metrics.MetricsHandler)

	limiter := NewIPRateLimiter(cfg.RateLimitPerMin, time.Minute)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(RateLimitMiddleware(limiter))

		api.Group(func(public chi.Router) {
			public.Use(h.Metrics.Middleware)
			public.Post("/auth/login", h.Auth.Login)
			public.Post("/auth/register", h.Auth.Register)
			public.Get("/categories", h.Catalog.ListCategories)
			public.Get("/categories/{id}/exams", h.Catalog.ListExamsByCategory)
		})

		api.Group(func(secure chi.Router) {
			secure.Use(h.Auth.RequireAuth)
			secure.Use(h.Metrics.Middleware)

			secure.Get("/auth/me", h.Auth.Me)
			secure.Put("/auth/me", h.Auth.UpdateMe)

			secure.Post("/exams/start/{examId}", h.Exams.Start)
			secure.Post("/exams/save-progress", h.Exams.SaveProgress)
			secure.Get("/exams/resume/{examId}", h.Exams.Resume)
			secure.Post("/exams/submit", h.Exams.Submit)
			secure.Get("/exams/history", h.Exams.History)
			secure.Get("/exams/attempts/{id}", h.Exams.AttemptDetails)

			secure.Route("/admin", func(admin chi.Router) {
				admin.Use(h.Auth.RequireRoles(auth.RoleAdmin))

				admin.Get("/categories", h.Catalog.ListAllCategories)
				admin.Post("/categories", h.Catalog.CreateCategory)
				admin.Put("/categories/{id}", h.Catalog.UpdateCategory)
				admin.Delete("/categories/{id}", h.Catalog.DeleteCategory)
				admin.Get("/categories/{id}/impact", h.Catalog.CategoryDeletionImpact)

				admin.Get("/exams", h.Catalog.ListAdminExams)
				admin.Post("/exams", h.Catalog.CreateExam)
				admin.Put("/exams/{id}", h.Catalog.UpdateExam)
				admin.Delete("/exams/{id}", h.Catalog.DeleteExam)
				admin.Post("/exams/{id}/status", h.Catalog.ToggleExamStatus)
				admin.Get("/exams/{id}/impact", h.Catalog.ExamDeletionImpact)

				admin.Get("/exams/{id}/questions", h.Questions.ListByExam)
				admin.Post("/exams/{id}/questions", h.Questions.Create)
				admin.Get("/questions/{id}", h.Questions.Get)
				admin.Put("/questions/{id}", h.Questions.Update)
				admin.Delete("/questions/{id}", h.Questions.Delete)
				admin.Get("/questions/{id}/impact", h.Questions.DeletionImpact)

				admin.Get("/exams/{id}/report", h.Reports.Summary)
				admin.Get("/exams/{id}/report.xlsx", h.Reports.ExportExcel)
				admin.Get("/dashboard", h.Reports.Dashboard)
				admin.Get("/dashboard/categories", h.Reports.CategoryAnalytics)
			})
		})
	})

	return r
}
