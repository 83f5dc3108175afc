package report

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"examonline/internal/cache"
)

const (
	dashboardTTL = 30 * time.Second
	analyticsTTL = 10 * time.Minute

	defaultAnalyticsPageSize = 10
	maxAnalyticsPageSize     = 50
)

// DashboardStats are platform-wide totals for the admin landing page.
type DashboardStats struct {
	TotalUsers      int     `json:"totalUsers"`
	TotalCategories int     `json:"totalCategories"`
	TotalExams      int     `json:"totalExams"`
	TotalQuestions  int     `json:"totalQuestions"`
	TotalAttempts   int     `json:"totalAttempts"`
	ActiveExams     int     `json:"activeExams"`
	CompletedExams  int     `json:"completedExams"`
	AverageScore    float64 `json:"averageScore"`
}

type AnalyticsQuery struct {
	Page     int
	PageSize int
	Search   string
}

type CategoryAnalytics struct {
	CategoryID    uuid.UUID `json:"categoryId"`
	Title         string    `json:"title"`
	ExamCount     int       `json:"examCount"`
	QuestionCount int       `json:"questionCount"`
	AttemptCount  int       `json:"attemptCount"`
	// AverageScore is nil while the category has no finished attempt.
	AverageScore *float64 `json:"averageScore"`
}

type CategoryAnalyticsPage struct {
	Categories []CategoryAnalytics `json:"categories"`
	TotalCount int                 `json:"totalCount"`
	PageNumber int                 `json:"pageNumber"`
	PageSize   int                 `json:"pageSize"`
	TotalPages int                 `json:"totalPages"`
}

// Dashboard counts every entity. The average score only includes finished
// attempts, like the per-exam summary.
func (s *Service) Dashboard(ctx context.Context) (*DashboardStats, error) {
	out, err := fetch(ctx, s.cache, cache.DashboardStatsKey(), dashboardTTL, s.loadDashboard)
	if err != nil {
		return nil, s.fail("report.Dashboard", err)
	}
	return out, nil
}

func (s *Service) loadDashboard(ctx context.Context) (*DashboardStats, error) {
	var (
		out DashboardStats
		avg float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM users),
			(SELECT COUNT(1) FROM categories),
			(SELECT COUNT(1) FROM exams),
			(SELECT COUNT(1) FROM questions),
			(SELECT COUNT(1) FROM attempts),
			(SELECT COUNT(1) FROM exams WHERE status = $1),
			(SELECT COUNT(1) FROM exams WHERE status = $2),
			(SELECT COALESCE(CAST(AVG(score) AS DOUBLE PRECISION), 0) FROM attempts WHERE status <> $3)
	`, "Active", "Completed", "InProgress").Scan(
		&out.TotalUsers, &out.TotalCategories, &out.TotalExams, &out.TotalQuestions,
		&out.TotalAttempts, &out.ActiveExams, &out.CompletedExams, &avg,
	)
	if err != nil {
		return nil, fmt.Errorf("dashboard totals: %w", err)
	}
	out.AverageScore = roundScore(avg)
	return &out, nil
}

// CategoryAnalytics pages categories by title with per-category exam,
// question and attempt counts. Search matches the title case-insensitively.
func (s *Service) CategoryAnalytics(ctx context.Context, q AnalyticsQuery) (*CategoryAnalyticsPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultAnalyticsPageSize
	}
	if q.PageSize > maxAnalyticsPageSize {
		q.PageSize = maxAnalyticsPageSize
	}
	q.Search = strings.ToLower(strings.TrimSpace(q.Search))

	key := cache.CategoryAnalyticsKey(q.Page, q.PageSize, q.Search)
	out, err := fetch(ctx, s.cache, key, analyticsTTL, func(ctx context.Context) (*CategoryAnalyticsPage, error) {
		return s.loadCategoryAnalytics(ctx, q)
	})
	if err != nil {
		return nil, s.fail("report.CategoryAnalytics", err)
	}
	return out, nil
}

func (s *Service) loadCategoryAnalytics(ctx context.Context, q AnalyticsQuery) (*CategoryAnalyticsPage, error) {
	page := &CategoryAnalyticsPage{
		Categories: make([]CategoryAnalytics, 0),
		PageNumber: q.Page,
		PageSize:   q.PageSize,
	}

	filter := ""
	filterArgs := []any{}
	if q.Search != "" {
		filterArgs = append(filterArgs, "%"+q.Search+"%")
		filter = "WHERE LOWER(c.title) LIKE $1"
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM categories c `+filter, filterArgs...).Scan(&page.TotalCount); err != nil {
		return nil, fmt.Errorf("count categories: %w", err)
	}
	page.TotalPages = int(math.Ceil(float64(page.TotalCount) / float64(q.PageSize)))

	args := append([]any{}, filterArgs...)
	args = append(args, "InProgress", q.PageSize, (q.Page-1)*q.PageSize)
	n := len(args)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.title,
			(SELECT COUNT(1) FROM exams e WHERE e.category_id = c.id),
			(SELECT COUNT(1) FROM questions qn JOIN exams e ON e.id = qn.exam_id WHERE e.category_id = c.id),
			(SELECT COUNT(1) FROM attempts a JOIN exams e ON e.id = a.exam_id WHERE e.category_id = c.id),
			(SELECT CAST(AVG(a.score) AS DOUBLE PRECISION) FROM attempts a JOIN exams e ON e.id = a.exam_id
				WHERE e.category_id = c.id AND a.status <> $%d)
		FROM categories c
		%s
		ORDER BY c.title ASC, c.id ASC
		LIMIT $%d OFFSET $%d
	`, n-2, filter, n-1, n), args...)
	if err != nil {
		return nil, fmt.Errorf("category analytics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it  CategoryAnalytics
			avg sql.NullFloat64
		)
		if err := rows.Scan(&it.CategoryID, &it.Title, &it.ExamCount, &it.QuestionCount, &it.AttemptCount, &avg); err != nil {
			return nil, fmt.Errorf("scan category analytics: %w", err)
		}
		if avg.Valid {
			v := roundScore(avg.Float64)
			it.AverageScore = &v
		}
		page.Categories = append(page.Categories, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category analytics: %w", err)
	}
	return page, nil
}

// fetch falls through to the loader when no cache is configured.
func fetch[T any](ctx context.Context, c cache.Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	return cache.Fetch(ctx, c, key, ttl, load)
}

func roundScore(v float64) float64 {
	return math.Round(v*100) / 100
}
