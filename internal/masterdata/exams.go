package masterdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/db"
)

const (
	StatusDraft     = "Draft"
	StatusScheduled = "Scheduled"
	StatusActive    = "Active"
	StatusCompleted = "Completed"

	minDurationMinutes = 20
	maxDurationMinutes = 180

	defaultPageSize = 10
	maxPageSize     = 50
)

type ExamSortBy string

const (
	SortByTitle       ExamSortBy = "title"
	SortByStartDate   ExamSortBy = "startDate"
	SortByEndDate     ExamSortBy = "endDate"
	SortByDuration    ExamSortBy = "duration"
	SortByCreatedDate ExamSortBy = "createdDate"
)

// examSortColumns is the only way a client value reaches ORDER BY.
var examSortColumns = map[ExamSortBy]string{
	SortByTitle:       "e.title",
	SortByStartDate:   "e.start_date",
	SortByEndDate:     "e.end_date",
	SortByDuration:    "e.duration_minutes",
	SortByCreatedDate: "e.created_at",
}

type ExamRecord struct {
	ID              uuid.UUID `json:"id"`
	CategoryID      uuid.UUID `json:"categoryId"`
	CategoryTitle   string    `json:"categoryTitle"`
	Title           string    `json:"title"`
	Icon            string    `json:"icon"`
	DurationMinutes int       `json:"duration"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	IsActive        bool      `json:"isActive"`
	Status          string    `json:"status"`
	QuestionCount   int       `json:"questionCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ExamInput struct {
	CategoryID      uuid.UUID
	Title           string
	Icon            string
	DurationMinutes int
	StartDate       time.Time
	EndDate         time.Time
	IsActive        *bool
}

type AdminExamQuery struct {
	Page       int
	PageSize   int
	Search     string
	CategoryID *uuid.UUID
	SortBy     ExamSortBy
	Descending bool
}

type ExamPage struct {
	Exams           []ExamRecord `json:"exams"`
	TotalCount      int          `json:"totalCount"`
	PageNumber      int          `json:"pageNumber"`
	PageSize        int          `json:"pageSize"`
	TotalPages      int          `json:"totalPages"`
	HasPreviousPage bool         `json:"hasPreviousPage"`
	HasNextPage     bool         `json:"hasNextPage"`
	CategoryTitle   string       `json:"categoryTitle,omitempty"`
}

type StatusChange struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	IsActive bool      `json:"isActive"`
	Status   string    `json:"status"`
	Message  string    `json:"message"`
}

func ParseExamSort(raw string) (ExamSortBy, bool, error) {
	raw = strings.TrimSpace(raw)
	desc := strings.HasPrefix(raw, "-")
	by := ExamSortBy(strings.TrimPrefix(raw, "-"))
	if by == "" {
		return SortByTitle, desc, nil
	}
	if _, ok := examSortColumns[by]; !ok {
		return "", false, apperr.BusinessRule(fmt.Sprintf("unsupported sort %q", raw))
	}
	return by, desc, nil
}

func (s *Service) ListAdminExams(ctx context.Context, q AdminExamQuery) (*ExamPage, error) {
	q.Page, q.PageSize = normalizePage(q.Page, q.PageSize)
	if q.SortBy == "" {
		q.SortBy = SortByTitle
	}
	column, ok := examSortColumns[q.SortBy]
	if !ok {
		return nil, apperr.BusinessRule(fmt.Sprintf("unsupported sort %q", q.SortBy))
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	q.Search = strings.ToLower(strings.TrimSpace(q.Search))
	category := "none"
	if q.CategoryID != nil {
		category = q.CategoryID.String()
	}

	load := func(ctx context.Context) (*ExamPage, error) {
		where := []string{"1 = 1"}
		args := []any{}
		if q.Search != "" {
			args = append(args, "%"+q.Search+"%")
			where = append(where, fmt.Sprintf("LOWER(e.title) LIKE $%d", len(args)))
		}
		if q.CategoryID != nil {
			args = append(args, q.CategoryID.String())
			where = append(where, fmt.Sprintf("e.category_id = $%d", len(args)))
		}
		return s.queryExamPage(ctx, strings.Join(where, " AND "), args, column+" "+direction, q.Page, q.PageSize)
	}

	key := cache.AdminExamsKey(q.Page, q.PageSize, q.Search, string(q.SortBy), direction, category)
	page, err := s.cached(ctx, key, load)
	if err != nil {
		return nil, s.fail("masterdata.ListAdminExams", err)
	}
	return page, nil
}

// ListExamsByCategory is the public catalog: active exams whose window
// contains now, ordered by title.
func (s *Service) ListExamsByCategory(ctx context.Context, categoryID uuid.UUID, page, size int) (*ExamPage, error) {
	const op = "masterdata.ListExamsByCategory"
	page, size = normalizePage(page, size)

	category, err := s.getCategory(ctx, categoryID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	out, err := s.cached(ctx, cache.ExamsByCategoryKey(categoryID, page, size), func(ctx context.Context) (*ExamPage, error) {
		now := db.Millis(s.now())
		where := "e.category_id = $1 AND e.is_active = $2 AND e.status = $3 AND e.start_date <= $4 AND e.end_date >= $4"
		args := []any{categoryID.String(), true, StatusActive, now}
		p, err := s.queryExamPage(ctx, where, args, "e.title ASC", page, size)
		if err != nil {
			return nil, err
		}
		p.CategoryTitle = category.Title
		return p, nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

func (s *Service) queryExamPage(ctx context.Context, where string, args []any, orderBy string, page, size int) (*ExamPage, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM exams e WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count exams: %w", err)
	}

	limitArg := len(args) + 1
	query := fmt.Sprintf(`
		SELECT e.id, e.category_id, COALESCE(c.title, ''), e.title, e.icon, e.duration_minutes,
			e.start_date, e.end_date, e.is_active, e.status, e.created_at,
			(SELECT COUNT(1) FROM questions q WHERE q.exam_id = e.id)
		FROM exams e
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE %s
		ORDER BY %s, e.id ASC
		LIMIT $%d OFFSET $%d
	`, where, orderBy, limitArg, limitArg+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	defer rows.Close()

	out := &ExamPage{Exams: make([]ExamRecord, 0), TotalCount: total, PageNumber: page, PageSize: size}
	for rows.Next() {
		rec, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		out.Exams = append(out.Exams, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exams: %w", err)
	}
	out.TotalPages = (total + size - 1) / size
	out.HasPreviousPage = page > 1
	out.HasNextPage = page < out.TotalPages
	return out, nil
}

func (s *Service) GetExam(ctx context.Context, id uuid.UUID) (*ExamRecord, error) {
	rec, err := s.getExam(ctx, id)
	if err != nil {
		return nil, s.fail("masterdata.GetExam", err)
	}
	return rec, nil
}

func (s *Service) CreateExam(ctx context.Context, in ExamInput) (*ExamRecord, error) {
	const op = "masterdata.CreateExam"
	now := s.now().UTC()

	title, err := validateExamInput(in)
	if err != nil {
		return nil, err
	}
	if !in.StartDate.After(now) {
		return nil, apperr.BusinessRule("Start date must be after current date")
	}
	category, err := s.getCategory(ctx, in.CategoryID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.ensureUniqueTitle(ctx, in.CategoryID, title, uuid.Nil); err != nil {
		return nil, s.fail(op, err)
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	rec := &ExamRecord{
		ID:              uuid.New(),
		CategoryID:      in.CategoryID,
		CategoryTitle:   category.Title,
		Title:           title,
		Icon:            strings.TrimSpace(in.Icon),
		DurationMinutes: in.DurationMinutes,
		StartDate:       db.FromMillis(db.Millis(in.StartDate)),
		EndDate:         db.FromMillis(db.Millis(in.EndDate)),
		IsActive:        active,
		Status:          StatusScheduled,
		CreatedAt:       db.FromMillis(db.Millis(now)),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exams (id, category_id, title, icon, duration_minutes, start_date, end_date, is_active, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, rec.ID.String(), rec.CategoryID.String(), rec.Title, rec.Icon, rec.DurationMinutes,
		db.Millis(rec.StartDate), db.Millis(rec.EndDate), rec.IsActive, rec.Status, db.Millis(now))
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("insert exam: %w", err))
	}

	s.invalidator.Categories(ctx)
	s.log.Info().
		Str("exam_id", rec.ID.String()).
		Str("category_id", rec.CategoryID.String()).
		Str("status", rec.Status).
		Msg("exam created")
	return rec, nil
}

// UpdateExam rewrites the schedule and derives the status from it the same
// way the status jobs would.
func (s *Service) UpdateExam(ctx context.Context, id uuid.UUID, in ExamInput) (*ExamRecord, error) {
	const op = "masterdata.UpdateExam"
	now := s.now().UTC()

	title, err := validateExamInput(in)
	if err != nil {
		return nil, err
	}
	current, err := s.getExam(ctx, id)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if in.CategoryID != current.CategoryID {
		if _, err := s.getCategory(ctx, in.CategoryID); err != nil {
			return nil, s.fail(op, err)
		}
	}
	if err := s.ensureUniqueTitle(ctx, in.CategoryID, title, id); err != nil {
		return nil, s.fail(op, err)
	}

	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}
	switch {
	case in.StartDate.After(now):
		current.Status = StatusScheduled
	case !in.EndDate.Before(now):
		current.Status = StatusActive
	default:
		current.Status = StatusCompleted
		current.IsActive = false
	}
	current.CategoryID = in.CategoryID
	current.Title = title
	current.Icon = strings.TrimSpace(in.Icon)
	current.DurationMinutes = in.DurationMinutes
	current.StartDate = db.FromMillis(db.Millis(in.StartDate))
	current.EndDate = db.FromMillis(db.Millis(in.EndDate))

	_, err = s.db.ExecContext(ctx, `
		UPDATE exams
		SET category_id = $2, title = $3, icon = $4, duration_minutes = $5,
			start_date = $6, end_date = $7, is_active = $8, status = $9, updated_at = $10
		WHERE id = $1
	`, id.String(), current.CategoryID.String(), current.Title, current.Icon, current.DurationMinutes,
		db.Millis(current.StartDate), db.Millis(current.EndDate), current.IsActive, current.Status, db.Millis(now))
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("update exam: %w", err))
	}

	s.invalidator.Categories(ctx)
	return s.GetExam(ctx, id)
}

func (s *Service) DeleteExam(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exams WHERE id = $1`, id.String())
	if err != nil {
		return s.fail("masterdata.DeleteExam", fmt.Errorf("delete exam: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
	}

	s.invalidator.Invalidate(ctx, cache.PrefixCategories, cache.PrefixExams, cache.PrefixQuestions, cache.PrefixUsers)
	s.log.Info().Str("exam_id", id.String()).Msg("exam deleted")
	return nil
}

func (s *Service) getExam(ctx context.Context, id uuid.UUID) (*ExamRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.category_id, COALESCE(c.title, ''), e.title, e.icon, e.duration_minutes,
			e.start_date, e.end_date, e.is_active, e.status, e.created_at,
			(SELECT COUNT(1) FROM questions q WHERE q.exam_id = e.id)
		FROM exams e
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE e.id = $1
	`, id.String())
	rec, err := scanExam(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) ensureUniqueTitle(ctx context.Context, categoryID uuid.UUID, title string, except uuid.UUID) error {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM exams WHERE category_id = $1 AND LOWER(title) = $2 AND id <> $3
	`, categoryID.String(), strings.ToLower(title), except.String()).Scan(&n)
	if err != nil {
		return fmt.Errorf("check exam title: %w", err)
	}
	if n > 0 {
		return apperr.BusinessRule("An exam with this title already exists in the selected category")
	}
	return nil
}

func (s *Service) cached(ctx context.Context, key string, load func(ctx context.Context) (*ExamPage, error)) (*ExamPage, error) {
	if s.cache == nil {
		return load(ctx)
	}
	return cache.Fetch(ctx, s.cache, key, catalogTTL, load)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (*ExamRecord, error) {
	var (
		rec                   ExamRecord
		start, end, createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.CategoryID, &rec.CategoryTitle, &rec.Title, &rec.Icon, &rec.DurationMinutes,
		&start, &end, &rec.IsActive, &rec.Status, &createdAt, &rec.QuestionCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan exam: %w", err)
	}
	rec.StartDate = db.FromMillis(start)
	rec.EndDate = db.FromMillis(end)
	rec.CreatedAt = db.FromMillis(createdAt)
	return &rec, nil
}

func validateExamInput(in ExamInput) (string, error) {
	title := strings.TrimSpace(in.Title)
	switch {
	case len(title) < 3:
		return "", apperr.BusinessRule("Title must be at least 3 characters")
	case in.CategoryID == uuid.Nil:
		return "", apperr.BusinessRule("Please select a valid category")
	case in.EndDate.Before(in.StartDate):
		return "", apperr.BusinessRule("End date must be equal to or after start date")
	case in.DurationMinutes < minDurationMinutes:
		return "", apperr.BusinessRule("Duration must be at least 20 minutes")
	case in.DurationMinutes > maxDurationMinutes:
		return "", apperr.BusinessRule("Duration must not exceed 180 minutes (3 hours)")
	}
	return title, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
