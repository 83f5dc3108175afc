package masterdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/db"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrCategoryNotFound = errors.New("category not found")
	ErrExamNotFound     = errors.New("exam not found")
)

const catalogTTL = 5 * time.Minute

type Service struct {
	db          *sql.DB
	cache       cache.Cache
	invalidator *cache.Invalidator
	log         zerolog.Logger
	now         func() time.Time
}

type Options struct {
	Cache       cache.Cache
	Invalidator *cache.Invalidator
	Logger      zerolog.Logger
}

type Category struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	IsActive    bool      `json:"is_active"`
	ExamCount   int       `json:"exam_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type CategoryInput struct {
	Title       string
	Description string
	Icon        string
	IsActive    *bool
}

func NewService(conn *sql.DB, opts Options) *Service {
	return &Service{
		db:          conn,
		cache:       opts.Cache,
		invalidator: opts.Invalidator,
		log:         opts.Logger.With().Str("component", "masterdata").Logger(),
		now:         time.Now,
	}
}

func (s *Service) ListCategories(ctx context.Context, activeOnly bool) ([]Category, error) {
	load := func(ctx context.Context) ([]Category, error) { return s.loadCategories(ctx, activeOnly) }
	var (
		out []Category
		err error
	)
	if s.cache == nil {
		out, err = load(ctx)
	} else {
		out, err = cache.Fetch(ctx, s.cache, cache.CategoriesKey(activeOnly), catalogTTL, load)
	}
	if err != nil {
		return nil, s.fail("masterdata.ListCategories", err)
	}
	return out, nil
}

func (s *Service) loadCategories(ctx context.Context, activeOnly bool) ([]Category, error) {
	query := `
		SELECT c.id, c.title, c.description, c.icon, c.is_active, c.created_at,
			(SELECT COUNT(1) FROM exams e WHERE e.category_id = c.id)
		FROM categories c
	`
	args := []any{}
	if activeOnly {
		query += " WHERE c.is_active = $1"
		args = append(args, true)
	}
	query += " ORDER BY c.title ASC, c.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := make([]Category, 0)
	for rows.Next() {
		var (
			it        Category
			createdAt int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.Icon, &it.IsActive, &createdAt, &it.ExamCount); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		it.CreatedAt = db.FromMillis(createdAt)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (*Category, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.BusinessRule("title is required")
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	now := s.now().UTC()
	c := &Category{
		ID:          uuid.New(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Icon:        strings.TrimSpace(in.Icon),
		IsActive:    active,
		CreatedAt:   db.FromMillis(db.Millis(now)),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, title, description, icon, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID.String(), c.Title, c.Description, c.Icon, c.IsActive, db.Millis(now))
	if err != nil {
		return nil, s.fail("masterdata.CreateCategory", fmt.Errorf("create category: %w", err))
	}

	s.invalidator.Categories(ctx)
	s.log.Info().Str("category_id", c.ID.String()).Str("title", c.Title).Msg("category created")
	return c, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id uuid.UUID, in CategoryInput) (*Category, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.BusinessRule("title is required")
	}
	current, err := s.getCategory(ctx, id)
	if err != nil {
		return nil, s.fail("masterdata.UpdateCategory", err)
	}
	current.Title = title
	current.Description = strings.TrimSpace(in.Description)
	current.Icon = strings.TrimSpace(in.Icon)
	if in.IsActive != nil {
		current.IsActive = *in.IsActive
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE categories SET title = $2, description = $3, icon = $4, is_active = $5 WHERE id = $1
	`, id.String(), current.Title, current.Description, current.Icon, current.IsActive)
	if err != nil {
		return nil, s.fail("masterdata.UpdateCategory", fmt.Errorf("update category: %w", err))
	}

	s.invalidator.Categories(ctx)
	return current, nil
}

// DeleteCategory removes the category with its exams, questions and
// attempts through the cascading foreign keys.
func (s *Service) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id.String())
	if err != nil {
		return s.fail("masterdata.DeleteCategory", fmt.Errorf("delete category: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.Wrap(apperr.KindNotFound, ErrCategoryNotFound)
	}

	s.invalidator.Invalidate(ctx, cache.PrefixCategories, cache.PrefixExams, cache.PrefixQuestions, cache.PrefixUsers)
	s.log.Info().Str("category_id", id.String()).Msg("category deleted")
	return nil
}

func (s *Service) getCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	var (
		c         Category
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, icon, is_active, created_at FROM categories WHERE id = $1
	`, id.String()).Scan(&c.ID, &c.Title, &c.Description, &c.Icon, &c.IsActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrCategoryNotFound)
		}
		return nil, fmt.Errorf("get category: %w", err)
	}
	c.CreatedAt = db.FromMillis(createdAt)
	return &c, nil
}

func (s *Service) fail(op string, err error) error {
	if apperr.KindOf(err) == apperr.KindOperationFailed {
		s.log.Error().Err(err).Str("op", op).Msg("masterdata operation failed")
	}
	return apperr.Failed(op, err)
}
