package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/db"
)

var ErrExamNotFound = errors.New("exam not found")

const summaryTTL = 2 * time.Minute

type Service struct {
	db    *sql.DB
	cache cache.Cache
	log   zerolog.Logger
}

type ExamSummary struct {
	ExamID         uuid.UUID `json:"examId"`
	ExamTitle      string    `json:"examTitle"`
	CategoryTitle  string    `json:"categoryTitle"`
	Status         string    `json:"status"`
	TotalQuestions int       `json:"totalQuestions"`
	TotalAttempts  int       `json:"totalAttempts"`
	Participants   int       `json:"participants"`
	InProgress     int       `json:"inProgress"`
	Completed      int       `json:"completed"`
	TimedOut       int       `json:"timedOut"`
	AverageScore   float64   `json:"averageScore"`
	HighestScore   int       `json:"highestScore"`
	LowestScore    int       `json:"lowestScore"`
}

type AttemptResult struct {
	AttemptID      uuid.UUID `json:"attemptId"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	FullName       string    `json:"fullName"`
	Status         string    `json:"status"`
	Score          int       `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	DurationTaken  int       `json:"durationTaken"`
	AttemptDate    time.Time `json:"attemptDate"`
}

func NewService(conn *sql.DB, c cache.Cache, logger zerolog.Logger) *Service {
	return &Service{db: conn, cache: c, log: logger.With().Str("component", "report").Logger()}
}

// SummaryByExam aggregates every attempt of an exam. Score statistics only
// count finished attempts.
func (s *Service) SummaryByExam(ctx context.Context, examID uuid.UUID) (*ExamSummary, error) {
	out, err := fetch(ctx, s.cache, cache.ExamReportKey(examID), summaryTTL, func(ctx context.Context) (*ExamSummary, error) {
		return s.loadSummary(ctx, examID)
	})
	if err != nil {
		return nil, s.fail("report.SummaryByExam", err)
	}
	return out, nil
}

func (s *Service) loadSummary(ctx context.Context, examID uuid.UUID) (*ExamSummary, error) {
	out := &ExamSummary{ExamID: examID}
	err := s.db.QueryRowContext(ctx, `
		SELECT e.title, COALESCE(c.title, ''), e.status,
			(SELECT COUNT(1) FROM questions q WHERE q.exam_id = e.id)
		FROM exams e
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE e.id = $1
	`, examID.String()).Scan(&out.ExamTitle, &out.CategoryTitle, &out.Status, &out.TotalQuestions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}

	var avg float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COUNT(DISTINCT user_id),
			COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = $4 THEN 1 ELSE 0 END), 0),
			COALESCE(CAST(AVG(CASE WHEN status <> $2 THEN score END) AS DOUBLE PRECISION), 0),
			COALESCE(MAX(CASE WHEN status <> $2 THEN score END), 0),
			COALESCE(MIN(CASE WHEN status <> $2 THEN score END), 0)
		FROM attempts
		WHERE exam_id = $1
	`, examID.String(), "InProgress", "Completed", "TimedOut").Scan(
		&out.TotalAttempts, &out.Participants, &out.InProgress, &out.Completed, &out.TimedOut,
		&avg, &out.HighestScore, &out.LowestScore,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate attempts: %w", err)
	}
	out.AverageScore = roundScore(avg)
	return out, nil
}

// ListResults returns one row per attempt, best score first.
func (s *Service) ListResults(ctx context.Context, examID uuid.UUID) ([]AttemptResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, COALESCE(u.username, ''), COALESCE(u.full_name, ''), a.status,
			a.score, a.correct_answers, a.duration_taken_seconds, a.attempt_date
		FROM attempts a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.exam_id = $1
		ORDER BY a.score DESC, a.attempt_date ASC, a.id ASC
	`, examID.String())
	if err != nil {
		return nil, s.fail("report.ListResults", fmt.Errorf("list results: %w", err))
	}
	defer rows.Close()

	out := make([]AttemptResult, 0)
	for rows.Next() {
		var (
			it          AttemptResult
			attemptDate int64
		)
		if err := rows.Scan(&it.AttemptID, &it.UserID, &it.Username, &it.FullName, &it.Status,
			&it.Score, &it.CorrectAnswers, &it.DurationTaken, &attemptDate); err != nil {
			return nil, s.fail("report.ListResults", fmt.Errorf("scan result: %w", err))
		}
		it.AttemptDate = db.FromMillis(attemptDate)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("report.ListResults", fmt.Errorf("iterate results: %w", err))
	}
	return out, nil
}

// ExportExamResultsExcel renders a summary sheet and a per-attempt sheet.
func (s *Service) ExportExamResultsExcel(ctx context.Context, examID uuid.UUID) ([]byte, error) {
	summary, err := s.SummaryByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	results, err := s.ListResults(ctx, examID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	summarySheet := f.GetSheetName(0)
	pairs := [][2]any{
		{"exam", summary.ExamTitle},
		{"category", summary.CategoryTitle},
		{"status", summary.Status},
		{"total_questions", summary.TotalQuestions},
		{"total_attempts", summary.TotalAttempts},
		{"participants", summary.Participants},
		{"completed", summary.Completed},
		{"timed_out", summary.TimedOut},
		{"in_progress", summary.InProgress},
		{"average_score", summary.AverageScore},
		{"highest_score", summary.HighestScore},
		{"lowest_score", summary.LowestScore},
	}
	for i, p := range pairs {
		for col, v := range p {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+1)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "B", 24)

	const resultsSheet = "Results"
	if _, err := f.NewSheet(resultsSheet); err != nil {
		return nil, s.fail("report.ExportExamResultsExcel", fmt.Errorf("add sheet: %w", err))
	}
	headers := []string{"username", "full_name", "status", "score", "correct_answers", "total_questions", "duration_seconds", "attempt_date"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(resultsSheet, cell, h)
	}
	for i, it := range results {
		row := i + 2
		values := []any{
			it.Username,
			it.FullName,
			it.Status,
			it.Score,
			it.CorrectAnswers,
			summary.TotalQuestions,
			it.DurationTaken,
			it.AttemptDate.UTC().Format("2006-01-02 15:04:05"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(resultsSheet, cell, v)
		}
	}
	_ = f.SetColWidth(resultsSheet, "A", "H", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, s.fail("report.ExportExamResultsExcel", fmt.Errorf("write excel: %w", err))
	}
	s.log.Info().Str("exam_id", examID.String()).Int("rows", len(results)).Msg("exam results exported")
	return buf.Bytes(), nil
}

func (s *Service) fail(op string, err error) error {
	if apperr.KindOf(err) == apperr.KindOperationFailed {
		s.log.Error().Err(err).Str("op", op).Msg("report operation failed")
	}
	return apperr.Failed(op, err)
}
