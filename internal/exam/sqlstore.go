package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"examonline/internal/db"
)

const attemptColumns = `a.id, a.user_id, a.exam_id, a.attempt_date, a.last_activity_at,
	a.duration_taken_seconds, a.score, a.correct_answers, a.status`

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore implements AttemptStore on Postgres (pgx) or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver db.Driver
}

func NewSQLStore(conn *sql.DB, driver db.Driver) *SQLStore {
	return &SQLStore{db: conn, driver: driver}
}

func (s *SQLStore) Create(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (
			id, user_id, exam_id, attempt_date, last_activity_at,
			duration_taken_seconds, score, correct_answers, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID.String(), a.UserID, a.ExamID.String(), db.Millis(a.AttemptDate), db.Millis(a.LastActivityAt),
		a.DurationTakenSeconds, a.Score, a.CorrectAnswers, string(a.Status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAttemptConflict
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	return findAttempt(ctx, s.db, id, "")
}

func (s *SQLStore) FindLatestInProgress(ctx context.Context, userID string, examID uuid.UUID) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts a
		WHERE a.user_id = $1 AND a.exam_id = $2 AND a.status = $3
		ORDER BY a.attempt_date DESC
		LIMIT 1
	`, userID, examID.String(), string(StatusInProgress))
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load in-progress attempt: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]Answer, error) {
	return listAnswers(ctx, s.db, attemptID)
}

func (s *SQLStore) MaxScore(ctx context.Context, userID string, examID, exclude uuid.UUID, statuses ...AttemptStatus) (int, bool, error) {
	if len(statuses) == 0 {
		return 0, false, nil
	}
	args := []any{userID, examID.String(), exclude.String()}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	var best sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(score)
		FROM attempts
		WHERE user_id = $1 AND exam_id = $2 AND id <> $3
		  AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...).Scan(&best)
	if err != nil {
		return 0, false, fmt.Errorf("query max score: %w", err)
	}
	if !best.Valid {
		return 0, false, nil
	}
	return int(best.Int64), true, nil
}

func (s *SQLStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts a
		JOIN exams e ON e.id = a.exam_id
		WHERE a.status = $1
		  AND a.attempt_date + e.duration_minutes * CAST(60000 AS BIGINT) < $2
		ORDER BY a.attempt_date ASC
		LIMIT $3
	`, string(StatusInProgress), db.Millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue attempts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	args := []any{f.UserID, string(StatusCompleted), string(StatusTimedOut)}
	where := []string{"a.user_id = $1", "a.status IN ($2, $3)"}
	if f.ExamID != nil {
		args = append(args, f.ExamID.String())
		where = append(where, fmt.Sprintf("a.exam_id = $%d", len(args)))
	}
	if f.CategoryID != nil {
		args = append(args, f.CategoryID.String())
		where = append(where, fmt.Sprintf("e.category_id = $%d", len(args)))
	}
	switch {
	case f.Cursor != nil && f.CursorID != nil:
		args = append(args, db.Millis(*f.Cursor), f.CursorID.String())
		n := len(args)
		where = append(where, fmt.Sprintf("(a.attempt_date < $%d OR (a.attempt_date = $%d AND a.id < $%d))", n-1, n-1, n))
	case f.Cursor != nil:
		args = append(args, db.Millis(*f.Cursor))
		where = append(where, fmt.Sprintf("a.attempt_date < $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`,
			e.title, e.icon, COALESCE(c.title, ''),
			(SELECT COUNT(*) FROM questions q WHERE q.exam_id = a.exam_id)
		FROM attempts a
		JOIN exams e ON e.id = a.exam_id
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY a.attempt_date DESC, a.id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query attempt history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryRow, 0)
	for rows.Next() {
		var (
			r                   HistoryRow
			attemptDate, active int64
			status              string
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.ExamID, &attemptDate, &active,
			&r.DurationTakenSeconds, &r.Score, &r.CorrectAnswers, &status,
			&r.ExamTitle, &r.ExamIcon, &r.CategoryTitle, &r.TotalQuestions,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.AttemptDate = db.FromMillis(attemptDate)
		r.LastActivityAt = db.FromMillis(active)
		r.Status = AttemptStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx AttemptTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx, lock: db.ForUpdate(s.driver)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attempt tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx   *sql.Tx
	lock string
}

func (t *sqlTx) FindByID(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	return findAttempt(ctx, t.tx, id, t.lock)
}

func (t *sqlTx) ReplaceAnswers(ctx context.Context, attemptID, questionID uuid.UUID, choiceIDs []uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM answers
		WHERE attempt_id = $1 AND question_id = $2
	`, attemptID.String(), questionID.String()); err != nil {
		return fmt.Errorf("clear answers: %w", err)
	}
	for _, c := range choiceIDs {
		if err := insertAnswer(ctx, t.tx, Answer{AttemptID: attemptID, QuestionID: questionID, ChoiceID: c}); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) AppendAnswers(ctx context.Context, attemptID uuid.UUID, answers []Answer) error {
	for _, a := range answers {
		a.AttemptID = attemptID
		if err := insertAnswer(ctx, t.tx, a); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]Answer, error) {
	return listAnswers(ctx, t.tx, attemptID)
}

func (t *sqlTx) Save(ctx context.Context, a *Attempt) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attempts
		SET last_activity_at = $2,
			duration_taken_seconds = $3,
			score = $4,
			correct_answers = $5,
			status = $6
		WHERE id = $1 AND status = $7
	`, a.ID.String(), db.Millis(a.LastActivityAt), a.DurationTakenSeconds, a.Score, a.CorrectAnswers,
		string(a.Status), string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attempt rows: %w", err)
	}
	if n == 0 {
		return ErrAttemptFinalized
	}
	return nil
}

func insertAnswer(ctx context.Context, q queryable, a Answer) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO answers (attempt_id, question_id, choice_id)
		VALUES ($1, $2, $3)
	`, a.AttemptID.String(), a.QuestionID.String(), a.ChoiceID.String()); err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func findAttempt(ctx context.Context, q queryable, id uuid.UUID, lock string) (*Attempt, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts a
		WHERE a.id = $1`+lock, id.String())
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return a, nil
}

func listAnswers(ctx context.Context, q queryable, attemptID uuid.UUID) ([]Answer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT attempt_id, question_id, choice_id
		FROM answers
		WHERE attempt_id = $1
		ORDER BY question_id, choice_id
	`, attemptID.String())
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make([]Answer, 0)
	for rows.Next() {
		var a Answer
		if err := rows.Scan(&a.AttemptID, &a.QuestionID, &a.ChoiceID); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a                   Attempt
		attemptDate, active int64
		status              string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ExamID, &attemptDate, &active,
		&a.DurationTakenSeconds, &a.Score, &a.CorrectAnswers, &status); err != nil {
		return nil, err
	}
	a.AttemptDate = db.FromMillis(attemptDate)
	a.LastActivityAt = db.FromMillis(active)
	a.Status = AttemptStatus(status)
	return &a, nil
}
