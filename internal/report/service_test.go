package report

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"examonline/internal/apperr"
	"examonline/internal/db"
)

type seededExam struct {
	examID uuid.UUID
	alice  string
	bob    string
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory", uuid.NewString())
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewService(conn, nil, zerolog.Nop()), conn
}

func seed(t *testing.T, conn *sql.DB) seededExam {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	ms := db.Millis(now)
	s := seededExam{examID: uuid.New(), alice: uuid.NewString(), bob: uuid.NewString()}
	categoryID := uuid.NewString()

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	exec(`INSERT INTO users (id, username, password_hash, full_name, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		s.alice, "alice", "x", "Alice A", "student", ms)
	exec(`INSERT INTO users (id, username, password_hash, full_name, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		s.bob, "bob", "x", "Bob B", "student", ms)
	exec(`INSERT INTO categories (id, title, created_at) VALUES ($1, $2, $3)`, categoryID, "Science", ms)
	exec(`
		INSERT INTO exams (id, category_id, title, icon, duration_minutes, start_date, end_date, is_active, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $6, $6)
	`, s.examID.String(), categoryID, "Physics", "", 30, ms, ms+int64(time.Hour/time.Millisecond), true, "Active")
	for i := 0; i < 2; i++ {
		exec(`INSERT INTO questions (id, exam_id, title, type, position, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), s.examID.String(), fmt.Sprintf("Q%d", i+1), "SingleChoice", i, ms)
	}

	attempt := func(user, status string, score, correct int, at time.Time) {
		exec(`
			INSERT INTO attempts (id, user_id, exam_id, attempt_date, last_activity_at, duration_taken_seconds, score, correct_answers, status)
			VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8)
		`, uuid.NewString(), user, s.examID.String(), db.Millis(at), 600, score, correct, status)
	}
	attempt(s.alice, "Completed", 100, 2, now)
	attempt(s.alice, "TimedOut", 50, 1, now.Add(time.Hour))
	attempt(s.bob, "Completed", 0, 0, now.Add(2*time.Hour))
	attempt(s.bob, "InProgress", 0, 0, now.Add(3*time.Hour))
	return s
}

func TestSummaryByExam(t *testing.T) {
	svc, conn := newTestService(t)
	s := seed(t, conn)

	got, err := svc.SummaryByExam(context.Background(), s.examID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := ExamSummary{
		ExamID:         s.examID,
		ExamTitle:      "Physics",
		CategoryTitle:  "Science",
		Status:         "Active",
		TotalQuestions: 2,
		TotalAttempts:  4,
		Participants:   2,
		InProgress:     1,
		Completed:      2,
		TimedOut:       1,
		AverageScore:   50,
		HighestScore:   100,
		LowestScore:    0,
	}
	if *got != want {
		t.Fatalf("expected %+v, got %+v", want, *got)
	}

	if _, err := svc.SummaryByExam(context.Background(), uuid.New()); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSummaryWithoutAttempts(t *testing.T) {
	svc, conn := newTestService(t)
	s := seed(t, conn)
	if _, err := conn.Exec(`DELETE FROM attempts`); err != nil {
		t.Fatalf("clear attempts: %v", err)
	}

	got, err := svc.SummaryByExam(context.Background(), s.examID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.TotalAttempts != 0 || got.AverageScore != 0 || got.HighestScore != 0 {
		t.Fatalf("expected zeroed statistics, got %+v", got)
	}
}

func TestExportExamResultsExcel(t *testing.T) {
	svc, conn := newTestService(t)
	s := seed(t, conn)

	content, err := svc.ExportExamResultsExcel(context.Background(), s.examID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("Results")
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header plus 4 attempts, got %d rows", len(rows))
	}
	if rows[0][0] != "username" || rows[1][0] != "alice" || rows[1][3] != "100" {
		t.Fatalf("expected best attempt first, got %v", rows[1])
	}

	summary, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if summary[0][1] != "Physics" {
		t.Fatalf("expected exam title in summary sheet, got %v", summary[0])
	}
}
