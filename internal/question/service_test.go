package question

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/db"
	"examonline/internal/exam"
)

func newTestService(t *testing.T) (*Service, *sql.DB, *cache.TwoTier) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory", uuid.NewString())
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := cache.New(nil, cache.Options{})
	return NewService(conn, Options{Cache: c, Invalidator: cache.NewInvalidator(c, zerolog.Nop())}), conn, c
}

func seedExam(t *testing.T, conn *sql.DB) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := db.Millis(time.Now())
	categoryID, examID := uuid.New(), uuid.New()
	if _, err := conn.ExecContext(ctx, `INSERT INTO categories (id, title, created_at) VALUES ($1, $2, $3)`, categoryID.String(), "Science", now); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO exams (id, category_id, title, icon, duration_minutes, start_date, end_date, is_active, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, examID.String(), categoryID.String(), "Physics", "", 30, now, now+3600_000, true, "Active", now); err != nil {
		t.Fatalf("seed exam: %v", err)
	}
	return examID
}

func singleChoice(title string) QuestionInput {
	return QuestionInput{
		Title: title,
		Type:  exam.SingleChoice,
		Choices: []ChoiceInput{
			{Text: "yes", IsCorrect: true},
			{Text: "no"},
		},
	}
}

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		name    string
		in      QuestionInput
		wantErr bool
	}{
		{name: "single valid", in: singleChoice("Is light a wave?")},
		{name: "multiple valid", in: QuestionInput{Title: "Pick primes", Type: exam.MultipleChoice, Choices: []ChoiceInput{{Text: "2", IsCorrect: true}, {Text: "3", IsCorrect: true}, {Text: "4"}}}},
		{name: "image only choice", in: QuestionInput{Title: "Which graph?", Type: exam.SingleChoice, Choices: []ChoiceInput{{FilePath: "choices/a.png", IsCorrect: true}, {Text: "none"}}}},
		{name: "short title", in: QuestionInput{Title: "Hi", Type: exam.SingleChoice, Choices: singleChoice("x").Choices}, wantErr: true},
		{name: "unknown type", in: QuestionInput{Title: "Essay", Type: "Essay", Choices: singleChoice("x").Choices}, wantErr: true},
		{name: "one choice", in: QuestionInput{Title: "Lonely", Type: exam.SingleChoice, Choices: []ChoiceInput{{Text: "a", IsCorrect: true}}}, wantErr: true},
		{name: "no correct", in: QuestionInput{Title: "Nothing right", Type: exam.MultipleChoice, Choices: []ChoiceInput{{Text: "a"}, {Text: "b"}}}, wantErr: true},
		{name: "single with two correct", in: QuestionInput{Title: "Too right", Type: exam.SingleChoice, Choices: []ChoiceInput{{Text: "a", IsCorrect: true}, {Text: "b", IsCorrect: true}}}, wantErr: true},
		{name: "empty choice", in: QuestionInput{Title: "Blank", Type: exam.SingleChoice, Choices: []ChoiceInput{{Text: " ", IsCorrect: true}, {Text: "b"}}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := normalizeQuestion(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", q)
				}
				if apperr.KindOf(err) != apperr.KindBusinessRule {
					t.Fatalf("expected business rule error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}

	q, _ := normalizeQuestion(QuestionInput{Title: "Which graph?", Type: exam.SingleChoice, Choices: []ChoiceInput{{FilePath: "choices/a.png", IsCorrect: true}, {Text: "none"}}})
	if q.Choices[0].ChoiceType != "Image" || q.Choices[1].ChoiceType != "Text" {
		t.Fatalf("expected inferred choice types, got %+v", q.Choices)
	}
}

func TestQuestionCRUD(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()
	examID := seedExam(t, conn)

	first, err := svc.CreateQuestion(ctx, examID, singleChoice("Is light a wave?"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.CreateQuestion(ctx, examID, singleChoice("Is sound a wave?"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.Position != 0 || second.Position != 1 {
		t.Fatalf("expected sequential positions, got %d and %d", first.Position, second.Position)
	}

	list, err := svc.ListByExam(ctx, examID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || len(list[0].Choices) != 2 || !list[0].Choices[0].IsCorrect {
		t.Fatalf("unexpected list %+v", list)
	}

	updated, err := svc.UpdateQuestion(ctx, first.ID, QuestionInput{
		Title:   "Pick the waves",
		Type:    exam.MultipleChoice,
		Choices: []ChoiceInput{{Text: "light", IsCorrect: true}, {Text: "sound", IsCorrect: true}, {Text: "rock"}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Position != 0 || updated.ExamID != examID {
		t.Fatalf("expected position and exam to be kept, got %+v", updated)
	}

	got, err := svc.GetQuestion(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != exam.MultipleChoice || len(got.Choices) != 3 || got.Choices[2].Text != "rock" {
		t.Fatalf("expected choices replaced, got %+v", got)
	}

	list, _ = svc.ListByExam(ctx, examID)
	if list[0].Title != "Pick the waves" {
		t.Fatalf("expected cached list to be invalidated, got %q", list[0].Title)
	}

	if err := svc.DeleteQuestion(ctx, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteQuestion(ctx, second.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	var choices int
	_ = conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM choices WHERE question_id = $1`, second.ID.String()).Scan(&choices)
	if choices != 0 {
		t.Fatalf("expected choices to cascade, got %d", choices)
	}
}

func TestQuestionNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateQuestion(ctx, uuid.New(), singleChoice("Orphan question")); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found for unknown exam, got %v", err)
	}
	if _, err := svc.ListByExam(ctx, uuid.New()); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found listing unknown exam, got %v", err)
	}
	if _, err := svc.UpdateQuestion(ctx, uuid.New(), singleChoice("Ghost question")); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found updating unknown question, got %v", err)
	}
	if _, err := svc.GetQuestion(ctx, uuid.New()); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewQuestionReachesCachedExamContent(t *testing.T) {
	svc, conn, c := newTestService(t)
	ctx := context.Background()
	examID := seedExam(t, conn)
	content := exam.NewCachedContent(exam.NewSQLContent(conn), c)

	e, err := content.GetExamWithQuestions(ctx, examID)
	if err != nil || e == nil {
		t.Fatalf("load exam: %+v err=%v", e, err)
	}
	if len(e.Questions) != 0 {
		t.Fatalf("expected empty exam, got %d questions", len(e.Questions))
	}

	if _, err := svc.CreateQuestion(ctx, examID, singleChoice("Is light a wave?")); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err = content.GetExamWithQuestions(ctx, examID)
	if err != nil {
		t.Fatalf("reload exam: %v", err)
	}
	if len(e.Questions) != 1 {
		t.Fatalf("expected exam cache to be dropped after question write, got %d questions", len(e.Questions))
	}
}
