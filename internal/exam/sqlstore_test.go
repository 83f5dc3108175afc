package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"examonline/internal/db"
)

func openSQLiteStore(t *testing.T) (*sql.DB, *SQLStore) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory", uuid.NewString())
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, NewSQLStore(conn, db.DriverSQLite)
}

func seedSQLExam(t *testing.T, conn *sql.DB, f examFixture) {
	t.Helper()
	ctx := context.Background()
	e := f.exam
	now := db.Millis(t0)
	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO categories (id, title, created_at) VALUES ($1, $2, $3)`, e.CategoryID.String(), e.CategoryTitle, now)
	mustExec(`
		INSERT INTO exams (id, category_id, title, icon, duration_minutes, start_date, end_date, is_active, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID.String(), e.CategoryID.String(), e.Title, e.Icon, e.DurationMinutes,
		db.Millis(e.StartDate), db.Millis(e.EndDate), e.IsActive, string(e.Status), now, now)
	for qi, q := range e.Questions {
		mustExec(`INSERT INTO questions (id, exam_id, title, type, position, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			q.ID.String(), e.ID.String(), q.Title, string(q.Type), qi, now)
		for ci, c := range q.Choices {
			mustExec(`INSERT INTO choices (id, question_id, text, is_correct, position) VALUES ($1, $2, $3, $4, $5)`,
				c.ID.String(), q.ID.String(), c.Text, c.IsCorrect, ci)
		}
	}
}

func TestSQLContentLoadsExam(t *testing.T) {
	conn, _ := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)

	got, err := NewSQLContent(conn).GetExamWithQuestions(context.Background(), f.exam.ID)
	if err != nil {
		t.Fatalf("GetExamWithQuestions: %v", err)
	}
	if got == nil || got.Title != f.exam.Title || got.CategoryTitle != "Science" {
		t.Fatalf("unexpected exam %+v", got)
	}
	if !got.StartDate.Equal(f.exam.StartDate) || got.Status != ExamActive || !got.IsActive {
		t.Fatalf("unexpected schedule %+v", got)
	}
	if len(got.Questions) != 2 || got.Questions[0].ID != f.q1 || len(got.Questions[0].Choices) != 2 {
		t.Fatalf("unexpected questions %+v", got.Questions)
	}
	if !got.Questions[0].Choices[0].IsCorrect || got.Questions[0].Choices[1].IsCorrect {
		t.Fatalf("expected correctness flags to round trip, got %+v", got.Questions[0].Choices)
	}

	missing, err := NewSQLContent(conn).GetExamWithQuestions(context.Background(), uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil exam for unknown id, got %+v err=%v", missing, err)
	}
}

func TestSQLStoreSingleInProgressPerExam(t *testing.T) {
	conn, store := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)
	ctx := context.Background()

	a := &Attempt{ID: uuid.New(), UserID: "u1", ExamID: f.exam.ID, AttemptDate: t0, LastActivityAt: t0, Status: StatusInProgress}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *a
	dup.ID = uuid.New()
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrAttemptConflict) {
		t.Fatalf("expected ErrAttemptConflict, got %v", err)
	}

	got, err := store.FindLatestInProgress(ctx, "u1", f.exam.ID)
	if err != nil {
		t.Fatalf("FindLatestInProgress: %v", err)
	}
	if got.ID != a.ID || !got.AttemptDate.Equal(t0) {
		t.Fatalf("unexpected attempt %+v", got)
	}
	if _, err := store.FindByID(ctx, uuid.New()); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestSQLStoreSaveIsCompareAndSwap(t *testing.T) {
	conn, store := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)
	ctx := context.Background()

	a := &Attempt{ID: uuid.New(), UserID: "u1", ExamID: f.exam.ID, AttemptDate: t0, LastActivityAt: t0, Status: StatusInProgress}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	finish := func(score int) error {
		return store.WithinTx(ctx, func(tx AttemptTx) error {
			cur, err := tx.FindByID(ctx, a.ID)
			if err != nil {
				return err
			}
			cur.Status = StatusCompleted
			cur.Score = score
			return tx.Save(ctx, cur)
		})
	}
	if err := finish(80); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := finish(10); !errors.Is(err, ErrAttemptFinalized) {
		t.Fatalf("expected ErrAttemptFinalized, got %v", err)
	}
	got, _ := store.FindByID(ctx, a.ID)
	if got.Score != 80 || got.Status != StatusCompleted {
		t.Fatalf("expected first finalization to stick, got %+v", got)
	}
}

func TestSQLStoreRollsBackFailedTx(t *testing.T) {
	conn, store := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)
	ctx := context.Background()

	a := &Attempt{ID: uuid.New(), UserID: "u1", ExamID: f.exam.ID, AttemptDate: t0, LastActivityAt: t0, Status: StatusInProgress}
	_ = store.Create(ctx, a)
	_ = store.WithinTx(ctx, func(tx AttemptTx) error {
		return tx.ReplaceAnswers(ctx, a.ID, f.q1, []uuid.UUID{f.x})
	})

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx AttemptTx) error {
		if err := tx.ReplaceAnswers(ctx, a.ID, f.q1, []uuid.UUID{f.w}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	rows, err := store.ListAnswers(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(rows) != 1 || rows[0].ChoiceID != f.x {
		t.Fatalf("expected rollback to keep the earlier answer, got %+v", rows)
	}
}

func TestSQLStoreOverdueAndHistory(t *testing.T) {
	conn, store := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)
	ctx := context.Background()

	mk := func(user string, at time.Time, status AttemptStatus, score int) *Attempt {
		t.Helper()
		a := &Attempt{ID: uuid.New(), UserID: user, ExamID: f.exam.ID, AttemptDate: at, LastActivityAt: at, Status: status, Score: score}
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
		return a
	}
	old := mk("u1", t0, StatusCompleted, 40)
	newer := mk("u1", t0.Add(time.Hour), StatusTimedOut, 90)
	mk("u1", t0.Add(2*time.Hour), StatusInProgress, 0)
	stale := mk("u2", t0, StatusInProgress, 0)

	overdue, err := store.ListOverdue(ctx, t0.Add(2*time.Hour+10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != stale.ID {
		t.Fatalf("expected only the stale attempt overdue, got %+v", overdue)
	}

	rows, err := store.ListHistory(ctx, HistoryFilter{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != newer.ID || rows[1].ID != old.ID {
		t.Fatalf("expected terminal attempts newest first, got %+v", rows)
	}
	if rows[0].TotalQuestions != 2 || rows[0].ExamTitle != f.exam.Title || rows[0].CategoryTitle != "Science" {
		t.Fatalf("unexpected joined columns %+v", rows[0])
	}

	cursor := rows[0].AttemptDate
	rows, err = store.ListHistory(ctx, HistoryFilter{UserID: "u1", Cursor: &cursor, CategoryID: &f.exam.CategoryID, Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory with cursor: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != old.ID {
		t.Fatalf("expected only attempts older than the cursor, got %+v", rows)
	}

	best, found, err := store.MaxScore(ctx, "u1", f.exam.ID, uuid.Nil, StatusCompleted)
	if err != nil || !found || best != 40 {
		t.Fatalf("expected completed max 40, got %d found=%v err=%v", best, found, err)
	}
	best, found, err = store.MaxScore(ctx, "u1", f.exam.ID, old.ID, StatusCompleted)
	if err != nil || found {
		t.Fatalf("expected no other completed attempt, got %d found=%v err=%v", best, found, err)
	}
}

func TestServiceOnSQLStore(t *testing.T) {
	conn, store := openSQLiteStore(t)
	f := newExamFixture()
	seedSQLExam(t, conn, f)
	svc := NewService(store, NewSQLContent(conn), Options{})
	ctx := context.Background()

	start, err := svc.StartAttempt(ctx, "u1", f.exam.ID, t0)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if _, err := svc.SaveProgress(ctx, "u1", start.UserExamID, []AnswerSubmission{
		{QuestionID: f.q1, SelectedChoiceIDs: []uuid.UUID{f.w}},
	}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	res, err := svc.SubmitAttempt(ctx, "u1", start.UserExamID, []AnswerSubmission{
		{QuestionID: f.q1, SelectedChoiceIDs: []uuid.UUID{f.x}},
		{QuestionID: f.q2, SelectedChoiceIDs: []uuid.UUID{f.z}},
	}, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("SubmitAttempt: %v", err)
	}
	if res.Score != 50 || res.AttemptStatus != StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}

	rows, _ := store.ListAnswers(ctx, start.UserExamID)
	if len(rows) != 2 {
		t.Fatalf("expected saved answer for q1 replaced on submit, got %+v", rows)
	}
	if _, err := svc.SubmitAttempt(ctx, "u1", start.UserExamID, nil, t0.Add(6*time.Minute)); err == nil {
		t.Fatalf("expected second submit to fail")
	}
}

func TestHistoryCursorBreaksTiesByID(t *testing.T) {
	f := newExamFixture()
	stores := map[string]func(t *testing.T) AttemptStore{
		"memory": func(t *testing.T) AttemptStore {
			s := NewMemoryStore()
			s.PutExam(f.exam)
			return s
		},
		"sqlite": func(t *testing.T) AttemptStore {
			conn, s := openSQLiteStore(t)
			seedSQLExam(t, conn, f)
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				a := &Attempt{ID: uuid.New(), UserID: "u1", ExamID: f.exam.ID, AttemptDate: t0, LastActivityAt: t0, Status: StatusCompleted, Score: i}
				if err := store.Create(ctx, a); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			older := &Attempt{ID: uuid.New(), UserID: "u1", ExamID: f.exam.ID, AttemptDate: t0.Add(-time.Minute), LastActivityAt: t0, Status: StatusCompleted}
			if err := store.Create(ctx, older); err != nil {
				t.Fatalf("create older: %v", err)
			}

			seen := map[uuid.UUID]bool{}
			var cursor *time.Time
			var cursorID *uuid.UUID
			for pages := 0; pages < 10; pages++ {
				rows, err := store.ListHistory(ctx, HistoryFilter{UserID: "u1", Cursor: cursor, CursorID: cursorID, Limit: 2})
				if err != nil {
					t.Fatalf("ListHistory: %v", err)
				}
				if len(rows) == 0 {
					break
				}
				for _, r := range rows {
					if seen[r.ID] {
						t.Fatalf("attempt %s returned twice", r.ID)
					}
					seen[r.ID] = true
				}
				last := rows[len(rows)-1]
				cursor, cursorID = &last.AttemptDate, &last.ID
			}
			if len(seen) != 4 || !seen[older.ID] {
				t.Fatalf("expected all 4 attempts across pages, got %d", len(seen))
			}
		})
	}
}
