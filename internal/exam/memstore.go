package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps exams, attempts and answers in process. It backs tests
// and single-node demos; transactions serialise on one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	exams    map[uuid.UUID]*Exam
	attempts map[uuid.UUID]*Attempt
	answers  map[uuid.UUID][]Answer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exams:    make(map[uuid.UUID]*Exam),
		attempts: make(map[uuid.UUID]*Attempt),
		answers:  make(map[uuid.UUID][]Answer),
	}
}

func (s *MemoryStore) PutExam(e *Exam) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneExam(e)
	s.exams[e.ID] = cp
}

func (s *MemoryStore) GetExamWithQuestions(_ context.Context, examID uuid.UUID) (*Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[examID]
	if !ok {
		return nil, nil
	}
	return cloneExam(e), nil
}

func (s *MemoryStore) Create(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == StatusInProgress {
		for _, other := range s.attempts {
			if other.UserID == a.UserID && other.ExamID == a.ExamID && other.Status == StatusInProgress {
				return ErrAttemptConflict
			}
		}
	}
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindLatestInProgress(_ context.Context, userID string, examID uuid.UUID) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Attempt
	for _, a := range s.attempts {
		if a.UserID != userID || a.ExamID != examID || a.Status != StatusInProgress {
			continue
		}
		if latest == nil || a.AttemptDate.After(latest.AttemptDate) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrAttemptNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListAnswers(_ context.Context, attemptID uuid.UUID) ([]Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Answer(nil), s.answers[attemptID]...), nil
}

func (s *MemoryStore) MaxScore(_ context.Context, userID string, examID, exclude uuid.UUID, statuses ...AttemptStatus) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, found := 0, false
	for _, a := range s.attempts {
		if a.UserID != userID || a.ExamID != examID || a.ID == exclude || !hasStatus(a.Status, statuses) {
			continue
		}
		if !found || a.Score > best {
			best, found = a.Score, true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, 0)
	for _, a := range s.attempts {
		if a.Status != StatusInProgress {
			continue
		}
		e, ok := s.exams[a.ExamID]
		if !ok || !a.Deadline(e.DurationMinutes).Before(now) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptDate.Before(out[j].AttemptDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, f HistoryFilter) ([]HistoryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryRow, 0)
	for _, a := range s.attempts {
		if a.UserID != f.UserID || !a.Status.Terminal() {
			continue
		}
		if f.ExamID != nil && a.ExamID != *f.ExamID {
			continue
		}
		if f.Cursor != nil && !beforeCursor(a, *f.Cursor, f.CursorID) {
			continue
		}
		e := s.exams[a.ExamID]
		if e == nil {
			continue
		}
		if f.CategoryID != nil && e.CategoryID != *f.CategoryID {
			continue
		}
		out = append(out, HistoryRow{
			Attempt:        *a,
			ExamTitle:      e.Title,
			ExamIcon:       e.Icon,
			CategoryTitle:  e.CategoryTitle,
			TotalQuestions: len(e.Questions),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttemptDate.Equal(out[j].AttemptDate) {
			return out[i].AttemptDate.After(out[j].AttemptDate)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func beforeCursor(a *Attempt, cursor time.Time, cursorID *uuid.UUID) bool {
	if a.AttemptDate.Before(cursor) {
		return true
	}
	return cursorID != nil && a.AttemptDate.Equal(cursor) && a.ID.String() < cursorID.String()
}

// WithinTx stages writes and applies them only when fn succeeds, so a
// failed or cancelled unit of work leaves no partial answer replacement.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx AttemptTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		attempts: make(map[uuid.UUID]*Attempt),
		answers:  make(map[uuid.UUID][]Answer),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, a := range tx.attempts {
		s.attempts[id] = a
	}
	for id, rows := range tx.answers {
		s.answers[id] = rows
	}
	return nil
}

type memTx struct {
	store    *MemoryStore
	attempts map[uuid.UUID]*Attempt
	answers  map[uuid.UUID][]Answer
}

func (t *memTx) current(id uuid.UUID) (*Attempt, bool) {
	if a, ok := t.attempts[id]; ok {
		return a, true
	}
	a, ok := t.store.attempts[id]
	return a, ok
}

func (t *memTx) currentAnswers(attemptID uuid.UUID) []Answer {
	if rows, ok := t.answers[attemptID]; ok {
		return rows
	}
	return t.store.answers[attemptID]
}

func (t *memTx) FindByID(_ context.Context, id uuid.UUID) (*Attempt, error) {
	a, ok := t.current(id)
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) ReplaceAnswers(_ context.Context, attemptID, questionID uuid.UUID, choiceIDs []uuid.UUID) error {
	existing := t.currentAnswers(attemptID)
	next := make([]Answer, 0, len(existing)+len(choiceIDs))
	for _, r := range existing {
		if r.QuestionID != questionID {
			next = append(next, r)
		}
	}
	for _, c := range choiceIDs {
		next = append(next, Answer{AttemptID: attemptID, QuestionID: questionID, ChoiceID: c})
	}
	t.answers[attemptID] = next
	return nil
}

func (t *memTx) AppendAnswers(_ context.Context, attemptID uuid.UUID, answers []Answer) error {
	existing := t.currentAnswers(attemptID)
	next := make([]Answer, 0, len(existing)+len(answers))
	next = append(next, existing...)
	next = append(next, answers...)
	t.answers[attemptID] = next
	return nil
}

func (t *memTx) ListAnswers(_ context.Context, attemptID uuid.UUID) ([]Answer, error) {
	return append([]Answer(nil), t.currentAnswers(attemptID)...), nil
}

func (t *memTx) Save(_ context.Context, a *Attempt) error {
	stored, ok := t.current(a.ID)
	if !ok {
		return ErrAttemptNotFound
	}
	if stored.Status != StatusInProgress {
		return ErrAttemptFinalized
	}
	cp := *a
	t.attempts[a.ID] = &cp
	return nil
}

func hasStatus(s AttemptStatus, statuses []AttemptStatus) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func cloneExam(e *Exam) *Exam {
	cp := *e
	cp.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.Choices = append([]Choice(nil), q.Choices...)
		cp.Questions[i] = q
	}
	return &cp
}
