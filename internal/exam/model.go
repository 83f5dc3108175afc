package exam

import (
	"time"

	"github.com/google/uuid"
)

type ExamStatus string

const (
	ExamDraft     ExamStatus = "Draft"
	ExamScheduled ExamStatus = "Scheduled"
	ExamActive    ExamStatus = "Active"
	ExamCompleted ExamStatus = "Completed"
)

type QuestionType string

const (
	SingleChoice   QuestionType = "SingleChoice"
	MultipleChoice QuestionType = "MultipleChoice"
)

type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "InProgress"
	StatusCompleted  AttemptStatus = "Completed"
	StatusTimedOut   AttemptStatus = "TimedOut"
)

func (s AttemptStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut
}

// Exam is read-only to the attempt lifecycle.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	CategoryID      uuid.UUID  `json:"category_id"`
	CategoryTitle   string     `json:"category_title,omitempty"`
	Title           string     `json:"title"`
	Icon            string     `json:"icon,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	IsActive        bool       `json:"is_active"`
	Status          ExamStatus `json:"status"`
	Questions       []Question `json:"questions"`
}

func (e *Exam) DurationSeconds() int {
	return e.DurationMinutes * 60
}

func (e *Exam) question(id uuid.UUID) (*Question, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

func (q *Question) hasChoice(id uuid.UUID) bool {
	for _, c := range q.Choices {
		if c.ID == id {
			return true
		}
	}
	return false
}

type Question struct {
	ID      uuid.UUID    `json:"id"`
	ExamID  uuid.UUID    `json:"exam_id"`
	Title   string       `json:"title"`
	Type    QuestionType `json:"type"`
	Choices []Choice     `json:"choices"`
}

// Choice.IsCorrect is server-side only; clients get ChoiceView.
type Choice struct {
	ID         uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	IsCorrect  bool      `json:"is_correct"`
	ChoiceType string    `json:"choice_type,omitempty"`
	FilePath   string    `json:"file_path,omitempty"`
}

type Attempt struct {
	ID                   uuid.UUID     `json:"id"`
	UserID               string        `json:"user_id"`
	ExamID               uuid.UUID     `json:"exam_id"`
	AttemptDate          time.Time     `json:"attempt_date"`
	LastActivityAt       time.Time     `json:"last_activity_at"`
	DurationTakenSeconds int           `json:"duration_taken_seconds"`
	Score                int           `json:"score"`
	CorrectAnswers       int           `json:"correct_answers"`
	Status               AttemptStatus `json:"status"`
}

func (a *Attempt) Deadline(durationMinutes int) time.Time {
	return a.AttemptDate.Add(time.Duration(durationMinutes) * time.Minute)
}

// Answer is one selected choice. Multi-select questions produce several rows
// sharing AttemptID and QuestionID.
type Answer struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	ChoiceID   uuid.UUID `json:"choice_id"`
}

type AnswerSubmission struct {
	QuestionID        uuid.UUID   `json:"questionId" validate:"required"`
	SelectedChoiceIDs []uuid.UUID `json:"selectedChoiceIds" validate:"required,min=1"`
}

type ChoiceView struct {
	ID         uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	ChoiceType string    `json:"choiceType,omitempty"`
	FilePath   string    `json:"filePath,omitempty"`
}

type QuestionView struct {
	ID      uuid.UUID    `json:"id"`
	Title   string       `json:"title"`
	Type    QuestionType `json:"type"`
	Choices []ChoiceView `json:"choices"`
}

// Views strips correctness flags.
func Views(questions []Question) []QuestionView {
	out := make([]QuestionView, 0, len(questions))
	for _, q := range questions {
		v := QuestionView{ID: q.ID, Title: q.Title, Type: q.Type, Choices: make([]ChoiceView, 0, len(q.Choices))}
		for _, c := range q.Choices {
			v.Choices = append(v.Choices, ChoiceView{ID: c.ID, Text: c.Text, ChoiceType: c.ChoiceType, FilePath: c.FilePath})
		}
		out = append(out, v)
	}
	return out
}
