package question

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"examonline/internal/app/apiresp"
	"examonline/internal/apperr"
	"examonline/internal/exam"
)

type Handler struct {
	svc questionService
}

type questionService interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]Question, error)
	GetQuestion(ctx context.Context, id uuid.UUID) (*Question, error)
	CreateQuestion(ctx context.Context, examID uuid.UUID, in QuestionInput) (*Question, error)
	UpdateQuestion(ctx context.Context, id uuid.UUID, in QuestionInput) (*Question, error)
	DeleteQuestion(ctx context.Context, id uuid.UUID) error
	QuestionDeletionImpact(ctx context.Context, id uuid.UUID) (*DeletionImpact, error)
}

type choiceRequest struct {
	Text       string `json:"text" validate:"max=100"`
	IsCorrect  bool   `json:"isCorrect"`
	ChoiceType string `json:"choiceType" validate:"omitempty,oneof=Text Image"`
	FilePath   string `json:"filePath" validate:"max=500"`
}

type questionRequest struct {
	Title   string          `json:"title" validate:"required,min=3,max=100"`
	Type    string          `json:"type" validate:"required,oneof=SingleChoice MultipleChoice"`
	Choices []choiceRequest `json:"choices" validate:"required,min=2,dive"`
}

func (r questionRequest) input() QuestionInput {
	in := QuestionInput{Title: r.Title, Type: exam.QuestionType(r.Type), Choices: make([]ChoiceInput, 0, len(r.Choices))}
	for _, c := range r.Choices {
		in.Choices = append(in.Choices, ChoiceInput{
			Text:       c.Text,
			IsCorrect:  c.IsCorrect,
			ChoiceType: c.ChoiceType,
			FilePath:   c.FilePath,
		})
	}
	return in
}

func NewHandler(svc questionService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) ListByExam(w http.ResponseWriter, r *http.Request) {
	examID, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	items, err := h.svc.ListByExam(r.Context(), examID)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	q, err := h.svc.GetQuestion(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	examID, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	var req questionRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	q, err := h.svc.CreateQuestion(r.Context(), examID, req.input())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, q)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	var req questionRequest
	if err := apiresp.Bind(r, &req); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	q, err := h.svc.UpdateQuestion(r.Context(), id, req.input())
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	if err := h.svc.DeleteQuestion(r.Context(), id); err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *Handler) DeletionImpact(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	out, err := h.svc.QuestionDeletionImpact(r.Context(), id)
	if err != nil {
		apiresp.WriteErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return uuid.Nil, apperr.BusinessRule("invalid " + name)
	}
	return id, nil
}
