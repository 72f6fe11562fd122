package docservice

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/models"
	"github.com/starford/marginalia/internal/overlay"
	"github.com/starford/marginalia/internal/sse"
)

// CreateAnnotationInput is a finalized on-screen selection.
type CreateAnnotationInput struct {
	Page         int
	Rects        []geometry.PixelRect
	Bounds       geometry.PageBounds
	SelectedText string
	Color        string
}

// Validate checks the selection before any geometry is computed.
func (in CreateAnnotationInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Page, validation.Required, validation.Min(1)),
		validation.Field(&in.Rects, validation.Required),
		validation.Field(&in.SelectedText, validation.Required),
		validation.Field(&in.Color, validation.Length(0, 32)),
	)
}

// CreateAnnotation converts the selection to page-relative rects and stores
// it.
func (s *Service) CreateAnnotation(ctx context.Context, path string, in CreateAnnotationInput) (models.Annotation, error) {
	if err := in.Validate(); err != nil {
		return models.Annotation{}, fmt.Errorf("docservice: %w: %v", apperr.ErrInvalidInput, err)
	}
	if in.Bounds.Degenerate() {
		return models.Annotation{}, fmt.Errorf("docservice: %w: page bounds have no area", apperr.ErrInvalidInput)
	}
	rects := geometry.NormalizeSelection(in.Rects, in.Bounds)
	if len(rects) == 0 {
		return models.Annotation{}, fmt.Errorf("docservice: %w: selection lies outside the page", apperr.ErrInvalidInput)
	}

	sess, err := s.session(ctx, path)
	if err != nil {
		return models.Annotation{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	a, err := sess.store.Add(ctx, models.AnnotationDraft{
		PageNumber:   in.Page,
		Rects:        rects,
		SelectedText: in.SelectedText,
		Color:        in.Color,
	})
	if err != nil {
		return models.Annotation{}, err
	}
	s.changed(ctx, sess)
	s.events.PublishAnnotationEvent(sse.AnnotationCreated, sess.path, a.ID)
	return a, nil
}

// RemoveAnnotation deletes an annotation, abandoning any pending question.
// Removing an unknown id succeeds.
func (s *Service) RemoveAnnotation(ctx context.Context, path, id string) error {
	sess, err := s.session(ctx, path)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := sess.store.Get(id); !ok {
		return nil
	}
	if sess.flow.State(id) == models.QuestionPending {
		if err := sess.flow.Cancel(ctx, id); err != nil {
			return err
		}
	}
	if err := sess.store.Remove(ctx, id); err != nil {
		return err
	}
	s.changed(ctx, sess)
	s.events.PublishAnnotationEvent(sse.AnnotationRemoved, sess.path, id)
	return nil
}

// GetAnnotation returns one annotation or apperr.ErrNotFound.
func (s *Service) GetAnnotation(ctx context.Context, path, id string) (models.Annotation, error) {
	sess, err := s.session(ctx, path)
	if err != nil {
		return models.Annotation{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	a, ok := sess.store.Get(id)
	if !ok {
		return models.Annotation{}, fmt.Errorf("docservice: annotation %s: %w", id, apperr.ErrNotFound)
	}
	return a, nil
}

// ListAnnotations returns the document's annotations. page <= 0 lists all
// pages.
func (s *Service) ListAnnotations(ctx context.Context, path string, page int) ([]models.Annotation, error) {
	sess, err := s.session(ctx, path)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if page > 0 {
		return sess.store.ListForPage(page), nil
	}
	return sess.store.List(), nil
}

// Overlay projects the page's annotations onto bounds.
func (s *Service) Overlay(ctx context.Context, path string, page int, bounds geometry.PageBounds) ([]overlay.Overlay, error) {
	if page < 1 {
		return nil, fmt.Errorf("docservice: %w: page must be >= 1", apperr.ErrInvalidInput)
	}
	sess, err := s.session(ctx, path)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.renderer.Frame(page, bounds), nil
}

// AskQuestion attaches question to the annotation and starts answering it in
// the background. The returned annotation is in the pending state. An empty
// questionID gets a generated one.
func (s *Service) AskQuestion(ctx context.Context, path, id, question, questionID string) (models.Annotation, error) {
	if strings.TrimSpace(question) == "" {
		return models.Annotation{}, fmt.Errorf("docservice: %w: question is empty", apperr.ErrInvalidInput)
	}
	if questionID == "" {
		questionID = s.newQuestionID()
	}
	sess, err := s.session(ctx, path)
	if err != nil {
		return models.Annotation{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := sess.flow.Submit(ctx, id, question, questionID); err != nil {
		return models.Annotation{}, err
	}
	s.changed(ctx, sess)
	s.events.PublishAnnotationEvent(sse.AnnotationQuestionAsked, sess.path, id)
	a, _ := sess.store.Get(id)
	return a, nil
}

// CancelQuestion abandons a pending question. Annotations without a pending
// question are left as they are.
func (s *Service) CancelQuestion(ctx context.Context, path, id string) error {
	return s.clearQuestion(ctx, path, id, true)
}

// DetachQuestion removes the question and any answer from the annotation.
func (s *Service) DetachQuestion(ctx context.Context, path, id string) error {
	return s.clearQuestion(ctx, path, id, false)
}

func (s *Service) clearQuestion(ctx context.Context, path, id string, pendingOnly bool) error {
	sess, err := s.session(ctx, path)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := sess.store.Get(id); !ok {
		return fmt.Errorf("docservice: annotation %s: %w", id, apperr.ErrNotFound)
	}
	if pendingOnly && sess.flow.State(id) != models.QuestionPending {
		return nil
	}
	if err := sess.flow.Cancel(ctx, id); err != nil {
		return err
	}
	s.changed(ctx, sess)
	return nil
}
