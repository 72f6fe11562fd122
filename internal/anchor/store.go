// Package anchor keeps the annotation collection of one document and writes
// it through to durable key-value storage on every mutation.
//
// A Store does no locking. The host must serialize calls for a document,
// typically by owning one session per open document.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/models"
)

// envelopeVersion is bumped when the persisted layout changes incompatibly.
const envelopeVersion = 1

// Persistence is the durable key-value boundary supplied by the host.
// Get returns apperr.ErrNotFound when the key has never been written.
type Persistence interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type envelope struct {
	Version     int                     `json:"version"`
	Document    models.DocumentIdentity `json:"document"`
	Annotations []models.Annotation     `json:"annotations"`
}

// Store is the annotation collection for a single document.
type Store struct {
	doc     models.DocumentIdentity
	persist Persistence
	items   []models.Annotation

	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides annotation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// Open loads the collection for doc. When the stored data cannot be decoded
// the returned store is empty and usable, and the error wraps
// apperr.ErrPersistenceCorrupt so the host can tell the user prior
// highlights were lost. Other read failures are returned with a nil store.
func Open(ctx context.Context, p Persistence, doc models.DocumentIdentity, opts ...Option) (*Store, error) {
	s := &Store{
		doc:     doc,
		persist: p,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := p.Get(ctx, doc.Key())
	if errors.Is(err, apperr.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: load %s: %w", doc, err)
	}

	items, err := decode(raw, doc)
	if err != nil {
		return s, fmt.Errorf("anchor: load %s: %w: %v", doc, apperr.ErrPersistenceCorrupt, err)
	}
	s.items = items
	return s, nil
}

func decode(raw []byte, doc models.DocumentIdentity) ([]models.Annotation, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Document != doc {
		return nil, fmt.Errorf("envelope belongs to %q", env.Document)
	}
	for _, a := range env.Annotations {
		if a.ID == "" || a.PageNumber < 1 || len(a.Rects) == 0 {
			return nil, fmt.Errorf("malformed annotation %q", a.ID)
		}
	}
	return env.Annotations, nil
}

// Document returns the identity this store is scoped to.
func (s *Store) Document() models.DocumentIdentity { return s.doc }

// Add stores a new annotation built from draft.
func (s *Store) Add(ctx context.Context, draft models.AnnotationDraft) (models.Annotation, error) {
	if err := validateDraft(draft); err != nil {
		return models.Annotation{}, fmt.Errorf("anchor: add: %w: %v", apperr.ErrInvalidInput, err)
	}
	a := models.Annotation{
		ID:           s.newID(),
		DocumentID:   s.doc,
		PageNumber:   draft.PageNumber,
		Rects:        append([]models.FractionalRect(nil), draft.Rects...),
		SelectedText: draft.SelectedText,
		Color:        draft.Color,
		CreatedAt:    s.now(),
	}
	err := s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		return append(items, a)
	})
	if err != nil {
		return models.Annotation{}, err
	}
	return a.Clone(), nil
}

func validateDraft(d models.AnnotationDraft) error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.PageNumber, validation.Required, validation.Min(1)),
		validation.Field(&d.Rects, validation.Required, validation.Each(validation.By(func(v any) error {
			r, _ := v.(models.FractionalRect)
			if !geometry.Valid(r) {
				return errors.New("rect components must lie within [0,1]")
			}
			return nil
		}))),
	)
}

// Remove deletes the annotation with id. Unknown ids are a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	if s.index(id) < 0 {
		return nil
	}
	return s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		return slices.DeleteFunc(items, func(a models.Annotation) bool { return a.ID == id })
	})
}

// AttachQuestion sets question and questionID together, dropping any answer
// left from a previous question.
func (s *Store) AttachQuestion(ctx context.Context, id, question, questionID string) error {
	if questionID == "" {
		return fmt.Errorf("anchor: attach question: %w: question id is required", apperr.ErrInvalidInput)
	}
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("anchor: annotation %s: %w", id, apperr.ErrNotFound)
	}
	return s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		a := &items[i]
		a.Question, a.QuestionID = question, questionID
		a.Answer, a.AnsweredAt = "", nil
		return items
	})
}

// DetachQuestion clears the question, its id and any answer. Calling it on
// an annotation without a question, or an unknown id, is a no-op.
func (s *Store) DetachQuestion(ctx context.Context, id string) error {
	i := s.index(id)
	if i < 0 || s.items[i].QuestionID == "" {
		return nil
	}
	return s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		a := &items[i]
		a.Question, a.QuestionID, a.Answer, a.AnsweredAt = "", "", "", nil
		return items
	})
}

// RecordAnswer stores answer when the annotation still carries questionID.
// It returns false when the answer belongs to a question that has since been
// cancelled or replaced; such answers are discarded.
func (s *Store) RecordAnswer(ctx context.Context, id, questionID, answer string) (bool, error) {
	i := s.index(id)
	if i < 0 || questionID == "" || s.items[i].QuestionID != questionID {
		return false, nil
	}
	at := s.now()
	err := s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		items[i].Answer = answer
		items[i].AnsweredAt = &at
		return items
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkStale flags the given annotations as no longer matching the document.
// Unknown ids and already-stale annotations are skipped.
func (s *Store) MarkStale(ctx context.Context, ids ...string) error {
	var hit []int
	for _, id := range ids {
		if i := s.index(id); i >= 0 && !s.items[i].Stale {
			hit = append(hit, i)
		}
	}
	if len(hit) == 0 {
		return nil
	}
	return s.mutate(ctx, func(items []models.Annotation) []models.Annotation {
		for _, i := range hit {
			items[i].Stale = true
		}
		return items
	})
}

// Get returns a copy of the annotation with id.
func (s *Store) Get(id string) (models.Annotation, bool) {
	i := s.index(id)
	if i < 0 {
		return models.Annotation{}, false
	}
	return s.items[i].Clone(), true
}

// List returns copies of every annotation in insertion order.
func (s *Store) List() []models.Annotation {
	out := make([]models.Annotation, len(s.items))
	for i, a := range s.items {
		out[i] = a.Clone()
	}
	return out
}

// ListForPage returns the annotations on page in insertion order.
func (s *Store) ListForPage(page int) []models.Annotation {
	var out []models.Annotation
	for _, a := range s.items {
		if a.PageNumber == page {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Len returns the number of stored annotations.
func (s *Store) Len() int { return len(s.items) }

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.items, func(a models.Annotation) bool { return a.ID == id })
}

// mutate applies fn to a copy of the collection, persists the result and
// only then swaps it in, so a failed write leaves the store unchanged.
func (s *Store) mutate(ctx context.Context, fn func([]models.Annotation) []models.Annotation) error {
	next := make([]models.Annotation, len(s.items))
	for i, a := range s.items {
		next[i] = a.Clone()
	}
	next = fn(next)

	raw, err := json.Marshal(envelope{Version: envelopeVersion, Document: s.doc, Annotations: next})
	if err != nil {
		return fmt.Errorf("anchor: encode: %w", err)
	}
	if err := s.persist.Set(ctx, s.doc.Key(), raw); err != nil {
		return fmt.Errorf("anchor: persist %s: %w", s.doc, err)
	}
	s.items = next
	return nil
}
