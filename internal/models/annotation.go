// Package models defines the domain types for Marginalia.
package models

import (
	"path/filepath"
	"strings"
	"time"
)

// DocumentIdentity is a stable key for "this document" across sessions.
// Annotations are always scoped to exactly one identity.
type DocumentIdentity string

// IdentityFor derives the identity of a vault document from its relative path.
func IdentityFor(path string) DocumentIdentity {
	p := filepath.ToSlash(filepath.Clean(path))
	return DocumentIdentity(strings.TrimPrefix(p, "./"))
}

// Key returns the persistence key under which the document's annotations live.
func (d DocumentIdentity) Key() string {
	return "annotations/" + string(d)
}

func (d DocumentIdentity) String() string { return string(d) }

// FractionalRect is a rectangle relative to its page's bounds. Every
// component lies in [0,1].
type FractionalRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// QuestionState is the lifecycle position of an annotation's question.
type QuestionState string

const (
	QuestionNone     QuestionState = "none"
	QuestionPending  QuestionState = "pending"
	QuestionAnswered QuestionState = "answered"
)

// Annotation binds a text selection to page-relative geometry.
type Annotation struct {
	ID           string           `json:"id"`
	DocumentID   DocumentIdentity `json:"document_id"`
	PageNumber   int              `json:"page_number"`
	Rects        []FractionalRect `json:"rects"`
	SelectedText string           `json:"selected_text"`
	Color        string           `json:"color,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Question     string           `json:"question,omitempty"`
	QuestionID   string           `json:"question_id,omitempty"`
	Answer       string           `json:"answer,omitempty"`
	AnsweredAt   *time.Time       `json:"answered_at,omitempty"`
	Stale        bool             `json:"stale,omitempty"`
}

// QuestionState reports where the annotation is in the question lifecycle.
func (a Annotation) QuestionState() QuestionState {
	switch {
	case a.QuestionID == "":
		return QuestionNone
	case a.AnsweredAt != nil:
		return QuestionAnswered
	default:
		return QuestionPending
	}
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (a Annotation) Clone() Annotation {
	c := a
	c.Rects = append([]FractionalRect(nil), a.Rects...)
	if a.AnsweredAt != nil {
		t := *a.AnsweredAt
		c.AnsweredAt = &t
	}
	return c
}

// AnnotationDraft is what a finalized selection produces before it is stored.
type AnnotationDraft struct {
	PageNumber   int              `json:"page_number"`
	Rects        []FractionalRect `json:"rects"`
	SelectedText string           `json:"selected_text"`
	Color        string           `json:"color,omitempty"`
}
