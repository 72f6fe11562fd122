package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/marginalia/internal/docservice"
	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/index"
	"github.com/starford/marginalia/internal/models"
	"github.com/starford/marginalia/internal/overlay"
	"github.com/starford/marginalia/internal/patch"
)

// CreateAnnotationRequest is a finalized selection as the viewer saw it.
type CreateAnnotationRequest struct {
	Page         int                  `json:"page" example:"1" validate:"required"`
	Rects        []geometry.PixelRect `json:"rects" validate:"required"`
	Bounds       geometry.PageBounds  `json:"bounds" validate:"required"`
	SelectedText string               `json:"selected_text" example:"memory leak" validate:"required"`
	Color        string               `json:"color,omitempty" example:"yellow"`
}

// Validate implements validation.Validatable.
func (r CreateAnnotationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Page, validation.Required, validation.Min(1)),
		validation.Field(&r.Rects, validation.Required),
		validation.Field(&r.SelectedText, validation.Required),
		validation.Field(&r.Color, validation.Length(0, 32)),
	)
}

func (r CreateAnnotationRequest) input() docservice.CreateAnnotationInput {
	return docservice.CreateAnnotationInput{
		Page:         r.Page,
		Rects:        r.Rects,
		Bounds:       r.Bounds,
		SelectedText: r.SelectedText,
		Color:        r.Color,
	}
}

// AskQuestionRequest attaches a question to an annotation.
type AskQuestionRequest struct {
	Question   string `json:"question" example:"What does this mean?" validate:"required"`
	QuestionID string `json:"question_id,omitempty"`
}

// Validate implements validation.Validatable.
func (r AskQuestionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Question, validation.Required, validation.Length(1, 4000)),
		validation.Field(&r.QuestionID, validation.Length(0, 128)),
	)
}

// LocateRequest asks where a fragment sits in the current body.
type LocateRequest struct {
	Target string `json:"target" example:"reclaim memory" validate:"required"`
}

// Validate implements validation.Validatable.
func (r LocateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Target, validation.Required),
	)
}

// PatchRequest replaces one fragment of the document.
type PatchRequest struct {
	Target          string `json:"target" example:"reclaim memory" validate:"required"`
	Replacement     string `json:"replacement" example:"free unused memory"`
	DocumentVersion int64  `json:"document_version" example:"3" validate:"required"`
	Commit          bool   `json:"commit"`
	Confirmed       bool   `json:"confirmed"`
}

// Validate implements validation.Validatable.
func (r PatchRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Target, validation.Required),
		validation.Field(&r.DocumentVersion, validation.Required, validation.Min(int64(1))),
	)
}

func (r PatchRequest) request() patch.Request {
	return patch.Request{
		TargetFragment:      r.Target,
		ReplacementFragment: r.Replacement,
		DocumentVersion:     r.DocumentVersion,
	}
}

// PatchRejectedResponse is returned with 422 when the fragment was not found.
type PatchRejectedResponse struct {
	Error   string                  `json:"error" validate:"required"`
	Outcome *docservice.PatchResult `json:"outcome"`
}

// DocumentListResponse wraps the vault listing.
type DocumentListResponse struct {
	Documents []models.DocumentMetadata `json:"documents" validate:"required"`
	Total     int                       `json:"total" example:"42" validate:"required"`
}

// AnnotationListResponse wraps a document's annotations.
type AnnotationListResponse struct {
	Annotations []models.Annotation `json:"annotations" validate:"required"`
}

// OverlayResponse is the frame for one page at the given bounds.
type OverlayResponse struct {
	Page     int               `json:"page" example:"1"`
	Overlays []overlay.Overlay `json:"overlays" validate:"required"`
}

// SearchResponse wraps annotation search hits.
type SearchResponse struct {
	Results []index.AnnotationHit `json:"results" validate:"required"`
}
