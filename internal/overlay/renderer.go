// Package overlay projects stored annotations onto a rendered page as
// pixel rectangles. It reads snapshots only and never writes to the anchor
// store.
package overlay

import (
	"sort"

	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/models"
)

// Indicator marks an overlay with its annotation's question lifecycle.
type Indicator string

const (
	IndicatorNone     Indicator = "none"
	IndicatorPending  Indicator = "pending"
	IndicatorAnswered Indicator = "answered"
	IndicatorStale    Indicator = "stale"
)

// DefaultColor is used for annotations stored without a color.
const DefaultColor = "yellow"

// Style is how one overlay rectangle is drawn.
type Style struct {
	Color     string    `json:"color"`
	Indicator Indicator `json:"indicator"`
}

// Overlay is one rectangle to draw for an annotation.
type Overlay struct {
	AnnotationID string             `json:"annotation_id"`
	Rect         geometry.PixelRect `json:"rect"`
	Style        Style              `json:"style"`
}

// Surface is the drawing target for a page.
type Surface interface {
	Clear(page int)
	DrawRect(page int, rect geometry.PixelRect, style Style)
}

// Renderer holds the last synced annotation snapshot, grouped by page.
// Like the store it does no locking.
type Renderer struct {
	pages map[int][]models.Annotation
}

// NewRenderer returns an empty Renderer.
func NewRenderer() *Renderer {
	return &Renderer{pages: make(map[int][]models.Annotation)}
}

// Sync replaces the snapshot. Annotations keep their relative order within
// a page, oldest first.
func (r *Renderer) Sync(annotations []models.Annotation) {
	pages := make(map[int][]models.Annotation)
	for _, a := range annotations {
		pages[a.PageNumber] = append(pages[a.PageNumber], a.Clone())
	}
	for _, list := range pages {
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	}
	r.pages = pages
}

// Frame computes the overlays for page at the given bounds.
func (r *Renderer) Frame(page int, bounds geometry.PageBounds) []Overlay {
	list := r.pages[page]
	if len(list) == 0 || bounds.Degenerate() {
		return nil
	}
	var out []Overlay
	for _, a := range list {
		st := StyleFor(a)
		for _, f := range a.Rects {
			out = append(out, Overlay{
				AnnotationID: a.ID,
				Rect:         geometry.ToPixels(f, bounds),
				Style:        st,
			})
		}
	}
	return out
}

// Render clears page on s and draws every overlay for it. It returns the
// number of rectangles drawn.
func (r *Renderer) Render(s Surface, page int, bounds geometry.PageBounds) int {
	s.Clear(page)
	frame := r.Frame(page, bounds)
	for _, o := range frame {
		s.DrawRect(page, o.Rect, o.Style)
	}
	return len(frame)
}

// StyleFor derives the drawing style of a.
func StyleFor(a models.Annotation) Style {
	st := Style{Color: a.Color, Indicator: IndicatorNone}
	if st.Color == "" {
		st.Color = DefaultColor
	}
	switch {
	case a.Stale:
		st.Indicator = IndicatorStale
	case a.QuestionState() == models.QuestionPending:
		st.Indicator = IndicatorPending
	case a.QuestionState() == models.QuestionAnswered:
		st.Indicator = IndicatorAnswered
	}
	return st
}
