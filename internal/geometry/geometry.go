// Package geometry converts on-screen selection rectangles into
// page-relative fractional rectangles and back.
//
// Page bounds change with zoom and window size, so callers pass them fresh on
// every call. Nothing here returns an error: degenerate page bounds produce a
// zero rectangle.
package geometry

import (
	"math"
	"sort"

	"github.com/starford/marginalia/internal/models"
)

// PixelRect is a rectangle in screen pixels.
type PixelRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns width*height, or 0 for inverted rects.
func (r PixelRect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// PageBounds is the on-screen box of a rendered page at the current zoom.
type PageBounds struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Degenerate reports whether the bounds have no area.
func (b PageBounds) Degenerate() bool {
	return !(b.Width > 0) || !(b.Height > 0)
}

// Scale returns bounds scaled around the page origin, as a zoom change does.
func (b PageBounds) Scale(factor float64) PageBounds {
	return PageBounds{Left: b.Left, Top: b.Top, Width: b.Width * factor, Height: b.Height * factor}
}

// ToFractional maps r into the page's own coordinate space. Parts of r that
// fall outside the page are clipped.
func ToFractional(r PixelRect, b PageBounds) models.FractionalRect {
	if b.Degenerate() {
		return models.FractionalRect{}
	}
	x0 := clamp01((r.X - b.Left) / b.Width)
	y0 := clamp01((r.Y - b.Top) / b.Height)
	x1 := clamp01((r.X + r.Width - b.Left) / b.Width)
	y1 := clamp01((r.Y + r.Height - b.Top) / b.Height)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return models.FractionalRect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// ToPixels is the inverse of ToFractional for the given bounds.
func ToPixels(f models.FractionalRect, b PageBounds) PixelRect {
	if b.Degenerate() {
		return PixelRect{X: b.Left, Y: b.Top}
	}
	return PixelRect{
		X:      b.Left + f.X*b.Width,
		Y:      b.Top + f.Y*b.Height,
		Width:  f.Width * b.Width,
		Height: f.Height * b.Height,
	}
}

// NormalizeSelection converts a multi-rect selection to fractional rects,
// drops rects that end up with no area, and orders the rest visually:
// top-to-bottom by line, then left-to-right within a line.
func NormalizeSelection(rects []PixelRect, b PageBounds) []models.FractionalRect {
	out := make([]models.FractionalRect, 0, len(rects))
	for _, r := range rects {
		f := ToFractional(r, b)
		if f.Width <= 0 || f.Height <= 0 {
			continue
		}
		out = append(out, f)
	}
	SortVisual(out)
	return out
}

// SortVisual orders rects top-to-bottom, left-to-right. Two rects share a
// line when their tops differ by less than half the shorter height.
func SortVisual(rects []models.FractionalRect) {
	if len(rects) < 2 {
		return
	}
	sort.SliceStable(rects, func(i, j int) bool { return rects[i].Y < rects[j].Y })

	lines := make([]int, len(rects))
	line, lineTop, lineHeight := 0, rects[0].Y, rects[0].Height
	for i := 1; i < len(rects); i++ {
		tol := math.Min(lineHeight, rects[i].Height) / 2
		if rects[i].Y-lineTop > tol {
			line++
			lineTop, lineHeight = rects[i].Y, rects[i].Height
		}
		lines[i] = line
	}

	idx := make([]int, len(rects))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if lines[ia] != lines[ib] {
			return lines[ia] < lines[ib]
		}
		return rects[ia].X < rects[ib].X
	})
	sorted := make([]models.FractionalRect, len(rects))
	for i, k := range idx {
		sorted[i] = rects[k]
	}
	copy(rects, sorted)
}

// Valid reports whether every component of f lies in [0,1] and the rect
// does not extend past the page edge.
func Valid(f models.FractionalRect) bool {
	in := func(v float64) bool { return v >= 0 && v <= 1 }
	return in(f.X) && in(f.Y) && in(f.Width) && in(f.Height) &&
		f.X+f.Width <= 1+epsilon && f.Y+f.Height <= 1+epsilon
}

const epsilon = 1e-9

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
