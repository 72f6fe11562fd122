package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/models"
	"github.com/starford/marginalia/internal/overlay"
)

// ListAnnotations handles GET /api/documents/{doc}/annotations.
//
//	@Summary		List a document's annotations
//	@Tags			annotations
//	@Produce		json
//	@Param			doc		path		string	true	"Escaped vault path"
//	@Param			page	query		int		false	"Only this page"
//	@Success		200		{object}	AnnotationListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations [get]
func (h *Handler) ListAnnotations(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	page := 0
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody("page must be a positive integer"))
			return
		}
		page = n
	}
	list, err := h.svc.ListAnnotations(r.Context(), path, page)
	if err != nil {
		writeServiceError(w, "list annotations", path, err)
		return
	}
	if list == nil {
		list = []models.Annotation{}
	}
	writeJSON(w, http.StatusOK, AnnotationListResponse{Annotations: list})
}

// CreateAnnotation handles POST /api/documents/{doc}/annotations.
//
//	@Summary		Store a finalized selection as an annotation
//	@Tags			annotations
//	@Accept			json
//	@Produce		json
//	@Param			doc		path		string					true	"Escaped vault path"
//	@Param			body	body		CreateAnnotationRequest	true	"Selection"
//	@Success		201		{object}	models.Annotation
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations [post]
func (h *Handler) CreateAnnotation(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	var req CreateAnnotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.svc.CreateAnnotation(r.Context(), path, req.input())
	if err != nil {
		writeServiceError(w, "create annotation", path, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAnnotation handles GET /api/documents/{doc}/annotations/{id}.
//
//	@Summary		Get one annotation
//	@Tags			annotations
//	@Produce		json
//	@Param			doc	path		string	true	"Escaped vault path"
//	@Param			id	path		string	true	"Annotation id"
//	@Success		200	{object}	models.Annotation
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations/{id} [get]
func (h *Handler) GetAnnotation(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	a, err := h.svc.GetAnnotation(r.Context(), path, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "get annotation", path, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAnnotation handles DELETE /api/documents/{doc}/annotations/{id}.
//
//	@Summary		Remove an annotation
//	@Tags			annotations
//	@Param			doc	path	string	true	"Escaped vault path"
//	@Param			id	path	string	true	"Annotation id"
//	@Success		204	"Removed, or never existed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations/{id} [delete]
func (h *Handler) DeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	if err := h.svc.RemoveAnnotation(r.Context(), path, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, "remove annotation", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AskQuestion handles POST /api/documents/{doc}/annotations/{id}/question.
//
//	@Summary		Ask a question about an annotation
//	@Description	The answer arrives asynchronously as an annotation.answered event.
//	@Tags			annotations
//	@Accept			json
//	@Produce		json
//	@Param			doc		path		string				true	"Escaped vault path"
//	@Param			id		path		string				true	"Annotation id"
//	@Param			body	body		AskQuestionRequest	true	"Question"
//	@Success		202		{object}	models.Annotation
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations/{id}/question [post]
func (h *Handler) AskQuestion(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	var req AskQuestionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.svc.AskQuestion(r.Context(), path, chi.URLParam(r, "id"), req.Question, req.QuestionID)
	if err != nil {
		writeServiceError(w, "ask question", path, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

// DeleteQuestion handles DELETE /api/documents/{doc}/annotations/{id}/question.
//
//	@Summary		Cancel a pending question or detach question and answer
//	@Tags			annotations
//	@Param			doc		path	string	true	"Escaped vault path"
//	@Param			id		path	string	true	"Annotation id"
//	@Param			cancel	query	bool	false	"Only cancel a pending question"
//	@Success		204		"Done"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/annotations/{id}/question [delete]
func (h *Handler) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	cancelOnly, _ := strconv.ParseBool(r.URL.Query().Get("cancel"))

	var err error
	if cancelOnly {
		err = h.svc.CancelQuestion(r.Context(), path, id)
	} else {
		err = h.svc.DetachQuestion(r.Context(), path, id)
	}
	if err != nil {
		writeServiceError(w, "clear question", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Overlay handles GET /api/documents/{doc}/pages/{page}/overlay.
//
//	@Summary		Project a page's annotations onto the current page bounds
//	@Tags			annotations
//	@Produce		json
//	@Param			doc		path		string	true	"Escaped vault path"
//	@Param			page	path		int		true	"Page number"
//	@Param			left	query		number	false	"Page left edge in pixels"
//	@Param			top		query		number	false	"Page top edge in pixels"
//	@Param			width	query		number	true	"Page width in pixels"
//	@Param			height	query		number	true	"Page height in pixels"
//	@Success		200		{object}	OverlayResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/pages/{page}/overlay [get]
func (h *Handler) Overlay(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody("page must be a positive integer"))
		return
	}
	bounds, err := parseBounds(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	frame, err := h.svc.Overlay(r.Context(), path, page, bounds)
	if err != nil {
		writeServiceError(w, "overlay", path, err)
		return
	}
	if frame == nil {
		frame = []overlay.Overlay{}
	}
	writeJSON(w, http.StatusOK, OverlayResponse{Page: page, Overlays: frame})
}

func parseBounds(r *http.Request) (geometry.PageBounds, error) {
	q := r.URL.Query()
	var b geometry.PageBounds
	fields := []struct {
		name     string
		dst      *float64
		required bool
	}{
		{"left", &b.Left, false},
		{"top", &b.Top, false},
		{"width", &b.Width, true},
		{"height", &b.Height, true},
	}
	for _, f := range fields {
		v := q.Get(f.name)
		if v == "" {
			if f.required {
				return b, fmt.Errorf("query parameter '%s' is required", f.name)
			}
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return b, fmt.Errorf("query parameter '%s' must be a number", f.name)
		}
		*f.dst = n
	}
	return b, nil
}
