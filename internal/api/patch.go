package api

import (
	"net/http"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/docservice"
	"github.com/starford/marginalia/internal/patch"
)

// Locate handles POST /api/documents/{doc}/locate.
//
//	@Summary		Find a fragment in the document's current body
//	@Tags			patches
//	@Accept			json
//	@Produce		json
//	@Param			doc		path		string			true	"Escaped vault path"
//	@Param			body	body		LocateRequest	true	"Fragment"
//	@Success		200		{object}	docservice.LocateView
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/locate [post]
func (h *Handler) Locate(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	var req LocateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Locate(r.Context(), path, req.Target)
	if err != nil {
		writeServiceError(w, "locate", path, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApplyPatch handles POST /api/documents/{doc}/patch.
//
// Without commit the patched body is returned but nothing is written. A
// match that needs confirmation is only written when confirmed is set.
//
//	@Summary		Replace a fragment of the document
//	@Tags			patches
//	@Accept			json
//	@Produce		json
//	@Param			doc		path		string			true	"Escaped vault path"
//	@Param			body	body		PatchRequest	true	"Patch"
//	@Success		200		{object}	docservice.PatchResult
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	PatchRejectedResponse
//	@Security		BearerAuth
//	@Router			/documents/{doc}/patch [post]
func (h *Handler) ApplyPatch(w http.ResponseWriter, r *http.Request) {
	path, ok := requireDoc(w, r)
	if !ok {
		return
	}
	var req PatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.ApplyPatch(r.Context(), path, req.request(), docservice.ApplyOptions{
		Commit:    req.Commit,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		writeServiceError(w, "apply patch", path, err)
		return
	}
	if res.Status == patch.Rejected {
		writeJSON(w, http.StatusUnprocessableEntity, PatchRejectedResponse{
			Error:   apperr.ErrNoMatch.Error(),
			Outcome: res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
