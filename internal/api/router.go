package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/marginalia/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/documents", h.ListDocuments)
	r.Route("/documents/{doc}", func(r chi.Router) {
		r.Get("/", h.GetDocument)

		r.Get("/annotations", h.ListAnnotations)
		r.Post("/annotations", h.CreateAnnotation)
		r.Get("/annotations/{id}", h.GetAnnotation)
		r.Delete("/annotations/{id}", h.DeleteAnnotation)
		r.Post("/annotations/{id}/question", h.AskQuestion)
		r.Delete("/annotations/{id}/question", h.DeleteQuestion)

		r.Get("/pages/{page}/overlay", h.Overlay)

		r.Post("/locate", h.Locate)
		r.Post("/patch", h.ApplyPatch)
	})

	r.Get("/search", h.Search)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
