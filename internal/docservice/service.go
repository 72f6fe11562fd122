// Package docservice hosts the annotation engine over a vault of documents.
//
// Each open document gets a session that owns its anchor store, overlay
// renderer and question workflow. Every operation on a document runs under
// that session's mutex; answers arriving from the asker take the same mutex
// before they touch the store.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/marginalia/internal/anchor"
	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/asker"
	"github.com/starford/marginalia/internal/checksum"
	"github.com/starford/marginalia/internal/index"
	"github.com/starford/marginalia/internal/models"
	"github.com/starford/marginalia/internal/overlay"
	"github.com/starford/marginalia/internal/parser"
	"github.com/starford/marginalia/internal/question"
	"github.com/starford/marginalia/internal/sse"
	"github.com/starford/marginalia/internal/storage"
)

// Events receives change notifications. *sse.Broker satisfies it.
type Events interface {
	Publish(event sse.Event)
	PublishAnnotationEvent(eventType, document, annotationID string)
}

type noEvents struct{}

func (noEvents) Publish(sse.Event)                             {}
func (noEvents) PublishAnnotationEvent(string, string, string) {}

// DocumentView is a document as returned to callers.
type DocumentView struct {
	models.Document
	Annotations int      `json:"annotations"`
	Warnings    []string `json:"warnings,omitempty"`
}

type session struct {
	mu       sync.Mutex
	path     string
	store    *anchor.Store
	renderer *overlay.Renderer
	flow     *question.Workflow
	// warning is reported once, on the next OpenDocument.
	warning string
}

// Service coordinates storage, the index and the per-document engine.
type Service struct {
	store  storage.Provider
	db     *index.DB
	asker  question.Asker
	events Events
	logger *slog.Logger

	autoApplyTolerant bool
	newQuestionID     func() string

	mu       sync.Mutex
	sessions map[models.DocumentIdentity]*session
}

// Option configures a Service.
type Option func(*Service)

// WithAsker sets the collaborator that answers questions.
func WithAsker(a question.Asker) Option {
	return func(s *Service) { s.asker = a }
}

// WithEvents sets the change notification sink.
func WithEvents(e Events) Option {
	return func(s *Service) { s.events = e }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAutoApplyTolerant lets a unique markup-tolerant match commit without
// explicit confirmation.
func WithAutoApplyTolerant(v bool) Option {
	return func(s *Service) { s.autoApplyTolerant = v }
}

// WithQuestionIDGenerator overrides generation of question ids.
func WithQuestionIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newQuestionID = fn }
}

// New creates a Service over a vault provider and its index.
func New(store storage.Provider, db *index.DB, opts ...Option) *Service {
	s := &Service{
		store:         store,
		db:            db,
		asker:         asker.Disabled{},
		events:        noEvents{},
		logger:        slog.Default(),
		newQuestionID: uuid.NewString,
		sessions:      make(map[models.DocumentIdentity]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops every in-flight question and waits for them to settle.
func (s *Service) Close() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.flow.Close()
	}
}

// ListDocuments returns every indexed vault document.
func (s *Service) ListDocuments(ctx context.Context) ([]models.DocumentMetadata, error) {
	rows, err := s.db.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.DocumentMetadata, len(rows))
	for i, r := range rows {
		out[i] = models.DocumentMetadata{
			Path:      r.Path,
			Title:     r.Title,
			Checksum:  r.Checksum,
			Version:   r.Version,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}

// OpenDocument reads the document, brings its version up to date and opens
// its annotation session. Unreadable stored annotations do not fail the
// call; they are reported in Warnings.
func (s *Service) OpenDocument(ctx context.Context, path string) (*DocumentView, error) {
	sess, err := s.session(ctx, path)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap, err := s.current(ctx, sess)
	if err != nil {
		return nil, err
	}
	res, err := parser.Parse(snap.data, parser.FormatFor(sess.path))
	if err != nil {
		return nil, fmt.Errorf("docservice: parse %s: %w", sess.path, err)
	}

	view := &DocumentView{
		Document: models.Document{
			Path:      sess.path,
			Identity:  sess.store.Document(),
			Title:     res.Title,
			Body:      string(snap.data),
			PlainText: res.PlainText,
			Version:   snap.version,
			Checksum:  checksum.Sum(snap.data),
		},
		Annotations: sess.store.Len(),
	}
	if sess.warning != "" {
		view.Warnings = append(view.Warnings, sess.warning)
		sess.warning = ""
	}
	return view, nil
}

type snapshot struct {
	data    []byte
	version int64
}

// current reads the document from disk and records it in the index. An
// edit that slipped past the watcher bumps the version here and triggers
// revalidation. Callers hold sess.mu.
func (s *Service) current(ctx context.Context, sess *session) (snapshot, error) {
	data, err := s.store.Read(sess.path)
	if err != nil {
		return snapshot{}, err
	}
	version, changed, err := index.IndexDocument(ctx, s.db, sess.path, data)
	if err != nil {
		return snapshot{}, fmt.Errorf("docservice: index %s: %w", sess.path, err)
	}
	if changed && version > 1 {
		s.revalidateLocked(ctx, sess, string(data))
	}
	return snapshot{data: data, version: version}, nil
}

// session returns the open session for path, creating it on first use.
func (s *Service) session(ctx context.Context, path string) (*session, error) {
	if path == "" || !s.store.Accepts(path) {
		return nil, fmt.Errorf("docservice: %w: unsupported document %q", apperr.ErrInvalidInput, path)
	}
	id := models.IdentityFor(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	if _, err := s.store.Read(id.String()); err != nil {
		return nil, err
	}

	sess := &session{path: id.String(), renderer: overlay.NewRenderer()}
	store, err := anchor.Open(ctx, s.db, id)
	switch {
	case errors.Is(err, apperr.ErrPersistenceCorrupt):
		s.logger.Warn("docservice: stored annotations unreadable, starting empty",
			slog.String("path", sess.path),
			slog.String("error", err.Error()))
		sess.warning = "previous highlights for this document could not be loaded"
		s.events.Publish(sse.Event{Type: sse.StoreCorrupt, Data: map[string]string{"document": sess.path}})
	case err != nil:
		return nil, err
	}
	sess.store = store
	sess.flow = question.New(store, s.asker, &sess.mu,
		question.WithLogger(s.logger),
		question.WithListener(func(e question.Event) { s.onQuestionEvent(sess, e) }),
	)
	sess.renderer.Sync(store.List())
	s.sessions[id] = sess
	return sess, nil
}

// discard forgets a document that left the vault: its session is closed and
// evicted, and its annotations are dropped from the index. A path that is
// back on disk by the time this runs is left alone and reports false.
func (s *Service) discard(ctx context.Context, path string) bool {
	if _, err := s.store.Read(path); err == nil {
		return false
	}
	id := models.IdentityFor(path)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		// Waits for in-flight answers so none writes after the delete below.
		sess.flow.Close()
	}

	if err := s.db.DeleteDocument(ctx, id.String()); err != nil {
		s.logger.Warn("docservice: discard annotations failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	s.logger.Info("docservice: document discarded", slog.String("path", path))
	return true
}

// lookup returns an already open session without creating one.
func (s *Service) lookup(path string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[models.IdentityFor(path)]
	return sess, ok
}

// changed refreshes the renderer and the search copy after a store
// mutation. Callers hold sess.mu.
func (s *Service) changed(ctx context.Context, sess *session) {
	list := sess.store.List()
	sess.renderer.Sync(list)
	if err := s.db.ReplaceAnnotations(ctx, sess.store.Document(), list); err != nil {
		s.logger.Warn("docservice: search index update failed",
			slog.String("path", sess.path),
			slog.String("error", err.Error()))
	}
}

// onQuestionEvent runs under sess.mu, called from the workflow.
func (s *Service) onQuestionEvent(sess *session, e question.Event) {
	s.changed(context.Background(), sess)
	switch e.Kind {
	case question.EventAnswered:
		s.events.PublishAnnotationEvent(sse.AnnotationAnswered, sess.path, e.AnnotationID)
	case question.EventFailed:
		s.events.PublishAnnotationEvent(sse.AnnotationQuestionFailed, sess.path, e.AnnotationID)
	case question.EventCancelled:
		s.events.PublishAnnotationEvent(sse.AnnotationQuestionClosed, sess.path, e.AnnotationID)
	}
}

// SearchAnnotations searches selected text, questions and answers across
// every document.
func (s *Service) SearchAnnotations(ctx context.Context, query string, limit int) ([]index.AnnotationHit, error) {
	if query == "" {
		return nil, fmt.Errorf("docservice: %w: empty query", apperr.ErrInvalidInput)
	}
	return s.db.SearchAnnotations(ctx, query, limit)
}
