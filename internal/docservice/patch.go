package docservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/index"
	"github.com/starford/marginalia/internal/patch"
	"github.com/starford/marginalia/internal/sse"
)

// LocateView is a locate result together with the version it was computed
// against. Patches must quote that version back.
type LocateView struct {
	patch.LocateResult
	DocumentVersion int64 `json:"document_version"`
}

// ApplyOptions controls whether a successful patch is written to disk.
type ApplyOptions struct {
	// Commit writes the patched body. Without it ApplyPatch is a dry run.
	Commit bool
	// Confirmed acknowledges a match that needs confirmation.
	Confirmed bool
}

// PatchResult is the outcome of ApplyPatch.
type PatchResult struct {
	patch.Outcome
	// Body is the patched body when the patch applied, committed or not.
	Body            string   `json:"body,omitempty"`
	Committed       bool     `json:"committed"`
	DocumentVersion int64    `json:"document_version"`
	Stale           []string `json:"stale_annotations,omitempty"`
}

// Locate finds target in the document's current body.
func (s *Service) Locate(ctx context.Context, path, target string) (*LocateView, error) {
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
	return &LocateView{
		LocateResult:    patch.Locate(target, string(snap.data)),
		DocumentVersion: snap.version,
	}, nil
}

// ApplyPatch replaces req.TargetFragment in the document.
//
// A request generated against another version fails with apperr.ErrConflict
// and must be located again. A fragment that cannot be found is a normal
// rejected outcome, not an error. An applied outcome that needs confirmation
// is only committed when opts.Confirmed is set. Committing bumps the version
// and flags annotations whose text sat inside the replaced span as stale.
func (s *Service) ApplyPatch(ctx context.Context, path string, req patch.Request, opts ApplyOptions) (*PatchResult, error) {
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
	if req.DocumentVersion != snap.version {
		return nil, fmt.Errorf("docservice: patch against version %d, document is at %d: %w",
			req.DocumentVersion, snap.version, apperr.ErrConflict)
	}

	body := string(snap.data)
	loc := patch.Locate(req.TargetFragment, body)
	out := patch.ApplyLocated(loc, req.ReplacementFragment, body)
	res := &PatchResult{Outcome: out, DocumentVersion: snap.version}
	if out.Status != patch.Applied {
		return res, nil
	}
	res.Body = out.Body

	if s.autoApplyTolerant && out.Tier == patch.MarkupTolerant && !loc.Ambiguous() {
		res.NeedsConfirmation = false
	}
	if !opts.Commit || (res.NeedsConfirmation && !opts.Confirmed) {
		return res, nil
	}

	prev, err := s.db.GetDocument(ctx, sess.path)
	if err != nil {
		return nil, fmt.Errorf("docservice: read index row %s: %w", sess.path, err)
	}
	next := []byte(out.Body)
	// Index before writing so the watcher sees a known checksum.
	version, _, err := index.IndexDocument(ctx, s.db, sess.path, next)
	if err != nil {
		return nil, fmt.Errorf("docservice: index patched %s: %w", sess.path, err)
	}
	if err := s.store.Write(sess.path, next); err != nil {
		if rerr := s.db.RestoreDocument(ctx, *prev); rerr != nil {
			s.logger.Error("docservice: restore index row failed",
				slog.String("path", sess.path),
				slog.String("error", rerr.Error()))
		}
		return nil, fmt.Errorf("docservice: write %s: %w", sess.path, err)
	}
	res.Committed = true
	res.DocumentVersion = version

	res.Stale = s.staleAfterPatch(ctx, sess, body, *out.Replaced)
	s.changed(ctx, sess)
	s.logger.Info("docservice: patch committed",
		slog.String("path", sess.path),
		slog.String("tier", out.Tier.String()),
		slog.Int64("version", version))
	s.events.Publish(sse.Event{Type: sse.DocumentPatched, Data: map[string]any{
		"document": sess.path,
		"version":  version,
	}})
	for _, id := range res.Stale {
		s.events.PublishAnnotationEvent(sse.AnnotationStale, sess.path, id)
	}
	return res, nil
}

// staleAfterPatch flags annotations whose selected text located, in the old
// body, inside the replaced span.
func (s *Service) staleAfterPatch(ctx context.Context, sess *session, oldBody string, replaced patch.Span) []string {
	var ids []string
	for _, a := range sess.store.List() {
		if a.Stale || a.SelectedText == "" {
			continue
		}
		loc := patch.Locate(a.SelectedText, oldBody)
		if loc.Found() && loc.Span.Overlaps(replaced) {
			ids = append(ids, a.ID)
		}
	}
	return s.markStale(ctx, sess, ids)
}

// Revalidate flags annotations whose selected text can no longer be found
// in the current body. It returns the ids newly flagged.
func (s *Service) Revalidate(ctx context.Context, path string) ([]string, error) {
	sess, err := s.session(ctx, path)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	data, err := s.store.Read(sess.path)
	if err != nil {
		return nil, err
	}
	if _, _, err := index.IndexDocument(ctx, s.db, sess.path, data); err != nil {
		return nil, fmt.Errorf("docservice: index %s: %w", sess.path, err)
	}
	return s.revalidateLocked(ctx, sess, string(data)), nil
}

func (s *Service) revalidateLocked(ctx context.Context, sess *session, body string) []string {
	var ids []string
	for _, a := range sess.store.List() {
		if a.Stale || a.SelectedText == "" {
			continue
		}
		if !patch.Locate(a.SelectedText, body).Found() {
			ids = append(ids, a.ID)
		}
	}
	flagged := s.markStale(ctx, sess, ids)
	if len(flagged) > 0 {
		s.changed(ctx, sess)
		for _, id := range flagged {
			s.events.PublishAnnotationEvent(sse.AnnotationStale, sess.path, id)
		}
	}
	return flagged
}

func (s *Service) markStale(ctx context.Context, sess *session, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	if err := sess.store.MarkStale(ctx, ids...); err != nil {
		s.logger.Warn("docservice: mark stale failed",
			slog.String("path", sess.path),
			slog.String("error", err.Error()))
		return nil
	}
	return ids
}

// HandleExternalChange is the watcher callback. Open documents are
// revalidated, deleted documents lose their annotations, and every change
// is published.
func (s *Service) HandleExternalChange(kind, path string) {
	ctx := context.Background()
	switch kind {
	case index.EventDeleted:
		if s.discard(ctx, path) {
			s.events.Publish(sse.Event{Type: sse.DocumentDeleted, Data: map[string]string{"document": path}})
		}
		return
	case index.EventCreated, index.EventUpdated:
		s.events.Publish(sse.Event{Type: sse.DocumentChanged, Data: map[string]string{"document": path, "kind": kind}})
	default:
		return
	}
	if _, open := s.lookup(path); !open {
		return
	}
	if _, err := s.Revalidate(ctx, path); err != nil {
		s.logger.Warn("docservice: revalidate failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}
