package docservice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/geometry"
	"github.com/starford/marginalia/internal/index"
	"github.com/starford/marginalia/internal/models"
	"github.com/starford/marginalia/internal/patch"
	"github.com/starford/marginalia/internal/question"
	"github.com/starford/marginalia/internal/sse"
	"github.com/starford/marginalia/internal/storage"
)

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) Publish(e sse.Event) {
	r.mu.Lock()
	r.types = append(r.types, e.Type)
	r.mu.Unlock()
}

func (r *recordedEvents) PublishAnnotationEvent(eventType, _, _ string) {
	r.mu.Lock()
	r.types = append(r.types, eventType)
	r.mu.Unlock()
}

func (r *recordedEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type env struct {
	svc    *Service
	vault  string
	db     *index.DB
	events *recordedEvents
}

var page1 = geometry.PageBounds{Left: 0, Top: 0, Width: 600, Height: 800}

func newEnv(t *testing.T, a question.Asker, opts ...Option) *env {
	t.Helper()
	vault := t.TempDir()
	store, err := storage.NewFS(vault)
	if err != nil {
		t.Fatal(err)
	}
	db, err := index.Open(filepath.Join(t.TempDir(), "marginalia.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ev := &recordedEvents{}
	if a == nil {
		a = question.AskerFunc(func(context.Context, string, string) (string, error) { return "42", nil })
	}
	base := []Option{
		WithAsker(a),
		WithEvents(ev),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	}
	svc := New(store, db, append(base, opts...)...)
	t.Cleanup(svc.Close)
	return &env{svc: svc, vault: vault, db: db, events: ev}
}

func (e *env) write(t *testing.T, path, content string) {
	t.Helper()
	full := filepath.Join(e.vault, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.vault, filepath.FromSlash(path)))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func (e *env) annotate(t *testing.T, path, text string, y float64) models.Annotation {
	t.Helper()
	a, err := e.svc.CreateAnnotation(context.Background(), path, CreateAnnotationInput{
		Page:         1,
		Rects:        []geometry.PixelRect{{X: 60, Y: y, Width: 120, Height: 16}},
		Bounds:       page1,
		SelectedText: text,
	})
	if err != nil {
		t.Fatalf("CreateAnnotation: %v", err)
	}
	return a
}

func TestOpenDocument(t *testing.T) {
	e := newEnv(t, nil)
	e.write(t, "notes/gc.md", "---\ntitle: GC\n---\nGarbage **collectors** reclaim memory.\n")

	doc, err := e.svc.OpenDocument(context.Background(), "notes/gc.md")
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if doc.Title != "GC" || doc.Version != 1 || doc.Identity != "notes/gc.md" {
		t.Errorf("doc = %+v", doc.Document)
	}
	if doc.PlainText != "Garbage collectors reclaim memory." {
		t.Errorf("plain = %q", doc.PlainText)
	}
	if !strings.HasPrefix(doc.Body, "---\n") {
		t.Errorf("body should be the raw file, got %q", doc.Body)
	}

	list, err := e.svc.ListDocuments(context.Background())
	if err != nil || len(list) != 1 || list[0].Path != "notes/gc.md" {
		t.Errorf("ListDocuments = %+v, %v", list, err)
	}
}

func TestOpenDocument_Errors(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.svc.OpenDocument(context.Background(), "missing.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := e.svc.OpenDocument(context.Background(), "image.png"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unsupported: err = %v", err)
	}
}

func TestOpenDocument_CorruptStoreWarns(t *testing.T) {
	e := newEnv(t, nil)
	e.write(t, "gc.md", "text")
	if err := e.db.Set(context.Background(), models.IdentityFor("gc.md").Key(), []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	doc, err := e.svc.OpenDocument(context.Background(), "gc.md")
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if len(doc.Warnings) != 1 || doc.Annotations != 0 {
		t.Errorf("doc = %+v", doc)
	}
	if e.events.count(sse.StoreCorrupt) != 1 {
		t.Error("store.corrupt not published")
	}
	// The session is usable.
	e.annotate(t, "gc.md", "text", 100)
}

func TestAnnotationLifecycleAndOverlay(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "memory leak in the heap")

	a := e.annotate(t, "gc.md", "memory leak", 200)
	if a.PageNumber != 1 || len(a.Rects) != 1 {
		t.Fatalf("annotation = %+v", a)
	}
	if r := a.Rects[0]; math.Abs(r.X-0.1) > 1e-9 || math.Abs(r.Y-0.25) > 1e-9 {
		t.Errorf("fractional rect = %+v", r)
	}

	// 150% zoom moves the overlay with the page.
	ov, err := e.svc.Overlay(ctx, "gc.md", 1, page1.Scale(1.5))
	if err != nil {
		t.Fatal(err)
	}
	if len(ov) != 1 || math.Abs(ov[0].Rect.X-90) > 1e-6 || math.Abs(ov[0].Rect.Y-300) > 1e-6 {
		t.Errorf("overlay = %+v", ov)
	}

	if got, _ := e.svc.ListAnnotations(ctx, "gc.md", 2); len(got) != 0 {
		t.Errorf("page 2 = %+v", got)
	}

	if err := e.svc.RemoveAnnotation(ctx, "gc.md", a.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.RemoveAnnotation(ctx, "gc.md", a.ID); err != nil {
		t.Errorf("second remove: %v", err)
	}
	if ov, _ := e.svc.Overlay(ctx, "gc.md", 1, page1); len(ov) != 0 {
		t.Errorf("overlay after remove = %+v", ov)
	}
	if e.events.count(sse.AnnotationCreated) != 1 || e.events.count(sse.AnnotationRemoved) != 1 {
		t.Errorf("events = %v", e.events.types)
	}
}

func TestCreateAnnotation_InvalidSelection(t *testing.T) {
	e := newEnv(t, nil)
	e.write(t, "gc.md", "x")
	cases := map[string]CreateAnnotationInput{
		"off page":  {Page: 1, Rects: []geometry.PixelRect{{X: 700, Y: 900, Width: 10, Height: 10}}, Bounds: page1, SelectedText: "x"},
		"no page":   {Rects: []geometry.PixelRect{{X: 1, Y: 1, Width: 10, Height: 10}}, Bounds: page1, SelectedText: "x"},
		"no rects":  {Page: 1, Bounds: page1, SelectedText: "x"},
		"no bounds": {Page: 1, Rects: []geometry.PixelRect{{X: 1, Y: 1, Width: 10, Height: 10}}, SelectedText: "x"},
	}
	for name, in := range cases {
		if _, err := e.svc.CreateAnnotation(context.Background(), "gc.md", in); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func waitFor(t *testing.T, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAskQuestion_AnsweredAndSearchable(t *testing.T) {
	e := newEnv(t, question.AskerFunc(func(_ context.Context, sel, q string) (string, error) {
		return "it is about " + sel, nil
	}))
	ctx := context.Background()
	e.write(t, "gc.md", "memory leak in the heap")
	a := e.annotate(t, "gc.md", "memory leak", 200)

	got, err := e.svc.AskQuestion(ctx, "gc.md", a.ID, "what is this?", "")
	if err != nil {
		t.Fatalf("AskQuestion: %v", err)
	}
	if got.QuestionID == "" {
		t.Error("question id not generated")
	}

	waitFor(t, func() bool {
		a, _ := e.svc.GetAnnotation(ctx, "gc.md", a.ID)
		return a.QuestionState() == models.QuestionAnswered
	}, "question never answered")

	a, _ = e.svc.GetAnnotation(ctx, "gc.md", a.ID)
	if a.Answer != "it is about memory leak" {
		t.Errorf("answer = %q", a.Answer)
	}
	hits, err := e.svc.SearchAnnotations(ctx, "about", 10)
	if err != nil || len(hits) != 1 || hits[0].AnnotationID != a.ID {
		t.Errorf("search = %+v, %v", hits, err)
	}
	if e.events.count(sse.AnnotationAnswered) != 1 {
		t.Errorf("events = %v", e.events.types)
	}
}

func TestAskQuestion_FailureRevertsAndPublishes(t *testing.T) {
	e := newEnv(t, question.AskerFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("upstream down")
	}))
	ctx := context.Background()
	e.write(t, "gc.md", "memory leak")
	a := e.annotate(t, "gc.md", "memory leak", 200)

	if _, err := e.svc.AskQuestion(ctx, "gc.md", a.ID, "why?", "q1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return e.events.count(sse.AnnotationQuestionFailed) == 1 }, "failure not published")
	a, _ = e.svc.GetAnnotation(ctx, "gc.md", a.ID)
	if a.QuestionState() != models.QuestionNone {
		t.Errorf("state = %s", a.QuestionState())
	}
}

func TestCancelQuestion(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, question.AskerFunc(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))
	defer close(release)
	ctx := context.Background()
	e.write(t, "gc.md", "memory leak")
	a := e.annotate(t, "gc.md", "memory leak", 200)

	if _, err := e.svc.AskQuestion(ctx, "gc.md", a.ID, "why?", "q1"); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.CancelQuestion(ctx, "gc.md", a.ID); err != nil {
		t.Fatalf("CancelQuestion: %v", err)
	}
	a, _ = e.svc.GetAnnotation(ctx, "gc.md", a.ID)
	if a.QuestionState() != models.QuestionNone {
		t.Errorf("state = %s", a.QuestionState())
	}
	if err := e.svc.CancelQuestion(ctx, "gc.md", "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown annotation: err = %v", err)
	}
}

func TestLocateAndApplyPatch_Exact(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "Collectors reclaim memory. Leaks happen elsewhere.")
	inside := e.annotate(t, "gc.md", "reclaim memory", 100)
	outside := e.annotate(t, "gc.md", "Leaks happen", 300)

	loc, err := e.svc.Locate(ctx, "gc.md", "reclaim memory")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Tier != patch.Exact || loc.DocumentVersion != 1 {
		t.Fatalf("locate = %+v", loc)
	}

	res, err := e.svc.ApplyPatch(ctx, "gc.md", patch.Request{
		TargetFragment:      "reclaim memory",
		ReplacementFragment: "free unused memory",
		DocumentVersion:     loc.DocumentVersion,
	}, ApplyOptions{Commit: true})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !res.Committed || res.DocumentVersion != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := e.read(t, "gc.md"); got != "Collectors free unused memory. Leaks happen elsewhere." {
		t.Errorf("file = %q", got)
	}
	if len(res.Stale) != 1 || res.Stale[0] != inside.ID {
		t.Errorf("stale = %v, want [%s]", res.Stale, inside.ID)
	}
	o, _ := e.svc.GetAnnotation(ctx, "gc.md", outside.ID)
	if o.Stale {
		t.Error("annotation outside the replaced span flagged stale")
	}

	// The old version is no longer accepted.
	_, err = e.svc.ApplyPatch(ctx, "gc.md", patch.Request{
		TargetFragment: "Leaks", ReplacementFragment: "Bugs", DocumentVersion: 1,
	}, ApplyOptions{Commit: true})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("stale version: err = %v", err)
	}
}

func TestApplyPatch_NoMatchIsRejectedOutcome(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "The <b>quick</b> fox")

	res, err := e.svc.ApplyPatch(ctx, "gc.md", patch.Request{
		TargetFragment: "nonexistent phrase", ReplacementFragment: "x", DocumentVersion: 1,
	}, ApplyOptions{Commit: true})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if res.Status != patch.Rejected || res.Committed || !errors.Is(res.Err(), apperr.ErrNoMatch) {
		t.Errorf("result = %+v", res)
	}
	if got := e.read(t, "gc.md"); got != "The <b>quick</b> fox" {
		t.Errorf("file changed: %q", got)
	}
}

func TestApplyPatch_TolerantNeedsConfirmation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.html", "<p>The <b>quick</b> fox jumps</p>")
	req := patch.Request{TargetFragment: "The quick fox", ReplacementFragment: "A swift fox", DocumentVersion: 1}

	res, err := e.svc.ApplyPatch(ctx, "gc.html", req, ApplyOptions{Commit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Committed || !res.NeedsConfirmation || res.Body != "<p>A swift fox jumps</p>" {
		t.Fatalf("unconfirmed result = %+v", res)
	}
	if got := e.read(t, "gc.html"); got != "<p>The <b>quick</b> fox jumps</p>" {
		t.Errorf("file changed without confirmation: %q", got)
	}

	res, err = e.svc.ApplyPatch(ctx, "gc.html", req, ApplyOptions{Commit: true, Confirmed: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Committed || res.Tier != patch.MarkupTolerant {
		t.Fatalf("confirmed result = %+v", res)
	}
	if got := e.read(t, "gc.html"); got != "<p>A swift fox jumps</p>" {
		t.Errorf("file = %q", got)
	}
	if e.events.count(sse.DocumentPatched) != 1 {
		t.Errorf("events = %v", e.events.types)
	}
}

func TestApplyPatch_AutoApplyTolerant(t *testing.T) {
	e := newEnv(t, nil, WithAutoApplyTolerant(true))
	e.write(t, "gc.html", "<p>The <b>quick</b> fox</p>")
	res, err := e.svc.ApplyPatch(context.Background(), "gc.html", patch.Request{
		TargetFragment: "The quick fox", ReplacementFragment: "A fox", DocumentVersion: 1,
	}, ApplyOptions{Commit: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Committed {
		t.Errorf("unique tolerant match should auto-apply: %+v", res)
	}
}

func TestRevalidateAfterExternalEdit(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "memory leak and write barrier")
	if _, err := e.svc.OpenDocument(ctx, "gc.md"); err != nil {
		t.Fatal(err)
	}
	gone := e.annotate(t, "gc.md", "memory leak", 100)
	kept := e.annotate(t, "gc.md", "write barrier", 300)

	e.write(t, "gc.md", "only the write barrier remains")
	e.svc.HandleExternalChange(index.EventUpdated, "gc.md")

	g, _ := e.svc.GetAnnotation(ctx, "gc.md", gone.ID)
	k, _ := e.svc.GetAnnotation(ctx, "gc.md", kept.ID)
	if !g.Stale || k.Stale {
		t.Errorf("gone.Stale=%v kept.Stale=%v", g.Stale, k.Stale)
	}
	if e.events.count(sse.DocumentChanged) != 1 || e.events.count(sse.AnnotationStale) != 1 {
		t.Errorf("events = %v", e.events.types)
	}

	doc, _ := e.svc.OpenDocument(ctx, "gc.md")
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
}

func TestDeletedDocumentLosesAnnotations(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "first draft")
	if _, err := e.svc.OpenDocument(ctx, "gc.md"); err != nil {
		t.Fatal(err)
	}
	e.write(t, "gc.md", "a memory leak in the collector")
	doc, err := e.svc.OpenDocument(ctx, "gc.md")
	if err != nil || doc.Version != 2 {
		t.Fatalf("doc = %+v, err = %v", doc, err)
	}
	e.annotate(t, "gc.md", "memory leak", 100)

	if err := os.Remove(filepath.Join(e.vault, "gc.md")); err != nil {
		t.Fatal(err)
	}
	e.svc.HandleExternalChange(index.EventDeleted, "gc.md")
	if _, err := e.svc.OpenDocument(ctx, "gc.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleted document: err = %v, want ErrNotFound", err)
	}

	e.write(t, "gc.md", "a brand new document")
	doc, err = e.svc.OpenDocument(ctx, "gc.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != 3 || doc.Annotations != 0 {
		t.Errorf("recreated: version = %d annotations = %d, want 3 and 0", doc.Version, doc.Annotations)
	}
	list, _ := e.svc.ListAnnotations(ctx, "gc.md", 0)
	if len(list) != 0 {
		t.Errorf("annotations carried over: %+v", list)
	}
	if hits, _ := e.svc.SearchAnnotations(ctx, "leak", 10); len(hits) != 0 {
		t.Errorf("deleted annotations still searchable: %+v", hits)
	}

	// Versions quoted against the old file are refused.
	_, err = e.svc.ApplyPatch(ctx, "gc.md", patch.Request{
		TargetFragment: "brand new", ReplacementFragment: "old", DocumentVersion: 2,
	}, ApplyOptions{Commit: true})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("old version: err = %v, want ErrConflict", err)
	}
	if e.events.count(sse.DocumentDeleted) != 1 {
		t.Errorf("events = %v", e.events.types)
	}
}

func TestDeleteEventForRestoredFileKeepsAnnotations(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.write(t, "gc.md", "a memory leak")
	a := e.annotate(t, "gc.md", "memory leak", 100)

	// The file is back on disk by the time the event arrives.
	e.svc.HandleExternalChange(index.EventDeleted, "gc.md")
	if _, err := e.svc.GetAnnotation(ctx, "gc.md", a.ID); err != nil {
		t.Errorf("GetAnnotation: %v", err)
	}
	if e.events.count(sse.DocumentDeleted) != 0 {
		t.Errorf("events = %v", e.events.types)
	}
}

type failingWrites struct {
	storage.Provider
}

func (failingWrites) Write(string, []byte) error { return errors.New("disk full") }

func TestApplyPatch_WriteFailureKeepsVersion(t *testing.T) {
	vault := t.TempDir()
	fsys, err := storage.NewFS(vault)
	if err != nil {
		t.Fatal(err)
	}
	db, err := index.Open(filepath.Join(t.TempDir(), "marginalia.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	svc := New(failingWrites{fsys}, db, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	t.Cleanup(svc.Close)

	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(vault, "gc.md"), []byte("reclaim memory"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = svc.ApplyPatch(ctx, "gc.md", patch.Request{
		TargetFragment: "reclaim", ReplacementFragment: "free", DocumentVersion: 1,
	}, ApplyOptions{Commit: true})
	if err == nil {
		t.Fatal("write failure not reported")
	}

	doc, err := svc.OpenDocument(ctx, "gc.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != 1 || doc.Body != "reclaim memory" {
		t.Errorf("doc = version %d body %q, want version 1 unchanged", doc.Version, doc.Body)
	}
}
