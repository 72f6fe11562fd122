package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/starford/marginalia/internal/anchor"
	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "marginalia-test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"documents", "document_versions", "kv", "annotations"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestUpsertDocument_VersionBumpsOnChecksumChange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, changed, err := db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC", Checksum: "c1"})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if v != 1 || !changed {
		t.Errorf("first upsert: version=%d changed=%v", v, changed)
	}

	v, changed, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC", Checksum: "c1"})
	if v != 1 || changed {
		t.Errorf("same checksum: version=%d changed=%v", v, changed)
	}

	v, changed, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC 2", Checksum: "c2"})
	if v != 2 || !changed {
		t.Errorf("new checksum: version=%d changed=%v", v, changed)
	}

	row, err := db.GetDocument(ctx, "gc.md")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if row.Version != 2 || row.Title != "GC 2" || row.Checksum != "c2" {
		t.Errorf("row = %+v", row)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetDocument(context.Background(), "missing.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndListDocuments(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "b.md", Checksum: "1"})
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "a.md", Checksum: "2"})
	if err := db.DeleteDocument(ctx, "b.md"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	rows, err := db.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Path != "a.md" {
		t.Errorf("rows = %+v", rows)
	}
	cs, _ := db.AllChecksums()
	if len(cs) != 1 || cs["a.md"] != "2" {
		t.Errorf("checksums = %v", cs)
	}
}

func TestDeleteDocument_VersionsNeverGoBackwards(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Checksum: "c1"})
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Checksum: "c2"})

	if err := db.DeleteDocument(ctx, "gc.md"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	// A second delete of the missing row keeps the recorded version.
	if err := db.DeleteDocument(ctx, "gc.md"); err != nil {
		t.Fatalf("DeleteDocument again: %v", err)
	}

	v, changed, err := db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Checksum: "c1"})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if v != 3 || !changed {
		t.Errorf("recreated: version=%d changed=%v, want 3 true", v, changed)
	}
}

func TestDeleteDocument_DropsAnnotations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "notes/gc.md", Checksum: "c1"})
	s, err := anchor.Open(ctx, db, "notes/gc.md")
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Add(ctx, models.AnnotationDraft{
		PageNumber:   1,
		Rects:        []models.FractionalRect{{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.05}},
		SelectedText: "memory leak",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = db.ReplaceAnnotations(ctx, "notes/gc.md", s.List())

	if err := db.DeleteDocument(ctx, "notes/gc.md"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := db.Get(ctx, models.IdentityFor("notes/gc.md").Key()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("annotation collection kept: err = %v", err)
	}
	reopened, err := anchor.Open(ctx, db, "notes/gc.md")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get(a.ID); ok {
		t.Error("annotation survived its document")
	}
	if hits, _ := db.SearchAnnotations(ctx, "leak", 10); len(hits) != 0 {
		t.Errorf("deleted annotation still searchable: %+v", hits)
	}
}

func TestRestoreDocument(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC", Checksum: "c1"})
	prev, err := db.GetDocument(ctx, "gc.md")
	if err != nil {
		t.Fatal(err)
	}
	_, _, _ = db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC", Checksum: "c2"})

	if err := db.RestoreDocument(ctx, *prev); err != nil {
		t.Fatalf("RestoreDocument: %v", err)
	}
	row, _ := db.GetDocument(ctx, "gc.md")
	if row.Version != 1 || row.Checksum != "c1" {
		t.Errorf("row = %+v, want version 1 checksum c1", row)
	}
	// Re-indexing the restored content is not a change.
	if v, changed, _ := db.UpsertDocument(ctx, DocumentRow{Path: "gc.md", Title: "GC", Checksum: "c1"}); v != 1 || changed {
		t.Errorf("after restore: version=%d changed=%v", v, changed)
	}
}

func TestKV_GetSet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.Get(ctx, "annotations/x.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_ = db.Set(ctx, "k", []byte("one"))
	if err := db.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := db.Get(ctx, "k")
	if err != nil || string(got) != "two" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestKV_BacksAnchorStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s, err := anchor.Open(ctx, db, "notes/gc.md")
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Add(ctx, models.AnnotationDraft{
		PageNumber:   1,
		Rects:        []models.FractionalRect{{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.05}},
		SelectedText: "memory leak",
	})
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := anchor.Open(ctx, db, "notes/gc.md")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get(a.ID); !ok {
		t.Error("annotation not persisted through kv table")
	}
}

func TestSearchAnnotations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	items := []models.Annotation{
		{ID: "a1", PageNumber: 1, SelectedText: "generational collector", Question: "what is a nursery?"},
		{ID: "a2", PageNumber: 3, SelectedText: "write barrier", Answer: "tracks pointers from old to young"},
	}
	if err := db.ReplaceAnnotations(ctx, "gc.md", items); err != nil {
		t.Fatalf("ReplaceAnnotations: %v", err)
	}
	_ = db.ReplaceAnnotations(ctx, "other.md", []models.Annotation{{ID: "b1", PageNumber: 1, SelectedText: "unrelated"}})

	hits, err := db.SearchAnnotations(ctx, "nursery", 10)
	if err != nil {
		t.Fatalf("SearchAnnotations: %v", err)
	}
	if len(hits) != 1 || hits[0].AnnotationID != "a1" || hits[0].Document != "gc.md" {
		t.Errorf("hits = %+v", hits)
	}

	hits, _ = db.SearchAnnotations(ctx, "pointers", 10)
	if len(hits) != 1 || hits[0].AnnotationID != "a2" || hits[0].Page != 3 {
		t.Errorf("answer hits = %+v", hits)
	}
}

func TestReplaceAnnotations_DropsOldEntries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_ = db.ReplaceAnnotations(ctx, "gc.md", []models.Annotation{{ID: "a1", PageNumber: 1, SelectedText: "vanishing"}})
	_ = db.ReplaceAnnotations(ctx, "gc.md", nil)

	hits, _ := db.SearchAnnotations(ctx, "vanishing", 10)
	if len(hits) != 0 {
		t.Errorf("removed annotation still searchable: %+v", hits)
	}
}
