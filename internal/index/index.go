package index

import (
	"context"

	"github.com/starford/marginalia/internal/anchor"
	"github.com/starford/marginalia/internal/models"
)

// DocumentIndex tracks the version and checksum of every vault document.
// Consumers depend on this interface rather than *DB so tests can fake it.
type DocumentIndex interface {
	UpsertDocument(ctx context.Context, d DocumentRow) (version int64, changed bool, err error)
	DeleteDocument(ctx context.Context, path string) error
	RestoreDocument(ctx context.Context, d DocumentRow) error
	GetDocument(ctx context.Context, path string) (*DocumentRow, error)
	ListDocuments(ctx context.Context) ([]DocumentRow, error)
	AllChecksums() (map[string]string, error)
}

// AnnotationIndex mirrors annotation text for search.
type AnnotationIndex interface {
	ReplaceAnnotations(ctx context.Context, doc models.DocumentIdentity, items []models.Annotation) error
	SearchAnnotations(ctx context.Context, query string, limit int) ([]AnnotationHit, error)
}

var (
	_ DocumentIndex      = (*DB)(nil)
	_ AnnotationIndex    = (*DB)(nil)
	_ anchor.Persistence = (*DB)(nil)
)
