package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/models"
)

// DocumentRow represents a row in the documents table.
type DocumentRow struct {
	Path      string
	Title     string
	Checksum  string
	Version   int64
	UpdatedAt time.Time
}

// UpsertDocument records d. The stored version starts at 1, or one past the
// version the path had when it was last deleted, and is bumped whenever the
// checksum differs from the stored one; d.Version is ignored.
// changed reports whether the row was inserted or its checksum moved.
func (db *DB) UpsertDocument(ctx context.Context, d DocumentRow) (int64, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var prevChecksum string
	var prevVersion int64
	known := true
	err = tx.QueryRowContext(ctx, `SELECT checksum, version FROM documents WHERE path = ?`, d.Path).
		Scan(&prevChecksum, &prevVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		known = false
		err = tx.QueryRowContext(ctx, `SELECT version FROM document_versions WHERE path = ?`, d.Path).
			Scan(&prevVersion)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("index: read version floor: %w", err)
		}
	case err != nil:
		return 0, false, fmt.Errorf("index: read document: %w", err)
	}

	changed := !known || prevChecksum != d.Checksum
	version := prevVersion
	if changed {
		version++
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, title, checksum, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			version    = excluded.version,
			updated_at = excluded.updated_at
	`, d.Path, d.Title, d.Checksum, version, d.UpdatedAt)
	if err != nil {
		return 0, false, fmt.Errorf("index: upsert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("index: commit: %w", err)
	}
	return version, changed, nil
}

// DeleteDocument removes a document row together with its annotation
// collection and their searchable copy. The row's version is remembered so
// versions for the path never go backwards. Deleting an unknown path only
// clears leftover annotations.
func (db *DB) DeleteDocument(ctx context.Context, path string) error {
	doc := models.IdentityFor(path)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions (path, version)
		SELECT path, version FROM documents WHERE path = ?
		ON CONFLICT(path) DO UPDATE SET version = MAX(version, excluded.version)
	`, path); err != nil {
		return fmt.Errorf("index: record version floor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, doc.Key()); err != nil {
		return fmt.Errorf("index: delete annotation collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE document = ?`, doc.String()); err != nil {
		return fmt.Errorf("index: clear annotations: %w", err)
	}
	if err := ftsDelete(tx, doc.String()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// RestoreDocument puts d back exactly as given, version included. It undoes
// an UpsertDocument whose content never reached the disk.
func (db *DB) RestoreDocument(ctx context.Context, d DocumentRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO documents (path, title, checksum, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			version    = excluded.version,
			updated_at = excluded.updated_at
	`, d.Path, d.Title, d.Checksum, d.Version, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: restore document: %w", err)
	}
	return nil
}

// GetDocument returns the row for path or apperr.ErrNotFound.
func (db *DB) GetDocument(ctx context.Context, path string) (*DocumentRow, error) {
	var d DocumentRow
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, title, checksum, version, updated_at FROM documents WHERE path = ?`, path).
		Scan(&d.Path, &d.Title, &d.Checksum, &d.Version, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: document %s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns every indexed document ordered by path.
func (db *DB) ListDocuments(ctx context.Context) ([]DocumentRow, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, title, checksum, version, updated_at FROM documents ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("index: list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentRow
	for rows.Next() {
		var d DocumentRow
		if err := rows.Scan(&d.Path, &d.Title, &d.Checksum, &d.Version, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AllChecksums returns path → checksum for every indexed document.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}
