//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; search uses LIKE over the annotations table.
	return nil
}

func ftsInsert(_ *sql.Tx, _, _, _, _, _ string) error { return nil }

func ftsDelete(_ *sql.Tx, _ string) error { return nil }

// SearchAnnotations performs a LIKE-based search (fallback when FTS5 is not
// compiled in).
func (db *DB) SearchAnnotations(ctx context.Context, query string, limit int) ([]AnnotationHit, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, document, page, selected_text,
		       CASE WHEN answer LIKE ? THEN substr(answer, 1, 200)
		            WHEN question LIKE ? THEN substr(question, 1, 200)
		            ELSE substr(selected_text, 1, 200) END
		FROM annotations
		WHERE selected_text LIKE ? OR question LIKE ? OR answer LIKE ?
		ORDER BY document, page
		LIMIT ?
	`, like, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search annotations: %w", err)
	}
	defer rows.Close()

	var out []AnnotationHit
	for rows.Next() {
		var h AnnotationHit
		if err := rows.Scan(&h.AnnotationID, &h.Document, &h.Page, &h.SelectedText, &h.Snippet); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
