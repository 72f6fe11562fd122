//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS annotations_fts USING fts5(
			id UNINDEXED,
			document UNINDEXED,
			selected_text,
			question,
			answer,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsInsert(tx *sql.Tx, id, doc, selected, question, answer string) error {
	_, err := tx.Exec(`INSERT INTO annotations_fts (id, document, selected_text, question, answer) VALUES (?, ?, ?, ?, ?)`,
		id, doc, selected, question, answer)
	if err != nil {
		return fmt.Errorf("index: insert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, doc string) error {
	if _, err := tx.Exec(`DELETE FROM annotations_fts WHERE document = ?`, doc); err != nil {
		return fmt.Errorf("index: delete fts: %w", err)
	}
	return nil
}

// SearchAnnotations performs an FTS5 search over selected text, questions
// and answers and returns hits with highlighted snippets.
func (db *DB) SearchAnnotations(ctx context.Context, query string, limit int) ([]AnnotationHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT f.id, f.document, a.page, a.selected_text,
		       snippet(annotations_fts, -1, '<b>', '</b>', '...', 32)
		FROM annotations_fts f
		JOIN annotations a ON a.id = f.id
		WHERE annotations_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
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
