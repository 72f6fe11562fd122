package index

import (
	"context"
	"fmt"

	"github.com/starford/marginalia/internal/models"
)

// AnnotationHit is one annotation search result.
type AnnotationHit struct {
	AnnotationID string `json:"annotation_id"`
	Document     string `json:"document"`
	Page         int    `json:"page"`
	SelectedText string `json:"selected_text"`
	Snippet      string `json:"snippet"`
}

// ReplaceAnnotations swaps the searchable copy of doc's annotations for
// items in one transaction.
func (db *DB) ReplaceAnnotations(ctx context.Context, doc models.DocumentIdentity, items []models.Annotation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE document = ?`, doc.String()); err != nil {
		return fmt.Errorf("index: clear annotations: %w", err)
	}
	if err := ftsDelete(tx, doc.String()); err != nil {
		return err
	}

	if len(items) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO annotations (id, document, page, selected_text, question, answer)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("index: prepare annotation insert: %w", err)
		}
		defer stmt.Close()
		for _, a := range items {
			if _, err := stmt.ExecContext(ctx, a.ID, doc.String(), a.PageNumber, a.SelectedText, a.Question, a.Answer); err != nil {
				return fmt.Errorf("index: insert annotation: %w", err)
			}
			if err := ftsInsert(tx, a.ID, doc.String(), a.SelectedText, a.Question, a.Answer); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
