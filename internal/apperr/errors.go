// Package apperr defines the sentinel errors shared across Marginalia layers.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrNoMatch means a fragment could not be located at any tier. It is an
	// expected outcome and is shown to the user as "could not locate text to
	// replace".
	ErrNoMatch = errors.New("could not locate text to replace")

	// ErrPersistenceCorrupt means stored annotations could not be decoded.
	// The store falls back to an empty collection.
	ErrPersistenceCorrupt = errors.New("persisted annotations unreadable")

	// ErrQuestionFailed means the answering collaborator failed or the
	// question was cancelled before an answer arrived.
	ErrQuestionFailed = errors.New("question answer failed")
)
