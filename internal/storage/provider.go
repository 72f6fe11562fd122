// Package storage defines the vault file-system abstraction.
package storage

import "github.com/starford/marginalia/internal/models"

// Provider is the interface for vault document operations.
type Provider interface {
	// List returns metadata for every document under dir (relative to vault
	// root) whose extension the provider accepts.
	List(dir string) ([]models.DocumentMetadata, error)
	// Read returns the raw bytes of the file at path (relative to vault root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to vault root).
	Write(path string, content []byte) error
	// Accepts reports whether path has a document extension.
	Accepts(path string) bool
}
