package models

import "time"

// Document is the host's view of a vault document at one version.
type Document struct {
	Path      string           `json:"path"`
	Identity  DocumentIdentity `json:"identity"`
	Title     string           `json:"title,omitempty"`
	Body      string           `json:"body"`
	PlainText string           `json:"plain_text"`
	Version   int64            `json:"version"`
	Checksum  string           `json:"checksum"`
}

// DocumentMetadata is a lightweight representation returned by list operations.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Title     string    `json:"title,omitempty"`
	Checksum  string    `json:"checksum"`
	Version   int64     `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
