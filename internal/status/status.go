// Package status records the outcome of each job in an external document store.
//
// Every job owns one document, keyed by the caller-supplied status document
// ID. The document is created by the caller before the job is triggered and
// starts out pending; the pipeline moves it to complete or failed exactly once.
package status

import (
	"context"
	"time"
)

// Status is the processing status stored on a job document.
type Status string

const (
	Pending  Status = "pending"
	Complete Status = "complete"
	Failed   Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == Complete || s == Failed
}

// Record is a job document as read back from the store.
type Record struct {
	DocID       string    `json:"docId"`
	Status      Status    `json:"processingStatus"`
	ArtifactURL string    `json:"artifactUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Reporter writes and reads job documents.
type Reporter interface {
	// Report sets the document's status, and its artifact URL when status is
	// Complete. Fails with a persistence error when the store is unreachable
	// or the document does not exist.
	Report(ctx context.Context, docID string, status Status, artifactURL string) error
	// Lookup reads a document. Fails with a not-found error when it is missing.
	Lookup(ctx context.Context, docID string) (*Record, error)
	// Ready reports whether the store is reachable.
	Ready(ctx context.Context) error
}
