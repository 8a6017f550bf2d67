// Package storage defines the document store the sink writes into and the
// blob store used for dead letters. Backends live in subpackages.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// Document is one JSON body stored under a unique key.
type Document struct {
	Key  string
	Body json.RawMessage
}

// BulkResult summarizes one bulk upsert. Matched counts existing documents
// hit by the write; Updated counts those whose body changed.
type BulkResult struct {
	Inserted int
	Updated  int
	Matched  int
	Failed   int
	Errors   []error
}

// Total is the number of documents accounted for.
func (r BulkResult) Total() int {
	return r.Inserted + r.Matched + r.Failed
}

// Store upserts documents by key.
type Store interface {
	// EnsureCollection prepares collection for writes. It is idempotent.
	EnsureCollection(ctx context.Context, collection string) error
	// BulkUpsertByID inserts new keys and replaces existing ones. Per-document
	// failures are reported in the result; the error is for whole-batch failures.
	BulkUpsertByID(ctx context.Context, collection string, docs []Document) (BulkResult, error)
	Close() error
}

// BlobStore writes objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollection rejects names that are unsafe to interpolate as table names.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}
