package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/gitcrawl/internal/storage"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory store closed")

// DocumentStore keeps collections of JSON documents keyed by id.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	closed      bool
}

var _ storage.Store = (*DocumentStore)(nil)

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]map[string]json.RawMessage)}
}

// EnsureCollection creates collection if absent.
func (s *DocumentStore) EnsureCollection(_ context.Context, collection string) error {
	if err := storage.ValidateCollection(collection); err != nil {
		return err //nolint:wrapcheck
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]json.RawMessage)
	}
	return nil
}

// BulkUpsertByID writes docs into collection, creating it on first use.
func (s *DocumentStore) BulkUpsertByID(ctx context.Context, collection string, docs []storage.Document) (storage.BulkResult, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return storage.BulkResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result storage.BulkResult
	coll := s.collections[collection]
	for _, doc := range docs {
		if doc.Key == "" {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("document without key"))
			continue
		}
		var body bytes.Buffer
		if err := json.Compact(&body, doc.Body); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("document %s: %w", doc.Key, err))
			continue
		}
		existing, ok := coll[doc.Key]
		switch {
		case !ok:
			result.Inserted++
		case !bytes.Equal(existing, body.Bytes()):
			result.Matched++
			result.Updated++
		default:
			result.Matched++
		}
		coll[doc.Key] = body.Bytes()
	}
	return result, nil
}

// Get returns the stored body for key.
func (s *DocumentStore) Get(collection, key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.collections[collection][key]
	return body, ok
}

// Count returns the number of documents in collection.
func (s *DocumentStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// Close marks the store closed.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
