package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

// EnsureCollection is the mock implementation of the EnsureCollection method.
func (m *MockStore) EnsureCollection(ctx context.Context, collection string) error {
	args := m.Called(ctx, collection)
	return args.Error(0) //nolint:wrapcheck
}

// BulkUpsertByID is the mock implementation of the BulkUpsertByID method.
func (m *MockStore) BulkUpsertByID(ctx context.Context, collection string, docs []Document) (BulkResult, error) {
	args := m.Called(ctx, collection, docs)
	return args.Get(0).(BulkResult), args.Error(1) //nolint:wrapcheck
}

// Close is the mock implementation of the Close method.
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
