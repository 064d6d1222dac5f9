package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

// Open is the mock implementation of Store.Open.
func (m *MockStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	args := m.Called(ctx, location)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1) //nolint:wrapcheck
}

// Create is the mock implementation of Store.Create.
func (m *MockStore) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	args := m.Called(ctx, location)
	wc, _ := args.Get(0).(io.WriteCloser)
	return wc, args.Error(1) //nolint:wrapcheck
}
