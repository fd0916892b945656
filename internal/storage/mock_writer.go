package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockWriter is a mock implementation of render.ArtifactWriter for testing.
// The reader is drained and passed to Called as a string.
type MockWriter struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method.
func (m *MockWriter) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	args := m.Called(ctx, path, contentType, string(body))
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
