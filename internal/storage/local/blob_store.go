// Package local writes artifacts to the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore writes artifacts to caller-chosen paths. Existing files are replaced.
type BlobStore struct {
	dirMode  os.FileMode
	fileMode os.FileMode
}

// New creates a filesystem writer. Files are created 0600 and parents 0750.
func New() *BlobStore {
	return &BlobStore{dirMode: 0o750, fileMode: 0o600}
}

// PutObject writes data to path and returns a file:// URI. The file is
// written to a sibling temp file first and renamed into place.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	path = strings.TrimPrefix(path, "file://")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		return "", fmt.Errorf("%s is a directory", fullPath)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(s.fileMode); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to replace %s: %w", fullPath, err)
	}

	return "file://" + fullPath, nil
}
