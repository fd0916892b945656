// Package gcs uploads artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Scheme prefixes object URIs handled by this package.
const Scheme = "gs://"

// BlobStore uploads artifacts addressed as gs://bucket/object.
type BlobStore struct {
	client *storage.Client
}

// New creates a GCS-backed blob store.
func New(client *storage.Client) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &BlobStore{client: client}, nil
}

// ParseURI splits gs://bucket/object into its bucket and object names.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", fmt.Errorf("%q is not a %s URI", uri, Scheme)
	}
	bucket, object, _ = strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%q has no bucket", uri)
	}
	if strings.TrimSpace(object) == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%q has no object name", uri)
	}
	return bucket, object, nil
}

// PutObject uploads data, replacing any existing object, and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, uri string, contentType string, r io.Reader) (string, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("%s%s/%s", Scheme, bucket, object), nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
