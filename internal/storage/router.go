// Package storage routes output artifacts to the backend named by their destination.
//
// Plain paths and file:// URIs are written to the local filesystem; gs:// URIs
// are uploaded to Google Cloud Storage when enabled.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	gcstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/renderworker/internal/render"
	"github.com/JakeFAU/renderworker/internal/storage/gcs"
	"github.com/JakeFAU/renderworker/internal/storage/local"
)

// ErrUnsupportedScheme is returned for destinations no backend handles.
var ErrUnsupportedScheme = errors.New("unsupported destination scheme")

// RemoteFactory creates the gs:// writer on first use.
type RemoteFactory func(ctx context.Context) (render.ArtifactWriter, error)

// Router implements render.ArtifactWriter by dispatching on the destination scheme.
type Router struct {
	local   render.ArtifactWriter
	factory RemoteFactory

	mu     sync.Mutex
	remote render.ArtifactWriter
}

// NewRouter creates a Router. A nil factory disables gs:// destinations.
func NewRouter(localWriter render.ArtifactWriter, factory RemoteFactory) *Router {
	if localWriter == nil {
		localWriter = local.New()
	}
	return &Router{local: localWriter, factory: factory}
}

// GCSFactory builds a client from Application Default Credentials.
func GCSFactory() RemoteFactory {
	return func(ctx context.Context) (render.ArtifactWriter, error) {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		return gcs.New(client)
	}
}

// PutObject implements render.ArtifactWriter.
func (r *Router) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	scheme, _, found := strings.Cut(path, "://")
	if !found {
		return r.local.PutObject(ctx, path, contentType, data)
	}
	switch strings.ToLower(scheme) {
	case "file":
		return r.local.PutObject(ctx, path, contentType, data)
	case "gs":
		remote, err := r.remoteWriter(ctx)
		if err != nil {
			return "", err
		}
		return remote.PutObject(ctx, path, contentType, data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

func (r *Router) remoteWriter(ctx context.Context) (render.ArtifactWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote != nil {
		return r.remote, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%w: gs (storage.gcs.enabled is false)", ErrUnsupportedScheme)
	}
	remote, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}
	r.remote = remote
	return remote, nil
}

// Close releases the remote client if one was created.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if closer, ok := r.remote.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
