package render

import (
	"context"
	"io"
	"time"
)

// Engine launches rendering sessions.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is one browser page scoped to a single invocation.
// Configuration calls must happen before Navigate.
type Session interface {
	SetViewport(ctx context.Context, size Geometry) error
	SetZoom(ctx context.Context, factor float64) error
	SetExtraHeaders(ctx context.Context, headers []Header) error
	SetResourceTimeout(ctx context.Context, timeout time.Duration) error
	// Navigate loads url and blocks until the load outcome is known. The
	// observer receives resource events only until Navigate returns.
	Navigate(ctx context.Context, url string, obs Observer) (LoadOutcome, error)
	Content(ctx context.Context) (string, error)
	// Screenshot renders the current page. A nil clip captures the viewport.
	Screenshot(ctx context.Context, clip *Rect, format ImageFormat) ([]byte, error)
	Close() error
}

// Observer receives per-resource network events during navigation.
type Observer interface {
	ResourceError(failure ResourceFailure)
	ResourceReceived(resp ResourceResponse)
}

// ImageFormat selects the thumbnail encoding.
type ImageFormat string

// Supported thumbnail encodings.
const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
	ImageWebP ImageFormat = "webp"
)

// ArtifactWriter stores an output artifact and returns its URI.
type ArtifactWriter interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for logging and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and schedules one-shot delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces invocation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
