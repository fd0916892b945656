// Core types shared by the argument binder, the plan builder and the engines.

package render

import "time"

// Variant selects the positional argument contract.
type Variant string

// Supported argument contracts.
const (
	// VariantMinimal accepts eight positional arguments.
	VariantMinimal Variant = "minimal"
	// VariantExtended adds a trailing per-resource timeout.
	VariantExtended Variant = "extended"
)

// Routing header names attached to proxy-bound traffic.
const (
	HeaderBindID   = "collector.proxy.bindId"
	HeaderProtocol = "collector.proxy.protocol"
)

// Invocation is the bound positional argument vector for one render.
// Optional fields are nil when the caller passed the matching sentinel.
type Invocation struct {
	TargetURL       string
	OutputPath      string
	SettleTimeout   time.Duration
	BindID          *string
	Protocol        string
	ThumbnailPath   *string
	Dimension       *string
	Zoom            *float64
	ResourceTimeout *time.Duration
}

// WantsThumbnail reports whether a thumbnail destination was supplied.
func (inv Invocation) WantsThumbnail() bool {
	return inv.ThumbnailPath != nil
}

// Geometry is a pixel area.
type Geometry struct {
	Width  int
	Height int
}

// Rect is a clip rectangle in pixels.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Header is a single response header entry.
type Header struct {
	Name  string
	Value string
}

// ResourceResponse describes a network response observed during navigation.
type ResourceResponse struct {
	URL         string
	Status      int
	StatusText  string
	ContentType string
	Headers     []Header
}

// ResourceFailure describes a resource that failed to load.
type ResourceFailure struct {
	URL   string
	Error string
}

// LoadStatus is the terminal state of a navigation.
type LoadStatus string

// Load status values reported by an engine.
const (
	LoadSuccess LoadStatus = "success"
	LoadFail    LoadStatus = "fail"
)

// LoadOutcome is returned once the page has finished loading or failed.
type LoadOutcome struct {
	Status LoadStatus
	Reason string
}

// Succeeded reports whether the navigation reached success.
func (o LoadOutcome) Succeeded() bool {
	return o.Status == LoadSuccess
}
