package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultGeometry is the pixel area used when a dimension string cannot be parsed.
var DefaultGeometry = Geometry{Width: 1024, Height: 768}

// MaxSide bounds a scaled viewport side. Chrome rejects larger device metrics.
const MaxSide = 10_000_000

// Plan is the engine configuration derived from an Invocation.
type Plan struct {
	// Geometry is set only when both a thumbnail and a dimension were supplied.
	Geometry *Geometry
	// Clip mirrors Geometry with its origin at 0,0.
	Clip *Rect
	// Zoom is set only when a thumbnail and a zoom factor were supplied.
	Zoom            *float64
	Headers         []Header
	ResourceTimeout *time.Duration
	// Warnings collects non-fatal configuration problems.
	Warnings []string
}

// BuildPlan derives the render configuration. It is pure and runs once,
// before any engine session exists.
func BuildPlan(inv Invocation) Plan {
	var plan Plan

	if inv.WantsThumbnail() && inv.Dimension != nil {
		zoom := zoomOrOne(inv.Zoom)
		size, err := parseDimension(*inv.Dimension)
		var scaled Geometry
		if err == nil {
			scaled, err = scale(size, zoom, *inv.Dimension)
		}
		if err != nil {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("%v; using default %dx%d", err, DefaultGeometry.Width, DefaultGeometry.Height))
			// Zoom is bounded by MaxZoom, so the default always fits.
			scaled, _ = scale(DefaultGeometry, zoom, "default")
		}
		plan.Geometry = &scaled
		plan.Clip = &Rect{Width: scaled.Width, Height: scaled.Height}
	}

	if inv.WantsThumbnail() && inv.Zoom != nil {
		zoom := *inv.Zoom
		plan.Zoom = &zoom
	}

	if inv.BindID != nil {
		plan.Headers = RoutingHeaders(*inv.BindID, inv.Protocol)
	}

	if inv.ResourceTimeout != nil {
		timeout := *inv.ResourceTimeout
		plan.ResourceTimeout = &timeout
	}
	return plan
}

// RoutingHeaders returns the headers that tie browser traffic to a proxy binding.
func RoutingHeaders(bindID, protocol string) []Header {
	return []Header{
		{Name: HeaderBindID, Value: bindID},
		{Name: HeaderProtocol, Value: protocol},
	}
}

func parseDimension(raw string) (Geometry, error) {
	parts := strings.Split(strings.ToLower(raw), "x")
	if len(parts) != 2 {
		return Geometry{}, fmt.Errorf("dimension %q is not WIDTHxHEIGHT", raw)
	}
	width, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || width <= 0 {
		return Geometry{}, fmt.Errorf("dimension %q has an invalid width", raw)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || height <= 0 {
		return Geometry{}, fmt.Errorf("dimension %q has an invalid height", raw)
	}
	return Geometry{Width: width, Height: height}, nil
}

func scale(size Geometry, zoom float64, raw string) (Geometry, error) {
	width, okW := scaleSide(size.Width, zoom)
	height, okH := scaleSide(size.Height, zoom)
	if !okW || !okH {
		return Geometry{}, fmt.Errorf("dimension %q exceeds %d pixels per side at zoom %g", raw, MaxSide, zoom)
	}
	return Geometry{Width: width, Height: height}, nil
}

// scaleSide scales side by zoom, rounding to at least one pixel. It reports
// false when the result is not a finite value within MaxSide.
func scaleSide(side int, zoom float64) (int, bool) {
	scaled := math.Round(float64(side) * zoom)
	if math.IsNaN(scaled) || scaled > MaxSide {
		return 0, false
	}
	if scaled < 1 {
		return 1, true
	}
	return int(scaled), true
}

func zoomOrOne(zoom *float64) float64 {
	if zoom == nil {
		return 1
	}
	return *zoom
}
