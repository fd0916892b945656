// Package metrics exposes Prometheus collectors for render invocations.
//
// A worker process lives for a single render, so collectors are registered in
// a private registry and flushed to a node-exporter textfile on exit instead
// of being scraped.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Render outcomes used as label values.
const (
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
	OutcomeError   = "error"
)

var (
	registry               *prometheus.Registry
	rendersTotal           *prometheus.CounterVec
	resourceErrorsTotal    prometheus.Counter
	documentBytes          prometheus.Histogram
	renderDurationSeconds  *prometheus.HistogramVec
	thumbnailFailuresTotal prometheus.Counter

	once sync.Once
)

// Init initializes the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		factory := promauto.With(registry)

		rendersTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderworker_renders_total",
				Help: "Total number of render invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		resourceErrorsTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "renderworker_resource_errors_total",
				Help: "Total number of sub-resources that failed or timed out.",
			},
		)

		documentBytes = factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renderworker_document_bytes",
				Help:    "Size of the rendered document written to the output destination.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		)

		renderDurationSeconds = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderworker_render_duration_seconds",
				Help:    "Wall time of a render invocation, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		thumbnailFailuresTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "renderworker_thumbnail_failures_total",
				Help: "Total number of thumbnails that could not be captured or stored.",
			},
		)
	})
}

// ObserveRender records the outcome and duration of one invocation.
func ObserveRender(outcome string, duration time.Duration) {
	Init()
	rendersTotal.WithLabelValues(outcome).Inc()
	renderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveResourceError increments the failed resource counter.
func ObserveResourceError() {
	Init()
	resourceErrorsTotal.Inc()
}

// ObserveDocument records the size of a written document.
func ObserveDocument(size int) {
	Init()
	documentBytes.Observe(float64(size))
}

// ObserveThumbnailFailure increments the thumbnail failure counter.
func ObserveThumbnailFailure() {
	Init()
	thumbnailFailuresTotal.Inc()
}

// Gatherer returns the registry holding the render collectors.
func Gatherer() prometheus.Gatherer {
	Init()
	return registry
}

// WriteTextfile writes the current metric values in the text exposition
// format. The file is replaced atomically.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
