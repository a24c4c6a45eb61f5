// Package metrics holds the Prometheus collectors for import and timeline runs.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics is one registry of collectors. A CLI invocation creates one, records
// into it and optionally pushes it when the command finishes.
type Metrics struct {
	Registry *prometheus.Registry

	// Import metrics
	RowsTotal      *prometheus.CounterVec
	FilesTotal     *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	ImportDuration prometheus.Histogram

	// Timeline metrics
	TimelineEvents   *prometheus.CounterVec
	TimelineWarnings prometheus.Counter
	BuildDuration    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RowsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m365ir_import_rows_total",
				Help: "Rows processed by the importer",
			},
			[]string{"variant", "outcome"},
		),
		FilesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m365ir_import_files_total",
				Help: "Files processed by the importer",
			},
			[]string{"status"},
		),
		BatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "m365ir_import_batch_duration_seconds",
				Help:    "Duration of one batch insert transaction in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ImportDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "m365ir_import_file_duration_seconds",
				Help:    "Duration of importing one file in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		TimelineEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m365ir_timeline_events_total",
				Help: "Timeline events handled by builds",
			},
			[]string{"outcome"},
		),
		TimelineWarnings: f.NewCounter(
			prometheus.CounterOpts{
				Name: "m365ir_timeline_classification_warnings_total",
				Help: "Events that could not be classified",
			},
		),
		BuildDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "m365ir_timeline_build_duration_seconds",
				Help:    "Duration of a timeline build in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Push sends every collector to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
