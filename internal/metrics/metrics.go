// Package metrics exposes the Prometheus instrumentation for the mirror
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statsync"

var (
	// SyncRuns counts completed sync passes by kind (window, backfill)
	// and result (ok, error, rejected).
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync passes by kind and result.",
	}, []string{"kind", "result"})

	// SamplesUpserted counts sample rows written by sync passes.
	SamplesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_upserted_total",
		Help:      "Sample rows written to the mirror store.",
	})

	// OccurrencesUpserted counts occurrence rows written by sync passes.
	OccurrencesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "occurrences_upserted_total",
		Help:      "Occurrence rows written to the mirror store.",
	})

	// QueriesServed counts query-facade requests by outcome.
	QueriesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Query requests by outcome.",
	}, []string{"result"})

	// LastSyncTimestamp holds the completion time of the most recent
	// successful sync pass, as a Unix timestamp.
	LastSyncTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_sync_timestamp_seconds",
		Help:      "Completion time of the last successful sync pass.",
	})

	// SyncDuration observes wall-clock duration of sync passes.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of sync passes by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})
)

// Handler returns the HTTP handler serving the Prometheus exposition
// format.
func Handler() http.Handler {
	return promhttp.Handler()
}
