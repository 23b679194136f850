// Package metrics exposes Prometheus metrics for VDF export and import runs.
//
// Metrics are registered on the default registry at package init through
// promauto, so importing the package is enough for them to appear on the
// /metrics endpoint served by Serve.
//
// # Basic Usage
//
//	metrics.RecordsExported.WithLabelValues("qdrant").Add(float64(len(page)))
//
//	timer := metrics.NewTimer()
//	n, err := target.Upsert(ctx, name, ns, batch)
//	metrics.UpsertLatency.WithLabelValues("pgvector", metrics.Status(err)).Observe(timer.Seconds())
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsExported counts records written to chunk files.
	// Labels: backend
	RecordsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_records_exported_total",
			Help: "Total number of records written to chunk files",
		},
		[]string{"backend"},
	)

	// RecordsImported counts records acknowledged by a target.
	// Labels: backend
	RecordsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_records_imported_total",
			Help: "Total number of records upserted into targets",
		},
		[]string{"backend"},
	)

	// ChunksWritten counts chunk files closed by the export engine.
	// Labels: format
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_chunks_written_total",
			Help: "Total number of chunk files written",
		},
		[]string{"format"},
	)

	// FetchShrinks counts page-size reductions after failed fetches
	FetchShrinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_fetch_shrinks_total",
			Help: "Total number of page size reductions",
		},
		[]string{"backend"},
	)

	// UpsertShrinks counts batch-size reductions after failed upserts.
	// Labels: backend, reason (rate_limit/other)
	UpsertShrinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_upsert_shrinks_total",
			Help: "Total number of batch size reductions",
		},
		[]string{"backend", "reason"},
	)

	// LeakedMarkers counts ids whose discovery marker could not be removed
	LeakedMarkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_leaked_markers_total",
			Help: "Total number of records left carrying a discovery marker",
		},
		[]string{"backend"},
	)

	// CallRetries counts backend calls retried after a retryable error.
	// Labels: backend, error_type
	CallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vdf_call_retries_total",
			Help: "Total number of retried backend calls",
		},
		[]string{"backend", "error_type"},
	)

	// DiscoveryCoverage is the share of the reported total found by the
	// last discovery of a namespace.
	// Labels: index, namespace
	DiscoveryCoverage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vdf_discovery_coverage_ratio",
			Help: "Discovered ids divided by the reported total",
		},
		[]string{"index", "namespace"},
	)

	// UpsertLatency tracks the duration of single upsert calls in seconds.
	// Labels: backend, status
	UpsertLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vdf_upsert_latency_seconds",
			Help:    "Upsert call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)
)

// Status maps an error to the status label value
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Seconds returns the elapsed time in seconds
func (t *Timer) Seconds() float64 {
	return time.Since(t.start).Seconds()
}

// Serve exposes the default registry on addr under /metrics until ctx is
// done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
