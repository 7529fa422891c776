// Package metrics provides Prometheus metrics for dump and restore runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics
var (
	// RunCount tracks the number of dump and restore runs
	RunCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgzipbackup_runs_total",
		Help: "The total number of dump and restore runs",
	}, []string{"operation", "mode", "status"})

	// RunDuration measures the time taken by a run
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgzipbackup_run_duration_seconds",
		Help:    "Time taken to perform a dump or restore",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"operation", "mode"})

	// SchemasProcessed counts schemas written to or read from archives
	SchemasProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgzipbackup_schemas_total",
		Help: "The total number of schemas dumped or restored",
	}, []string{"operation"})

	// TableDataBytes counts bytes of binary COPY data moved
	TableDataBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgzipbackup_table_data_bytes_total",
		Help: "Bytes of table data copied",
	}, []string{"operation"})

	// CatalogDiscrepancies counts catalog rows skipped because their parent
	// table was missing from the batch cache
	CatalogDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgzipbackup_catalog_discrepancies_total",
		Help: "Catalog rows skipped because their parent could not be resolved",
	})

	// BatchDuration measures time taken per schema batch of a whole database dump
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pgzipbackup_batch_duration_seconds",
		Help:    "Time taken to dump one batch of schemas",
		Buckets: prometheus.DefBuckets,
	})

	// LastRunTimestamp records the timestamp of the last successful run
	LastRunTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgzipbackup_last_success_timestamp",
		Help: "Timestamp of the last successful run",
	}, []string{"operation"})

	// S3TransferCount tracks archive uploads and downloads
	S3TransferCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgzipbackup_s3_transfers_total",
		Help: "The total number of S3 archive transfers",
	}, []string{"direction", "status"})

	// S3TransferDuration measures time taken by S3 transfers
	S3TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgzipbackup_s3_transfer_duration_seconds",
		Help:    "Time taken to transfer an archive to or from S3",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})
)

// ObserveRun records the outcome of a run started at start
func ObserveRun(operation, mode string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		LastRunTimestamp.WithLabelValues(operation).SetToCurrentTime()
	}
	RunCount.WithLabelValues(operation, mode, status).Inc()
	RunDuration.WithLabelValues(operation, mode).Observe(time.Since(start).Seconds())
}

// RouteRegistrar adds handlers to the metrics server
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// NewServer returns the HTTP server for metrics and health check endpoints,
// plus the routes of any registrars
func NewServer(port string, registrars ...RouteRegistrar) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	for _, r := range registrars {
		r.RegisterRoutes(mux)
	}

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// StartMetricsServer serves metrics on port until the server fails
func StartMetricsServer(port string, registrars ...RouteRegistrar) {
	server := NewServer(port, registrars...)
	logrus.Infof("Starting metrics server on port %s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("Metrics server stopped: %v", err)
	}
}
