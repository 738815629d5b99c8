// Package metrics exposes Prometheus instrumentation for probing, ingestion,
// orchestration runs and audits, plus a small HTTP server serving /metrics and /health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Probe outcome label values.
const (
	OutcomeFound    = "found"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Run status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// probesTotal counts existence probes by outcome.
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_probes_total",
		Help: "Total number of archive existence probes by outcome",
	}, []string{"outcome"})

	// probeDuration measures single HEAD request latency.
	probeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "availability_probe_duration_seconds",
		Help:    "Latency of a single archive existence probe",
		Buckets: prometheus.DefBuckets,
	})

	// batchDuration measures how long one date's batch probe takes.
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "availability_batch_duration_seconds",
		Help:    "Duration of probing every symbol for one date",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availability_batch_failures_total",
		Help: "Number of date batches that failed with at least one probe error",
	})

	breakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availability_breaker_trips_total",
		Help: "Number of times a date batch circuit breaker opened",
	})

	recordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availability_records_ingested_total",
		Help: "Total number of availability rows upserted",
	})

	datesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availability_dates_processed_total",
		Help: "Total number of dates fully probed and stored",
	})

	// checkpointDate is the last completed backfill date as a Unix timestamp.
	checkpointDate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availability_checkpoint_date_seconds",
		Help: "Last completed backfill date (Unix seconds)",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_runs_total",
		Help: "Total number of orchestration runs by kind and status",
	}, []string{"kind", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "availability_run_duration_seconds",
		Help:    "Duration of orchestration runs",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"kind"})

	validationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_validation_failures_total",
		Help: "Number of failed post-ingest audits by check",
	}, []string{"check"})

	enrichRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_enrich_records_total",
		Help: "Number of records processed by volume enrichment by status",
	}, []string{"status"})
)

// RecordProbe records one probe outcome and its latency.
func RecordProbe(outcome string, d time.Duration) {
	probesTotal.WithLabelValues(outcome).Inc()
	probeDuration.Observe(d.Seconds())
}

// RecordBatch records the duration and result of a full date batch.
func RecordBatch(d time.Duration, failed bool) {
	batchDuration.Observe(d.Seconds())
	if failed {
		batchFailures.Inc()
	}
}

// RecordBreakerTrip counts a circuit breaker opening.
func RecordBreakerTrip() {
	breakerTrips.Inc()
}

// RecordRowsStored counts availability rows upserted by the store.
func RecordRowsStored(rows int) {
	recordsIngested.Add(float64(rows))
}

// RecordDateProcessed counts one date whose batch was probed and stored.
func RecordDateProcessed() {
	datesProcessed.Inc()
}

// SetCheckpoint publishes the last completed backfill date.
func SetCheckpoint(date time.Time) {
	checkpointDate.Set(float64(date.Unix()))
}

// RecordRun records an orchestration run outcome.
func RecordRun(kind string, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	runsTotal.WithLabelValues(kind, status).Inc()
	runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordValidationFailure counts a failed audit check.
func RecordValidationFailure(check string) {
	validationFailures.WithLabelValues(check).Inc()
}

// RecordEnrich counts one enrichment attempt by status.
func RecordEnrich(status string) {
	enrichRecords.WithLabelValues(status).Inc()
}
