// Package metrics provides Prometheus metrics for the archival pipeline.
// It tracks API traffic, retry pressure, and per-run progress counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the registered collectors in the Prometheus text
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Namespace for all archiver metrics.
const Namespace = "wikivault"

var (
	// APIRequestsTotal counts MediaWiki API calls by operation and outcome.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "api_requests_total",
		Help:      "Total MediaWiki API requests by operation and outcome",
	}, []string{"op", "status"})

	// APIRequestDuration measures API latency by operation.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "api_request_duration_seconds",
		Help:      "MediaWiki API request latency by operation",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	// RetriesTotal counts transient failures that were retried.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retries_total",
		Help:      "Transient failures that were retried",
	})

	// PagesScraped counts pages whose revisions were committed.
	PagesScraped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "pages_scraped_total",
		Help:      "Pages fully scraped and committed",
	})

	// RevisionsStored counts revisions persisted (idempotent re-inserts
	// excluded).
	RevisionsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "revisions_stored_total",
		Help:      "New revisions written to storage",
	})

	// FilesDownloaded counts file payloads fetched and verified.
	FilesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "files_downloaded_total",
		Help:      "Files downloaded and SHA1-verified",
	})

	// PageFailures counts pages that exhausted retries during a run.
	PageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "page_failures_total",
		Help:      "Pages that failed to scrape",
	})

	// RunDuration measures wall-clock duration of whole runs by mode.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "run_duration_seconds",
		Help:      "Scrape run duration by mode",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"mode"})
)
