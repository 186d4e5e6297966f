// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditPagesTotal       *prometheus.CounterVec
	auditBadRequestsTotal *prometheus.CounterVec
	auditJobsTotal        *prometheus.CounterVec
	auditFetchSeconds     *prometheus.HistogramVec
	auditActiveCrawls     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		auditBadRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_bad_requests_total",
				Help: "Total number of permanently failed fetches, labeled by site.",
			},
			[]string{"site"},
		)

		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Total number of audit jobs reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		auditFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		auditActiveCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_crawls",
				Help: "Number of crawls currently running.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records a fetched page and its latency.
func ObservePage(site string, status int, duration time.Duration) {
	if auditPagesTotal == nil {
		return
	}
	sanitized := SanitizeSite(site)
	auditPagesTotal.WithLabelValues(sanitized, strconv.Itoa(status)).Inc()
	auditFetchSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveBadRequest increments the permanent-failure counter.
func ObserveBadRequest(site string) {
	if auditBadRequestsTotal == nil {
		return
	}
	auditBadRequestsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveJob increments the job counter for a terminal state.
func ObserveJob(state string) {
	if auditJobsTotal == nil {
		return
	}
	auditJobsTotal.WithLabelValues(state).Inc()
}

// IncActiveCrawls increments the active crawls gauge.
func IncActiveCrawls() {
	if auditActiveCrawls == nil {
		return
	}
	auditActiveCrawls.Inc()
}

// DecActiveCrawls decrements the active crawls gauge.
func DecActiveCrawls() {
	if auditActiveCrawls == nil {
		return
	}
	auditActiveCrawls.Dec()
}
