// Package metrics exposes Prometheus collectors for the scraper and the
// optional HTTP endpoint that serves them during a run.
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

const namespace = "scraper"

type collectors struct {
	fetches       *prometheus.CounterVec
	fetchedBytes  *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	partitions    *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	limiterWait   *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Pages and API documents fetched, by host and result.",
		}, []string{"site", "result"}),
		fetchedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Response bytes fetched, by host.",
		}, []string{"site"}),
		rowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "CSV rows appended, by pipeline stage.",
		}, []string{"stage"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Seeds, links or listing entries that produced no row, by stage and reason.",
		}, []string{"stage", "reason"}),
		partitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Finished worker partitions, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		activeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Partition workers currently running.",
		}),
		limiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting on the per-host rate limiter.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 15},
		}, []string{"site"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "requests_total",
			Help:      "Requests served by the metrics endpoint, by method and code.",
		}, []string{"method", "code"}),
		requestTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "request_duration_seconds",
			Help:      "Latency of the metrics endpoint, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// registered returns the collectors on the default registry, creating them on
// first use.
var registered = sync.OnceValue(func() *collectors {
	return newCollectors(prometheus.DefaultRegisterer)
})

// Init registers the collectors. Every Observe helper calls it, so calling it
// directly is only needed to expose zero series before the first fetch.
func Init() { registered() }

// SiteLabel reduces a URL (or bare host) to the lowercase host used as the
// site label. Unparseable input maps to "unknown".
func SiteLabel(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "unknown"
	}
	return host
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one fetch of rawURL. result is "success" or "error".
func ObserveFetch(rawURL, result string, size int) {
	c := registered()
	site := SiteLabel(rawURL)
	c.fetches.WithLabelValues(site, result).Inc()
	if size > 0 {
		c.fetchedBytes.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveRowsWritten adds n appended rows for stage.
func ObserveRowsWritten(stage string, n int) {
	if n <= 0 {
		return
	}
	registered().rowsWritten.WithLabelValues(stage).Add(float64(n))
}

// ObserveSkipped counts one skipped item.
func ObserveSkipped(stage, reason string) {
	registered().skipped.WithLabelValues(stage, reason).Inc()
}

// ObservePartition counts one finished partition.
func ObservePartition(stage, outcome string) {
	registered().partitions.WithLabelValues(stage, outcome).Inc()
}

// IncActiveWorkers marks a partition worker as started.
func IncActiveWorkers() { registered().activeWorkers.Inc() }

// DecActiveWorkers marks a partition worker as finished.
func DecActiveWorkers() { registered().activeWorkers.Dec() }

// ObserveRateLimitDelay records a limiter wait for site.
func ObserveRateLimitDelay(site string, wait time.Duration) {
	registered().limiterWait.WithLabelValues(site).Observe(wait.Seconds())
}

func observeRequest(method, route string, code int, took time.Duration) {
	c := registered()
	c.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.requestTime.WithLabelValues(route).Observe(took.Seconds())
}
