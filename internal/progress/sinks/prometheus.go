package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mystery000/sainsburys-scraper/internal/progress"
)

// PrometheusSink turns progress events into run and fetch collectors.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	runRows       *prometheus.CounterVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	skipped       *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_runs_started_total",
			Help: "Pipeline stage runs started.",
		}, []string{"stage"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_runs_completed_total",
			Help: "Pipeline stage runs completed partitioned by result.",
		}, []string{"stage", "result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_runs_active",
			Help: "Stage runs currently in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_run_runtime_seconds",
			Help:    "Wall time per completed stage run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"stage", "result"}),
		runRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_rows_total",
			Help: "Rows reported by ROWS_WRITTEN events.",
		}, []string{"stage"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site", "status_class"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_skipped_total",
			Help: "Items reported by ITEM_SKIPPED events.",
		}, []string{"stage"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.runRows,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.skipped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	stage := string(evt.Pipeline)
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageRowsWritten:
		if evt.Rows > 0 {
			s.runRows.WithLabelValues(stage).Add(float64(evt.Rows))
		}
	case progress.StageItemSkipped:
		s.skipped.WithLabelValues(stage).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	stage := string(evt.Pipeline)
	key := runKey{id: evt.RunID, stage: stage}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(stage).Inc()
		if s.tracker.start(key) {
			s.runsActive.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(stage, "success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues(stage, "error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(key) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(string(evt.Pipeline), label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runKey struct {
	id    [16]byte
	stage string
}

type runTracker struct {
	mu      sync.Mutex
	running map[runKey]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[runKey]struct{})}
}

func (t *runTracker) start(key runKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *runTracker) complete(key runKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
