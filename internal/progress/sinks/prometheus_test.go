package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Pipeline: crawler.StageLinks, Worker: -1},
		{
			RunID:       runID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Pipeline:    crawler.StageLinks,
			Site:        "www.sainsburys.co.uk",
			Bytes:       2048,
			StatusClass: progress.Status2xx,
			Dur:         300 * time.Millisecond,
		},
		{RunID: runID, TS: now, Stage: progress.StageRowsWritten, Pipeline: crawler.StageLinks, Rows: 60},
		{RunID: runID, TS: now, Stage: progress.StageItemSkipped, Pipeline: crawler.StageLinks, Note: "fetch"},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageRunDone, Pipeline: crawler.StageLinks, Dur: time.Minute, Worker: -1},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("links")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("links", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("links", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 60.0, testutil.ToFloat64(sink.runRows.WithLabelValues("links")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.skipped.WithLabelValues("links")))
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("www.sainsburys.co.uk", string(progress.Status2xx))), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("www.sainsburys.co.uk")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "scraper_fetch_duration_seconds"))
}

// TestPrometheusSinkTracksStagesSeparately keeps the active gauge per run and stage.
func TestPrometheusSinkTracksStagesSeparately(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Pipeline: crawler.StageLinks},
		{RunID: runID, Stage: progress.StageRunStart, Pipeline: crawler.StageProducts},
		{RunID: runID, Stage: progress.StageRunError, Pipeline: crawler.StageLinks},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("links", "error")))
}

// TestNewPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestNewPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

// TestLogSinkLevels maps event kinds onto log levels.
func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Pipeline: crawler.StageProducts, Worker: -1},
		{RunID: runID, Stage: progress.StageFetchDone, Pipeline: crawler.StageProducts, Site: "a", StatusClass: progress.Status2xx},
		{RunID: runID, Stage: progress.StageItemSkipped, Pipeline: crawler.StageProducts, URL: "https://x", Note: "parse"},
		{RunID: runID, Stage: progress.StageRunError, Pipeline: crawler.StageProducts, Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "parse", entries[2].ContextMap()["note"])
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}
