package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

const testRunID = "01890a5d-ac96-774b-bcce-b302099a8057"

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{Buffer: 8, BatchSize: 3, FlushEvery: time.Hour}, rec)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	for i := 0; i < 3; i++ {
		hub.Emit(rowsEvent(60))
	}
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batches(), 1)
	assert.EqualValues(t, 3, hub.Delivered())
}

func TestHubFlushesPartialBatchOnTick(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{Buffer: 8, BatchSize: 100, FlushEvery: 20 * time.Millisecond}, rec)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(runEvent(StageRunStart))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{Buffer: 16, BatchSize: 4, FlushEvery: time.Hour}, rec)

	for i := 0; i < 10; i++ {
		hub.Emit(rowsEvent(int64(i)))
	}
	require.NoError(t, hub.Close(context.Background()))

	assert.Equal(t, 10, rec.count())
	assert.True(t, rec.isClosed())
	for _, b := range rec.batches() {
		assert.LessOrEqual(t, len(b), 4)
	}

	hub.Emit(rowsEvent(1))
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 10, rec.count())
}

func TestHubStampsAndValidates(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{Buffer: 8, Logger: zaptest.NewLogger(t)}, rec)

	evt := rowsEvent(12)
	evt.TS = time.Time{}
	hub.Emit(evt)
	hub.Emit(Event{Stage: StageRunStart, TS: time.Now()})
	hub.Emit(Event{RunID: RunIDBytes(testRunID), Stage: StageItemSkipped})
	hub.Emit(Event{RunID: RunIDBytes(testRunID), Stage: StageFetchDone, Site: "www.sainsburys.co.uk"})
	require.NoError(t, hub.Close(context.Background()))

	got := rec.events()
	require.Len(t, got, 1)
	assert.False(t, got[0].TS.IsZero())
	assert.Equal(t, time.UTC, got[0].TS.Location())
	assert.EqualValues(t, 12, got[0].Rows)
}

func TestHubIsolatesBrokenSinks(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	failing := sinkFunc(func(context.Context, []Event) error { return errors.New("pushgateway down") })
	panicking := sinkFunc(func(context.Context, []Event) error { panic("boom") })
	hub := NewHub(Config{Buffer: 8, BatchSize: 1, Logger: zaptest.NewLogger(t)}, failing, nil, panicking, rec)

	hub.Emit(runEvent(StageRunStart))
	hub.Emit(runEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 2, rec.count())
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		in:       make(chan Event),
		log:      zap.NewNop(),
		dropWarn: rate.Sometimes{Interval: time.Minute},
	}
	start := time.Now()
	hub.Emit(runEvent(StageRunStart))
	hub.Emit(runEvent(StageRunDone))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.EqualValues(t, 2, hub.Dropped())
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(runEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	assert.Zero(t, hub.Delivered())
	assert.Zero(t, hub.Dropped())
}

func TestHubCloseHonorsDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := sinkFunc(func(context.Context, []Event) error {
		<-release
		return nil
	})
	hub := NewHub(Config{Buffer: 4, BatchSize: 1}, slow)
	hub.Emit(runEvent(StageRunStart))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Close(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, hub.Close(context.Background()))
}

type recordingSink struct {
	mu     sync.Mutex
	seen   [][]Event
	closed bool
}

func (r *recordingSink) Consume(_ context.Context, batch []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, batch)
	return nil
}

func (r *recordingSink) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) batches() [][]Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Event(nil), r.seen...)
}

func (r *recordingSink) events() []Event {
	var out []Event
	for _, b := range r.batches() {
		out = append(out, b...)
	}
	return out
}

func (r *recordingSink) count() int { return len(r.events()) }

func (r *recordingSink) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

func runEvent(stage Stage) Event {
	return Event{
		RunID:    RunIDBytes(testRunID),
		TS:       time.Now().UTC(),
		Stage:    stage,
		Pipeline: crawler.StageLinks,
		Worker:   -1,
	}
}

func rowsEvent(rows int64) Event {
	evt := runEvent(StageRowsWritten)
	evt.Worker = 0
	evt.Rows = rows
	return evt
}
