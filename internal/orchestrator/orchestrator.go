// Package orchestrator runs one worker per partition, each bound to its own
// fetcher session, and reports what every partition produced.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/metrics"
)

// DefaultGracePeriod bounds how long Run waits for workers after cancellation.
const DefaultGracePeriod = 5 * time.Second

// Partition outcomes, also used as the metrics label.
const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeError       = "error"
	OutcomeFatal       = "fatal"
	OutcomePanic       = "panic"
	OutcomeInterrupted = "interrupted"
	OutcomeAbandoned   = "abandoned"
)

// Connectors hands a connector to each worker index.
type Connectors interface {
	For(worker int) crawler.Connector
}

// WorkFunc processes one partition through session and returns how many
// output rows it produced. A non-nil error does not discard that count.
type WorkFunc[T any] func(ctx context.Context, worker int, session crawler.Fetcher, items []T) (int, error)

// Options configures Run.
type Options struct {
	Stage       crawler.Stage
	Connectors  Connectors
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// PartitionReport is the outcome of one partition.
type PartitionReport struct {
	Worker   int
	Items    int
	Output   int
	Outcome  string
	Err      error
	Duration time.Duration
}

// Report summarizes a Run.
type Report struct {
	Stage       crawler.Stage
	Partitions  []PartitionReport
	Interrupted bool
}

// Output sums the rows produced across partitions.
func (r Report) Output() int {
	total := 0
	for _, p := range r.Partitions {
		total += p.Output
	}
	return total
}

// Failed returns the partitions that ended with an error, panic, or could not
// connect.
func (r Report) Failed() []PartitionReport {
	var out []PartitionReport
	for _, p := range r.Partitions {
		switch p.Outcome {
		case OutcomeError, OutcomeFatal, OutcomePanic:
			out = append(out, p)
		}
	}
	return out
}

// Run starts one worker per partition and blocks until all finish. When ctx is
// canceled, workers see a canceled context and Run waits at most the grace
// period before returning; workers still running after that are reported as
// abandoned. Partition failures never affect siblings.
func Run[T any](ctx context.Context, opts Options, partitions [][]T, work WorkFunc[T]) (Report, error) {
	if opts.Connectors == nil {
		return Report{Stage: opts.Stage}, crawler.ErrNoConnectors
	}
	if work == nil {
		return Report{Stage: opts.Stage}, errors.New("orchestrator: nil work function")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	var (
		mu      sync.Mutex
		reports = make([]PartitionReport, len(partitions))
		settled = make([]bool, len(partitions))
	)
	for i, items := range partitions {
		reports[i] = PartitionReport{Worker: i, Items: len(items)}
	}
	record := func(r PartitionReport) {
		mu.Lock()
		reports[r.Worker] = r
		settled[r.Worker] = true
		mu.Unlock()
		metrics.ObservePartition(string(opts.Stage), r.Outcome)
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for i, items := range partitions {
		connector := opts.Connectors.For(i)
		g.Go(func() error {
			record(runPartition(workCtx, i, items, connector, work, logger))
			// Errors stay in the report so one partition never cancels another.
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	interrupted := false
	select {
	case <-done:
	case <-ctx.Done():
		interrupted = true
		cancel()
		logger.Warn("interrupt received, stopping workers", zap.Duration("grace_period", grace))
		timer := time.NewTimer(grace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			logger.Warn("workers did not stop within grace period")
		}
	}

	mu.Lock()
	out := Report{Stage: opts.Stage, Partitions: make([]PartitionReport, len(reports)), Interrupted: interrupted}
	copy(out.Partitions, reports)
	for i := range out.Partitions {
		if !settled[i] {
			out.Partitions[i].Outcome = OutcomeAbandoned
		}
	}
	mu.Unlock()
	return out, nil
}

func runPartition[T any](
	ctx context.Context,
	worker int,
	items []T,
	connector crawler.Connector,
	work WorkFunc[T],
	logger *zap.Logger,
) (report PartitionReport) {
	start := time.Now()
	report = PartitionReport{Worker: worker, Items: len(items)}
	logger = logger.With(zap.Int("worker", worker), zap.Int("items", len(items)))

	defer func() {
		if r := recover(); r != nil {
			report.Outcome = OutcomePanic
			report.Err = fmt.Errorf("partition %d panicked: %v", worker, r)
			logger.Error("worker panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		report.Duration = time.Since(start)
	}()

	if len(items) == 0 {
		report.Outcome = OutcomeEmpty
		return report
	}
	if connector == nil {
		report.Outcome = OutcomeFatal
		report.Err = &crawler.PartitionFatalError{Worker: worker, Err: crawler.ErrNoConnectors}
		logger.Error("worker has no connector")
		return report
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	session, err := connector.Connect(ctx)
	if err != nil {
		report.Outcome = OutcomeFatal
		report.Err = &crawler.PartitionFatalError{Worker: worker, Err: err}
		logger.Error("worker could not connect", zap.Error(err))
		return report
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("closing session failed", zap.Error(cerr))
		}
	}()

	logger.Info("worker started")
	report.Output, report.Err = work(ctx, worker, session, items)
	switch {
	case report.Err == nil && ctx.Err() != nil:
		report.Outcome = OutcomeInterrupted
	case report.Err == nil:
		report.Outcome = OutcomeOK
	case errors.Is(report.Err, context.Canceled) || errors.Is(report.Err, context.DeadlineExceeded):
		report.Outcome = OutcomeInterrupted
	default:
		report.Outcome = OutcomeError
		logger.Error("worker failed", zap.Error(report.Err), zap.Int("output", report.Output))
		return report
	}
	logger.Info("worker finished", zap.String("outcome", report.Outcome), zap.Int("output", report.Output))
	return report
}
