// Package pipeline runs the two scraper stages: category listings to product
// links, and product links to normalized product rows.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/metrics"
	"github.com/mystery000/sainsburys-scraper/internal/orchestrator"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
)

// Skip reasons, used in progress notes and the skipped-items metric.
const (
	ReasonWalk      = "walk"
	ReasonMalformed = "malformed"
	ReasonLink      = "link"
	ReasonFetch     = "fetch"
	ReasonPayload   = "payload"
)

// SeedSource yields the category seeds for the links stage.
type SeedSource interface {
	Resolve(ctx context.Context, runID string) ([]crawler.SeedURL, error)
}

// StageResult summarizes one stage run.
type StageResult struct {
	RunID string
	Stage crawler.Stage
	File  string
	// Inputs counts seeds (links stage) or distinct links (products stage).
	Inputs     int
	Rows       int
	Duplicates int
	Skipped    int
	Report     orchestrator.Report
	// ExportURI is set when the file was exported.
	ExportURI string
	Duration  time.Duration
}

// Pipeline owns the collaborators shared by both stages.
type Pipeline struct {
	logger   *zap.Logger
	emitter  progress.Emitter
	exporter *Exporter
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithEmitter routes progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithExporter uploads finished files through x.
func WithExporter(x *Exporter) Option {
	return func(p *Pipeline) {
		p.exporter = x
	}
}

// New builds a Pipeline.
func New(logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{logger: logger, emitter: progress.Discard}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) emit(evt progress.Event) {
	p.emitter.Emit(evt)
}

func (p *Pipeline) runEvent(stage progress.Stage, runID string, pipelineStage crawler.Stage) progress.Event {
	return progress.Event{
		RunID:    progress.RunIDBytes(runID),
		Stage:    stage,
		Pipeline: pipelineStage,
		Worker:   -1,
	}
}

func (p *Pipeline) skip(runID string, stage crawler.Stage, worker int, url, reason string) {
	metrics.ObserveSkipped(string(stage), reason)
	p.emit(progress.Event{
		RunID:    progress.RunIDBytes(runID),
		Stage:    progress.StageItemSkipped,
		Pipeline: stage,
		Worker:   worker,
		URL:      url,
		Note:     reason,
	})
}

func (p *Pipeline) rows(runID string, stage crawler.Stage, worker, n int) {
	if n == 0 {
		return
	}
	metrics.ObserveRowsWritten(string(stage), n)
	p.emit(progress.Event{
		RunID:    progress.RunIDBytes(runID),
		Stage:    progress.StageRowsWritten,
		Pipeline: stage,
		Worker:   worker,
		Rows:     int64(n),
	})
}

// finish emits the closing run event and exports the file of a completed run.
func (p *Pipeline) finish(ctx context.Context, res *StageResult, start time.Time, logger *zap.Logger) {
	res.Duration = time.Since(start)
	evt := p.runEvent(progress.StageRunDone, res.RunID, res.Stage)
	evt.Rows = int64(res.Rows)
	evt.Dur = res.Duration
	if res.Report.Interrupted {
		evt.Stage = progress.StageRunError
		evt.Note = "interrupted"
	}
	p.emit(evt)

	if res.Report.Interrupted || p.exporter == nil {
		return
	}
	uri, err := p.exporter.Export(ctx, *res)
	if err != nil {
		logger.Warn("export failed", zap.Error(err))
		return
	}
	res.ExportURI = uri
}

func (p *Pipeline) fail(res *StageResult, start time.Time, err error) {
	res.Duration = time.Since(start)
	evt := p.runEvent(progress.StageRunError, res.RunID, res.Stage)
	evt.Dur = res.Duration
	evt.Note = err.Error()
	p.emit(evt)
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func workerCount(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
