package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/orchestrator"
	"github.com/mystery000/sainsburys-scraper/internal/pagination"
	"github.com/mystery000/sainsburys-scraper/internal/partition"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
	"github.com/mystery000/sainsburys-scraper/internal/sink"
)

// LinksOptions configures one links stage run.
type LinksOptions struct {
	RunID      string
	Seeds      SeedSource
	Connectors orchestrator.Connectors
	Workers    int
	File       string
	Mode       sink.Mode
	WithID     bool
	// Dedup drops links already present in the file or written earlier in the run.
	Dedup       bool
	GracePeriod time.Duration
}

// Links resolves the category seeds, walks every listing across Workers
// partitions, and appends the product links to File.
//
// An unavailable category tree counts as zero seeds. RUN_ERROR is emitted and
// the output file is left untouched, but no error is returned.
func (p *Pipeline) Links(ctx context.Context, opts LinksOptions) (StageResult, error) {
	start := time.Now()
	res := StageResult{RunID: opts.RunID, Stage: crawler.StageLinks, File: opts.File}
	logger := p.logger.Named("links").With(zap.String("run_id", opts.RunID))
	p.emit(p.runEvent(progress.StageRunStart, opts.RunID, crawler.StageLinks))

	if opts.Seeds == nil {
		err := errors.New("links stage requires a seed source")
		p.fail(&res, start, err)
		return res, err
	}
	seeds, err := opts.Seeds.Resolve(ctx, opts.RunID)
	if errors.Is(err, crawler.ErrUpstreamUnavailable) {
		logger.Error("category tree unavailable, continuing with no seeds", zap.Error(err))
		p.fail(&res, start, err)
		return res, nil
	}
	if err != nil {
		logger.Error("resolving category seeds failed", zap.Error(err))
		p.fail(&res, start, err)
		return res, fmt.Errorf("resolve seeds: %w", err)
	}
	res.Inputs = len(seeds)
	logger.Info("category seeds resolved", zap.Int("seeds", len(seeds)))

	dedup := ""
	if opts.Dedup {
		dedup = sink.LinkColumn
	}
	out, err := sink.Open(sink.Config{
		Path:        opts.File,
		Columns:     sink.LinkColumns,
		WithID:      opts.WithID,
		DedupColumn: dedup,
		Mode:        opts.Mode,
	}, logger)
	if err != nil {
		p.fail(&res, start, err)
		return res, fmt.Errorf("open links sink: %w", err)
	}
	logger.Debug("links sink opened", zap.String("file", out.Path()), zap.Int("next_id", out.NextID()))

	var skipped atomic.Int64
	work := func(ctx context.Context, worker int, session crawler.Fetcher, items []crawler.SeedURL) (int, error) {
		wlog := logger.With(zap.Int("worker", worker))
		walker := pagination.New(p.instrument(session, opts.RunID, crawler.StageLinks, worker), wlog)
		written := 0
		for _, seed := range items {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			r := walker.Walk(ctx, opts.RunID, seed)
			for range r.Malformed {
				p.skip(opts.RunID, crawler.StageLinks, worker, string(seed), ReasonMalformed)
			}
			skipped.Add(int64(r.Malformed))
			if crawler.IsSkippable(r.Err) {
				wlog.Warn("listing walk stopped early",
					zap.String("seed", string(seed)),
					zap.Int("pages_fetched", r.Pages),
					zap.Int("links", len(r.Links)),
					zap.Error(r.Err),
				)
				p.skip(opts.RunID, crawler.StageLinks, worker, string(seed), ReasonWalk)
				skipped.Add(1)
			}
			n, err := out.Append(sink.LinkRows(r.Links))
			if err != nil {
				return written, fmt.Errorf("append links: %w", err)
			}
			written += n
			p.rows(opts.RunID, crawler.StageLinks, worker, n)
			wlog.Debug("seed done",
				zap.String("seed", string(seed)),
				zap.Int("pages", r.TotalPages),
				zap.Int("links", len(r.Links)),
				zap.Int("written", n),
			)
			if r.Err != nil && !crawler.IsSkippable(r.Err) {
				return written, r.Err
			}
		}
		return written, nil
	}

	report, err := orchestrator.Run(ctx, orchestrator.Options{
		Stage:       crawler.StageLinks,
		Connectors:  opts.Connectors,
		GracePeriod: opts.GracePeriod,
		Logger:      logger,
	}, partition.Split(seeds, workerCount(opts.Workers)), work)
	if ctx.Err() != nil {
		report.Interrupted = true
	}
	res.Report = report
	res.Rows, res.Duplicates = out.Stats()
	res.Skipped = int(skipped.Load())
	if err != nil {
		p.fail(&res, start, err)
		return res, err
	}

	p.finish(ctx, &res, start, logger)
	logger.Info("links stage finished",
		zap.Int("seeds", res.Inputs),
		zap.Int("rows", res.Rows),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed_partitions", len(report.Failed())),
		zap.Bool("interrupted", report.Interrupted),
		zap.Duration("duration", res.Duration),
	)
	if report.Interrupted {
		return res, ctx.Err()
	}
	return res, nil
}
