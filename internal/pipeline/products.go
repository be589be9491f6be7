package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/document"
	"github.com/mystery000/sainsburys-scraper/internal/normalize"
	"github.com/mystery000/sainsburys-scraper/internal/orchestrator"
	"github.com/mystery000/sainsburys-scraper/internal/partition"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
	"github.com/mystery000/sainsburys-scraper/internal/sink"
)

// ProductsOptions configures one products stage run.
type ProductsOptions struct {
	RunID string
	// LinksFile is the links stage output. Its link column is read and
	// de-duplicated, first occurrence wins.
	LinksFile     string
	Connectors    orchestrator.Connectors
	Workers       int
	File          string
	Mode          sink.Mode
	DetailAPIBase string
	Normalizer    *normalize.Normalizer
	GracePeriod   time.Duration
}

var jsonHeaders = http.Header{"Accept": []string{"application/json"}}

// Products fetches the detail payload of every link in LinksFile and appends
// one normalized row per product to File. Items that fail to fetch or decode
// are logged and skipped.
func (p *Pipeline) Products(ctx context.Context, opts ProductsOptions) (StageResult, error) {
	start := time.Now()
	res := StageResult{RunID: opts.RunID, Stage: crawler.StageProducts, File: opts.File}
	logger := p.logger.Named("products").With(zap.String("run_id", opts.RunID))
	p.emit(p.runEvent(progress.StageRunStart, opts.RunID, crawler.StageProducts))

	if opts.Normalizer == nil {
		err := errors.New("products stage requires a normalizer")
		p.fail(&res, start, err)
		return res, err
	}
	raw, err := sink.ReadColumn(opts.LinksFile, sink.LinkColumn, true)
	if err != nil {
		p.fail(&res, start, err)
		return res, fmt.Errorf("read links: %w", err)
	}
	links := make([]crawler.ProductLink, 0, len(raw))
	for _, l := range raw {
		if l == "" {
			continue
		}
		links = append(links, crawler.ProductLink(l))
	}
	res.Inputs = len(links)
	logger.Info("product links loaded", zap.String("links_file", opts.LinksFile), zap.Int("links", len(links)))

	out, err := sink.Open(sink.Config{
		Path:    opts.File,
		Columns: sink.ProductColumns,
		Mode:    opts.Mode,
	}, logger)
	if err != nil {
		p.fail(&res, start, err)
		return res, fmt.Errorf("open products sink: %w", err)
	}

	var skipped atomic.Int64
	work := func(ctx context.Context, worker int, session crawler.Fetcher, items []crawler.ProductLink) (int, error) {
		wlog := logger.With(zap.Int("worker", worker))
		fetcher := p.instrument(session, opts.RunID, crawler.StageProducts, worker)
		written := 0
		for _, link := range items {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			rec, reason, err := p.product(ctx, fetcher, opts, link)
			if err != nil {
				if !crawler.IsSkippable(err) {
					return written, err
				}
				wlog.Warn("skipping product", zap.String("link", string(link)), zap.String("reason", reason), zap.Error(err))
				p.skip(opts.RunID, crawler.StageProducts, worker, string(link), reason)
				skipped.Add(1)
				continue
			}
			wlog.Info("product normalized",
				zap.String("title", rec.Title),
				zap.String("url", rec.ProductURL),
				zap.Float64p("unit_price", rec.UnitPrice),
				zap.Float64p("loyalty_price", rec.LoyaltyPrice),
				zap.Int("reviews", rec.ReviewCount),
			)
			n, err := out.Append([][]string{sink.ProductRow(rec)})
			if err != nil {
				return written, fmt.Errorf("append product: %w", err)
			}
			written += n
			p.rows(opts.RunID, crawler.StageProducts, worker, n)
		}
		return written, nil
	}

	report, err := orchestrator.Run(ctx, orchestrator.Options{
		Stage:       crawler.StageProducts,
		Connectors:  opts.Connectors,
		GracePeriod: opts.GracePeriod,
		Logger:      logger,
	}, partition.Split(links, workerCount(opts.Workers)), work)
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
	logger.Info("products stage finished",
		zap.Int("links", res.Inputs),
		zap.Int("rows", res.Rows),
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

// product fetches and normalizes one link. On failure it also returns the
// skip reason.
func (p *Pipeline) product(
	ctx context.Context,
	fetcher crawler.Fetcher,
	opts ProductsOptions,
	link crawler.ProductLink,
) (crawler.ProductRecord, string, error) {
	apiURL, err := crawler.DetailURL(opts.DetailAPIBase, link)
	if err != nil {
		return crawler.ProductRecord{}, ReasonLink, err
	}
	resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{RunID: opts.RunID, URL: apiURL, Headers: jsonHeaders.Clone()})
	if err != nil {
		return crawler.ProductRecord{}, ReasonFetch, err
	}
	body, err := document.JSON(resp.Body)
	if err != nil {
		return crawler.ProductRecord{}, ReasonPayload, err
	}
	rec, err := opts.Normalizer.Record(body, link)
	if err != nil {
		return crawler.ProductRecord{}, ReasonPayload, err
	}
	return rec, "", nil
}
