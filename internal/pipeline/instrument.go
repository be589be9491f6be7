package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/metrics"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
)

// instrumented records a FETCH_DONE event and fetch metrics for every call.
type instrumented struct {
	inner  crawler.Fetcher
	emit   func(progress.Event)
	runID  [16]byte
	stage  crawler.Stage
	worker int
}

func (p *Pipeline) instrument(f crawler.Fetcher, runID string, stage crawler.Stage, worker int) crawler.Fetcher {
	return &instrumented{
		inner:  f,
		emit:   p.emit,
		runID:  progress.RunIDBytes(runID),
		stage:  stage,
		worker: worker,
	}
}

func (i *instrumented) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	resp, err := i.inner.Fetch(ctx, request)
	if err != nil && canceled(err) {
		return resp, err
	}
	dur := resp.Duration
	if dur == 0 {
		dur = time.Since(start)
	}

	site := metrics.SiteLabel(request.URL)
	status := "success"
	class := progress.ClassifyStatus(resp.StatusCode)
	if err != nil {
		status = "error"
		class = progress.StatusOther
		var fe *crawler.FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			class = progress.ClassifyStatus(fe.StatusCode)
		}
	}
	metrics.ObserveFetch(site, status, len(resp.Body))
	i.emit(progress.Event{
		RunID:       i.runID,
		Stage:       progress.StageFetchDone,
		Pipeline:    i.stage,
		Worker:      i.worker,
		Site:        site,
		URL:         request.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: class,
		Dur:         dur,
	})
	return resp, err
}
