package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/pipeline"
)

func newLinksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "Collects product links from every category listing",
		Long: `Resolves the category tree, walks every listing page across the
configured workers, and appends the product links to the links file.`,
		RunE: withApp(runLinks),
	}
}

func newProductsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "Fetches and normalizes every product in the links file",
		RunE:  withApp(runProducts),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the links stage and then the products stage",
		RunE:  withApp(runBoth),
	}
}

func runLinks(ctx context.Context, a App, runID string) error {
	res, err := a.RunLinks(ctx, runID)
	logStage(a.Logger(), res)
	return stageErr(a.Logger(), withStage(res, crawler.StageLinks), err)
}

func runProducts(ctx context.Context, a App, runID string) error {
	res, err := a.RunProducts(ctx, runID)
	logStage(a.Logger(), res)
	return stageErr(a.Logger(), withStage(res, crawler.StageProducts), err)
}

// runBoth stops after the links stage when it fails or is interrupted. An
// unreachable upstream still lets the products stage run on the links file
// already on disk.
func runBoth(ctx context.Context, a App, runID string) error {
	res, err := a.RunLinks(ctx, runID)
	logStage(a.Logger(), res)
	if errors.Is(err, crawler.ErrUpstreamUnavailable) {
		a.Logger().Warn("links stage degraded, continuing with the existing links file", zap.Error(err))
		err = nil
	}
	if err != nil {
		return stageErr(a.Logger(), withStage(res, crawler.StageLinks), err)
	}
	if ctx.Err() != nil {
		return nil
	}
	return runProducts(ctx, a, runID)
}

func withStage(res pipeline.StageResult, stage crawler.Stage) pipeline.StageResult {
	if res.Stage == "" {
		res.Stage = stage
	}
	return res
}

func logStage(logger *zap.Logger, res pipeline.StageResult) {
	if res.RunID == "" {
		return
	}
	fields := []zap.Field{
		zap.String("run_id", res.RunID),
		zap.String("stage", string(res.Stage)),
		zap.String("file", res.File),
		zap.Int("inputs", res.Inputs),
		zap.Int("rows", res.Rows),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.Duration),
	}
	if res.ExportURI != "" {
		fields = append(fields, zap.String("export_uri", res.ExportURI))
	}
	for _, p := range res.Report.Failed() {
		logger.Warn("partition failed",
			zap.String("stage", string(res.Stage)),
			zap.Int("worker", p.Worker),
			zap.String("outcome", p.Outcome),
			zap.Int("items", p.Items),
			zap.Error(p.Err),
		)
	}
	logger.Info("stage summary", fields...)
}
