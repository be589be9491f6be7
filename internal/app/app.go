// Package app initializes and holds the long-lived services a scraper command
// needs, acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/clock/system"
	"github.com/mystery000/sainsburys-scraper/internal/config"
	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	collyfetcher "github.com/mystery000/sainsburys-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/mystery000/sainsburys-scraper/internal/fetcher/headless"
	"github.com/mystery000/sainsburys-scraper/internal/fetcher/pool"
	"github.com/mystery000/sainsburys-scraper/internal/id/uuid"
	"github.com/mystery000/sainsburys-scraper/internal/logging"
	"github.com/mystery000/sainsburys-scraper/internal/metrics"
	"github.com/mystery000/sainsburys-scraper/internal/normalize"
	"github.com/mystery000/sainsburys-scraper/internal/orchestrator"
	"github.com/mystery000/sainsburys-scraper/internal/pipeline"
	"github.com/mystery000/sainsburys-scraper/internal/policy/ratelimit"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
	"github.com/mystery000/sainsburys-scraper/internal/progress/sinks"
	"github.com/mystery000/sainsburys-scraper/internal/proxy"
	pubsubpublisher "github.com/mystery000/sainsburys-scraper/internal/publisher/pubsub"
	"github.com/mystery000/sainsburys-scraper/internal/sink"
	gcsstore "github.com/mystery000/sainsburys-scraper/internal/storage/gcs"
	localstore "github.com/mystery000/sainsburys-scraper/internal/storage/local"
	"github.com/mystery000/sainsburys-scraper/internal/taxonomy"
)

// Options override how New builds some services. Zero values use the
// production defaults.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// App holds the shared services of one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	hub       *progress.Hub
	metrics   *metrics.Server
	exporter  *pipeline.Exporter
	pipeline  *pipeline.Pipeline
	clock     crawler.Clock
	ids       crawler.IDGenerator
	limiter   *ratelimit.Limiter
	closers   []func() error
	closeLogs func() error
}

// New builds every service cfg asks for. It fails fast: a service that cannot
// start is an error, and anything already started is closed again.
func New(ctx context.Context, cfg config.Config, opts Options) (built *App, err error) {
	a := &App{cfg: cfg, ids: uuid.New()}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.logger = opts.Logger
	if a.logger == nil {
		logger, closeLogs, lerr := logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			File:        logFile(cfg.Logging),
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
		})
		if lerr != nil {
			return nil, fmt.Errorf("init logger: %w", lerr)
		}
		a.logger, a.closeLogs = logger, closeLogs
	}
	a.logger.Info("initializing application services")

	clock, err := system.Named(cfg.Site.Timezone)
	if err != nil {
		return nil, fmt.Errorf("site timezone: %w", err)
	}
	a.clock = clock
	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetcher.RequestsPerSecond,
		DefaultBurst: cfg.Fetcher.Burst,
	})

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinks.NewLogSink(a.logger.Named("progress")), promSink)

	if cfg.Metrics.Enabled {
		srv, serr := metrics.Start(cfg.Metrics.Addr, a.logger.Named("metrics"))
		if serr != nil {
			return nil, fmt.Errorf("start metrics server: %w", serr)
		}
		a.metrics = srv
	}

	exporter, err := a.buildExporter(ctx)
	if err != nil {
		return nil, err
	}
	a.exporter = exporter

	pipeOpts := []pipeline.Option{pipeline.WithEmitter(a.hub)}
	if exporter != nil {
		pipeOpts = append(pipeOpts, pipeline.WithExporter(exporter))
	}
	a.pipeline = pipeline.New(a.logger, pipeOpts...)

	a.logger.Info("application services initialized",
		zap.String("strategy", cfg.Fetcher.Strategy),
		zap.String("export", cfg.Export.Provider),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)
	return a, nil
}

func logFile(cfg config.LoggingConfig) string {
	if !cfg.ToFile {
		return ""
	}
	return cfg.File
}

func (a *App) buildExporter(ctx context.Context) (*pipeline.Exporter, error) {
	var store crawler.BlobStore
	switch a.cfg.Export.Provider {
	case config.ExportNone, "":
		return nil, nil
	case config.ExportLocal:
		local, err := localstore.New(localstore.Config{BaseDir: a.cfg.Export.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local export: %w", err)
		}
		store = local
	case config.ExportGCS:
		gcs, err := gcsstore.Open(ctx, gcsstore.Config{Bucket: a.cfg.Export.GCSBucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("init gcs export: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		store = gcs
	default:
		return nil, fmt.Errorf("unknown export provider %q", a.cfg.Export.Provider)
	}

	var publisher crawler.Publisher
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.Topic != "" {
		pub, err := pubsubpublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		publisher = pub
	}
	return pipeline.NewExporter(store, publisher, pipeline.ExportConfig{
		Prefix: a.cfg.Export.Prefix,
		Topic:  a.cfg.PubSub.Topic,
	}, a.logger)
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the stage runner.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// NewRunID returns a fresh run id.
func (a *App) NewRunID() (string, error) {
	return a.ids.NewID()
}

func (a *App) httpConnector(proxyURL string) crawler.Connector {
	return ratelimit.Connector(collyfetcher.NewConnector(collyfetcher.Config{
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.Fetcher.Timeout,
		ProxyURL:  proxyURL,
	}), a.limiter)
}

func (a *App) browserPool() (*pool.Pool, error) {
	conns := make([]crawler.Connector, 0, len(a.cfg.Fetcher.BrowserEndpoints))
	for _, endpoint := range a.cfg.Fetcher.BrowserEndpoints {
		c, err := headlessfetcher.NewConnector(headlessfetcher.Config{
			Endpoint:          endpoint,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Fetcher.NavigationTimeout,
			SettleDelay:       a.cfg.Fetcher.SettleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("browser endpoint %q: %w", endpoint, err)
		}
		conns = append(conns, ratelimit.Connector(c, a.limiter))
	}
	return pool.New(conns...)
}

// LinkConnectors returns the stage 1 connectors and worker count. The browser
// strategy gets one connector per endpoint shared by its sessions.
func (a *App) LinkConnectors() (*pool.Pool, int, error) {
	if a.cfg.Fetcher.Strategy == config.StrategyBrowser {
		p, err := a.browserPool()
		if err != nil {
			return nil, 0, err
		}
		return p, a.cfg.LinkWorkers(p.Size()), nil
	}
	p, err := pool.New(a.httpConnector(""))
	if err != nil {
		return nil, 0, err
	}
	return p, a.cfg.LinkWorkers(p.Size()), nil
}

// ProductConnectors returns the stage 2 connectors and worker count. With the
// HTTP strategy worker 0 goes direct and the others spread over the live
// proxies.
func (a *App) ProductConnectors(ctx context.Context) (orchestrator.Connectors, int, error) {
	if a.cfg.Fetcher.Strategy == config.StrategyBrowser {
		p, err := a.browserPool()
		if err != nil {
			return nil, 0, err
		}
		workers := a.cfg.Pipeline.ProductWorkers
		if workers <= 0 {
			workers = a.cfg.LinkWorkers(p.Size())
		}
		return p, workers, nil
	}

	proxies := a.Proxies(ctx)
	conns := make([]crawler.Connector, 0, len(proxies))
	for _, p := range proxies {
		conns = append(conns, a.httpConnector(p))
	}
	d, err := pool.NewDirectFirst(a.httpConnector(""), conns...)
	if err != nil {
		return nil, 0, err
	}
	return d, a.cfg.ProductWorkers(len(proxies)), nil
}

// Proxies builds the configured proxy URLs, keeping only live ones when
// probing is enabled.
func (a *App) Proxies(ctx context.Context) []string {
	port := ""
	if a.cfg.Proxy.Port > 0 {
		port = strconv.Itoa(a.cfg.Proxy.Port)
	}
	urls := proxy.BuildURLs(a.cfg.Proxy.Hosts, proxy.Credentials{
		Scheme:   a.cfg.Proxy.Scheme,
		Username: a.cfg.Proxy.Username,
		Password: a.cfg.Proxy.Password,
		Port:     port,
	})
	if !a.cfg.Proxy.Probe || len(urls) == 0 {
		return urls
	}
	return proxy.FilterLive(ctx, urls, a.cfg.Proxy.ProbeURL, a.cfg.Proxy.ProbeTimeout,
		a.cfg.Proxy.ProbeConcurrency, a.logger.Named("proxy"))
}

// Seeds resolves the category tree through the first connector of c.
func (a *App) Seeds(c orchestrator.Connectors) pipeline.SeedSource {
	return taxonomy.NewConnected(c.For(0), a.cfg.Site.TaxonomyURL, a.cfg.Site.ShopBase, a.logger.Named("taxonomy"))
}

// LinksOptions assembles the stage 1 options for runID.
func (a *App) LinksOptions(runID string) (pipeline.LinksOptions, error) {
	conns, workers, err := a.LinkConnectors()
	if err != nil {
		return pipeline.LinksOptions{}, fmt.Errorf("link connectors: %w", err)
	}
	return pipeline.LinksOptions{
		RunID:       runID,
		Seeds:       a.Seeds(conns),
		Connectors:  conns,
		Workers:     workers,
		File:        a.cfg.Pipeline.LinksFile,
		Mode:        sink.Mode(a.cfg.Pipeline.LinksMode),
		WithID:      a.cfg.Pipeline.LinksWithID,
		Dedup:       a.cfg.Pipeline.DedupLinks,
		GracePeriod: a.cfg.Pipeline.GracePeriod,
	}, nil
}

// ProductsOptions assembles the stage 2 options for runID.
func (a *App) ProductsOptions(ctx context.Context, runID string) (pipeline.ProductsOptions, error) {
	conns, workers, err := a.ProductConnectors(ctx)
	if err != nil {
		return pipeline.ProductsOptions{}, fmt.Errorf("product connectors: %w", err)
	}
	return pipeline.ProductsOptions{
		RunID:         runID,
		LinksFile:     a.cfg.Pipeline.LinksFile,
		Connectors:    conns,
		Workers:       workers,
		File:          a.cfg.Pipeline.ProductsFile,
		Mode:          sink.Mode(a.cfg.Pipeline.ProductsMode),
		DetailAPIBase: a.cfg.Site.DetailAPIBase,
		Normalizer:    normalize.New(a.cfg.Site.Source, a.clock),
		GracePeriod:   a.cfg.Pipeline.GracePeriod,
	}, nil
}

// RunLinks runs stage 1 under runID.
func (a *App) RunLinks(ctx context.Context, runID string) (pipeline.StageResult, error) {
	opts, err := a.LinksOptions(runID)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return a.pipeline.Links(ctx, opts)
}

// RunProducts runs stage 2 under runID.
func (a *App) RunProducts(ctx context.Context, runID string) (pipeline.StageResult, error) {
	opts, err := a.ProductsOptions(ctx, runID)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return a.pipeline.Products(ctx, opts)
}

// Close shuts every service down. Errors are logged.
func (a *App) Close(ctx context.Context) {
	logger := a.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			logger.Warn("closing progress hub failed", zap.Error(err))
		}
		logger.Debug("progress hub closed",
			zap.Int64("delivered", a.hub.Delivered()),
			zap.Int64("dropped", a.hub.Dropped()),
		)
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			logger.Warn("stopping metrics server failed", zap.Error(err))
		}
		a.metrics = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("closing export services failed", zap.Error(err))
	}
	a.closers = nil
	_ = logger.Sync()
	if a.closeLogs != nil {
		_ = a.closeLogs()
	}
}
