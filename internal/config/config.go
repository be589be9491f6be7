// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetch strategies.
const (
	StrategyHTTP    = "http"
	StrategyBrowser = "browser"
)

// Sink modes.
const (
	ModeTruncate = "truncate"
	ModeResume   = "resume"
)

// Export providers.
const (
	ExportNone  = "none"
	ExportLocal = "local"
	ExportGCS   = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// SiteConfig names the upstream endpoints.
type SiteConfig struct {
	ShopBase      string `mapstructure:"shop_base"`
	TaxonomyURL   string `mapstructure:"taxonomy_url"`
	DetailAPIBase string `mapstructure:"detail_api_base"`
	Source        string `mapstructure:"source"`
	Timezone      string `mapstructure:"timezone"`
}

// FetcherConfig selects and tunes the fetch strategy.
type FetcherConfig struct {
	Strategy            string        `mapstructure:"strategy"`
	BrowserEndpoints    []string      `mapstructure:"browser_endpoints"`
	SessionsPerEndpoint int           `mapstructure:"sessions_per_endpoint"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
}

// ProxyConfig lists outbound proxies. Credentials are expected from the
// environment.
type ProxyConfig struct {
	Hosts            []string      `mapstructure:"hosts"`
	Port             int           `mapstructure:"port"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Scheme           string        `mapstructure:"scheme"`
	Probe            bool          `mapstructure:"probe"`
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

// PipelineConfig controls both stages.
type PipelineConfig struct {
	LinkWorkers    int           `mapstructure:"link_workers"`
	ProductWorkers int           `mapstructure:"product_workers"`
	LinksFile      string        `mapstructure:"links_file"`
	ProductsFile   string        `mapstructure:"products_file"`
	LinksMode      string        `mapstructure:"links_mode"`
	ProductsMode   string        `mapstructure:"products_mode"`
	LinksWithID    bool          `mapstructure:"links_with_id"`
	DedupLinks     bool          `mapstructure:"dedup_links"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	ToFile      bool   `mapstructure:"to_file"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig controls where finished output files are copied.
type ExportConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for stage notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv keeps the unprefixed proxy variables working alongside the
// SCRAPER_ ones.
func bindLegacyEnv(v *viper.Viper) error {
	for key, env := range map[string]string{
		"proxy.username": "PROXY_USERNAME",
		"proxy.password": "PROXY_PASSWORD",
		"proxy.port":     "PROXY_PORT",
	} {
		prefixed := "SCRAPER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.shop_base", "https://www.sainsburys.co.uk/shop")
	v.SetDefault("site.taxonomy_url", "https://www.sainsburys.co.uk/groceries-api/gol-services/product/categories/tree")
	v.SetDefault("site.detail_api_base", "https://www.sainsburys.co.uk/groceries-api/gol-services")
	v.SetDefault("site.source", "Sainsburys")
	v.SetDefault("site.timezone", "Local")
	v.SetDefault("fetcher.strategy", StrategyHTTP)
	v.SetDefault("fetcher.browser_endpoints", []string{})
	v.SetDefault("fetcher.sessions_per_endpoint", 2)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.settle_delay", 500*time.Millisecond)
	v.SetDefault("fetcher.requests_per_second", 0)
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("proxy.hosts", []string{})
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.scheme", "http")
	v.SetDefault("proxy.probe", false)
	v.SetDefault("proxy.probe_url", "https://www.sainsburys.co.uk/")
	v.SetDefault("proxy.probe_timeout", 10*time.Second)
	v.SetDefault("proxy.probe_concurrency", 8)
	v.SetDefault("pipeline.link_workers", 0)
	v.SetDefault("pipeline.product_workers", 0)
	v.SetDefault("pipeline.links_file", "product_links.csv")
	v.SetDefault("pipeline.products_file", "products.csv")
	v.SetDefault("pipeline.links_mode", ModeTruncate)
	v.SetDefault("pipeline.products_mode", ModeTruncate)
	v.SetDefault("pipeline.links_with_id", true)
	v.SetDefault("pipeline.dedup_links", true)
	v.SetDefault("pipeline.grace_period", 5*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.to_file", false)
	v.SetDefault("logging.file", "scraper.log")
	v.SetDefault("logging.max_size_mb", 1024)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("export.provider", ExportNone)
	v.SetDefault("export.prefix", "exports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Fetcher.Strategy {
	case StrategyHTTP:
	case StrategyBrowser:
		if len(c.Fetcher.BrowserEndpoints) == 0 {
			return fmt.Errorf("fetcher.browser_endpoints must be set for the browser strategy")
		}
		if c.Fetcher.SessionsPerEndpoint <= 0 {
			return fmt.Errorf("fetcher.sessions_per_endpoint must be > 0")
		}
	default:
		return fmt.Errorf("fetcher.strategy must be %q or %q, got %q", StrategyHTTP, StrategyBrowser, c.Fetcher.Strategy)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		return fmt.Errorf("fetcher.requests_per_second must be >= 0")
	}
	if len(c.Proxy.Hosts) > 0 && c.Proxy.Port <= 0 {
		return fmt.Errorf("proxy.port must be > 0 when proxy.hosts is set")
	}
	if c.Pipeline.LinkWorkers < 0 || c.Pipeline.ProductWorkers < 0 {
		return fmt.Errorf("pipeline worker counts must be >= 0")
	}
	if strings.TrimSpace(c.Pipeline.LinksFile) == "" || strings.TrimSpace(c.Pipeline.ProductsFile) == "" {
		return fmt.Errorf("pipeline.links_file and pipeline.products_file are required")
	}
	for name, mode := range map[string]string{
		"pipeline.links_mode":    c.Pipeline.LinksMode,
		"pipeline.products_mode": c.Pipeline.ProductsMode,
	} {
		if mode != ModeTruncate && mode != ModeResume {
			return fmt.Errorf("%s must be %q or %q, got %q", name, ModeTruncate, ModeResume, mode)
		}
	}
	if c.Logging.ToFile && strings.TrimSpace(c.Logging.File) == "" {
		return fmt.Errorf("logging.file is required when logging.to_file is set")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	switch c.Export.Provider {
	case ExportNone, "":
	case ExportLocal:
		if c.Export.LocalDir == "" {
			return fmt.Errorf("export.local_dir is required for the local provider")
		}
	case ExportGCS:
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("export.provider %q is not supported", c.Export.Provider)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic is set")
	}
	return nil
}

// LinkWorkers returns the stage 1 worker count. Zero means one worker per
// browser session, or one per connector for the HTTP strategy.
func (c Config) LinkWorkers(connectors int) int {
	if c.Pipeline.LinkWorkers > 0 {
		return c.Pipeline.LinkWorkers
	}
	if c.Fetcher.Strategy == StrategyBrowser {
		return len(c.Fetcher.BrowserEndpoints) * c.Fetcher.SessionsPerEndpoint
	}
	return max(connectors, 1)
}

// ProductWorkers returns the stage 2 worker count: one direct worker plus one
// per proxy unless overridden.
func (c Config) ProductWorkers(proxies int) int {
	if c.Pipeline.ProductWorkers > 0 {
		return c.Pipeline.ProductWorkers
	}
	return 1 + proxies
}
