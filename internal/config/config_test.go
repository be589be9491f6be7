package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
site:
  source: TestShop
  timezone: Europe/London
fetcher:
  strategy: browser
  browser_endpoints: ["ws://chrome-a:9222", "ws://chrome-b:9222"]
  sessions_per_endpoint: 3
  timeout: 20s
  requests_per_second: 2.5
proxy:
  hosts: ["10.0.0.1", "10.0.0.2"]
  port: 808
pipeline:
  links_file: out/links.csv
  links_mode: resume
  dedup_links: false
  grace_period: 2s
logging:
  development: false
  to_file: true
  file: out/scraper.log
export:
  provider: local
  local_dir: out/exports
pubsub:
  project_id: proj
  topic: stage-done
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TestShop", cfg.Site.Source)
	assert.Equal(t, StrategyBrowser, cfg.Fetcher.Strategy)
	assert.Equal(t, []string{"ws://chrome-a:9222", "ws://chrome-b:9222"}, cfg.Fetcher.BrowserEndpoints)
	assert.Equal(t, 20*time.Second, cfg.Fetcher.Timeout)
	assert.InDelta(t, 2.5, cfg.Fetcher.RequestsPerSecond, 1e-9)
	assert.Equal(t, 808, cfg.Proxy.Port)
	assert.Equal(t, ModeResume, cfg.Pipeline.LinksMode)
	assert.Equal(t, ModeTruncate, cfg.Pipeline.ProductsMode)
	assert.False(t, cfg.Pipeline.DedupLinks)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.GracePeriod)
	assert.True(t, cfg.Logging.ToFile)
	assert.Equal(t, 1024, cfg.Logging.MaxSizeMB)
	assert.Equal(t, ExportLocal, cfg.Export.Provider)

	assert.Equal(t, 6, cfg.LinkWorkers(2))
	assert.Equal(t, 3, cfg.ProductWorkers(len(cfg.Proxy.Hosts)))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StrategyHTTP, cfg.Fetcher.Strategy)
	assert.Equal(t, 2, cfg.Fetcher.SessionsPerEndpoint)
	assert.Equal(t, "product_links.csv", cfg.Pipeline.LinksFile)
	assert.Equal(t, "products.csv", cfg.Pipeline.ProductsFile)
	assert.True(t, cfg.Pipeline.LinksWithID)
	assert.True(t, cfg.Pipeline.DedupLinks)
	assert.Equal(t, "Sainsburys", cfg.Site.Source)
	assert.Equal(t, 10, cfg.Logging.MaxBackups)
	assert.Equal(t, ExportNone, cfg.Export.Provider)
	assert.Equal(t, 1, cfg.LinkWorkers(1))
	assert.Equal(t, 1, cfg.ProductWorkers(0))
}

func TestLoadProxyCredentialsFromEnv(t *testing.T) {
	t.Setenv("PROXY_USERNAME", "alice")
	t.Setenv("PROXY_PASSWORD", "s3cret")
	t.Setenv("PROXY_PORT", "808")
	t.Setenv("SCRAPER_PROXY_HOSTS", "10.0.0.1,10.0.0.2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Proxy.Username)
	assert.Equal(t, "s3cret", cfg.Proxy.Password)
	assert.Equal(t, 808, cfg.Proxy.Port)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Proxy.Hosts)
}

func TestPrefixedEnvWins(t *testing.T) {
	t.Setenv("PROXY_USERNAME", "legacy")
	t.Setenv("SCRAPER_PROXY_USERNAME", "prefixed")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Proxy.Username)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown strategy", func(c *Config) { c.Fetcher.Strategy = "carrier-pigeon" }, "fetcher.strategy"},
		{"browser without endpoints", func(c *Config) { c.Fetcher.Strategy = StrategyBrowser }, "browser_endpoints"},
		{"zero timeout", func(c *Config) { c.Fetcher.Timeout = 0 }, "fetcher.timeout"},
		{"proxy without port", func(c *Config) { c.Proxy.Hosts = []string{"h"}; c.Proxy.Port = 0 }, "proxy.port"},
		{"bad mode", func(c *Config) { c.Pipeline.LinksMode = "append" }, "pipeline.links_mode"},
		{"missing file", func(c *Config) { c.Pipeline.ProductsFile = " " }, "products_file"},
		{"local export without dir", func(c *Config) { c.Export.Provider = ExportLocal }, "local_dir"},
		{"gcs export without bucket", func(c *Config) { c.Export.Provider = ExportGCS }, "gcs_bucket"},
		{"unknown export", func(c *Config) { c.Export.Provider = "s3" }, "export.provider"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "t" }, "project_id"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
