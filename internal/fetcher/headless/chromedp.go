// Package headless contains the remote-browser fetch strategy. Each Session
// owns one tab in a browser reached over the DevTools protocol.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// Endpoint is the browser's DevTools address, either ws://host:port/devtools/browser/<id>
	// or ws://host:port, in which case the websocket URL is discovered.
	Endpoint          string
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so late scripts can run.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	return c
}

// Connector attaches new tabs to one remote browser.
type Connector struct {
	cfg Config
}

// NewConnector validates cfg and returns a Connector.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("browser endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse browser endpoint: %w", err)
	}
	return &Connector{cfg: cfg.withDefaults()}, nil
}

// Connect opens a tab in the remote browser. The tab lives until the returned
// Session is closed or ctx is canceled.
func (c *Connector) Connect(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, c.cfg.Endpoint)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	release := func() {
		tabCancel()
		allocCancel()
	}
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		release()
		return nil, fmt.Errorf("attach to browser %s: %w", c, err)
	}
	if c.cfg.UserAgent != "" {
		if err := chromedp.Run(tabCtx, emulation.SetUserAgentOverride(c.cfg.UserAgent)); err != nil {
			release()
			return nil, fmt.Errorf("set user agent on %s: %w", c, err)
		}
	}
	return &Fetcher{cfg: c.cfg, tab: tabCtx, release: release}, nil
}

// String identifies the endpoint in logs without credentials or paths.
func (c *Connector) String() string {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil || u.Host == "" {
		return "browser"
	}
	return "browser:" + u.Host
}

// Fetcher is one browser tab. Fetches on the same tab are serialized.
type Fetcher struct {
	cfg     Config
	mu      sync.Mutex
	tab     context.Context
	release context.CancelFunc
}

// Close closes the tab and releases the allocator.
func (f *Fetcher) Close() error {
	f.release()
	return nil
}

// Fetch navigates the tab to req.URL and returns the rendered DOM. The status
// and headers are those of the last document response seen during the
// navigation, so redirects report their final hop.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	navCtx, cancel := context.WithTimeout(f.tab, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(navCtx, doc.observe)

	var html, location string
	start := time.Now()
	err := chromedp.Run(navCtx,
		network.SetExtraHTTPHeaders(networkHeaders(req.Headers)),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch %s: %w", req.URL, ctx.Err())
		}
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Err: fmt.Errorf("navigate: %w", err)}
	}

	status, headers, finalURL := doc.result(firstNonEmpty(location, req.URL))
	if status < 200 || status >= 300 {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        req.URL,
			StatusCode: status,
			Err:        fmt.Errorf("document status %d", status),
		}
	}
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		RunID:        req.RunID,
	}, nil
}

// documentResponse remembers the latest top-level document response.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := httpHeaders(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// result falls back to 200 and fallbackURL when no document response arrived,
// which happens for pages served from the browser cache.
func (d *documentResponse) result(fallbackURL string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, firstNonEmpty(d.url, fallbackURL)
}

// httpHeaders converts DevTools headers, which may arrive as strings or lists.
func httpHeaders(src network.Headers) http.Header {
	dst := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				dst.Add(key, line)
			}
		case []any:
			for _, item := range v {
				dst.Add(key, fmt.Sprint(item))
			}
		default:
			dst.Add(key, fmt.Sprint(v))
		}
	}
	return dst
}

// networkHeaders folds repeated values into one comma-separated value, the
// only form SetExtraHTTPHeaders accepts.
func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
