// Package collyfetcher implements the direct-HTTP fetch strategy on gocolly.
// A Connector hands each worker its own Fetcher, optionally bound to one
// forward proxy.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config is shared by every session a Connector creates.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// ProxyURL routes every request through one forward proxy when set.
	ProxyURL string
}

// Fetcher is one HTTP session. Its transport keeps connections alive across
// the listing and API requests of a partition.
type Fetcher struct {
	transport *http.Transport
	base      *colly.Collector
}

// New builds a Fetcher. Only an unparseable proxy URL fails.
func New(cfg Config) (*Fetcher, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	base := colly.NewCollector(colly.AllowURLRevisit(), colly.IgnoreRobotsTxt())
	base.WithTransport(transport)
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{transport: transport, base: base}, nil
}

// Fetch performs one GET. ctx cancels the request in flight. Transport
// failures and non-2xx answers come back as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	c := f.base.Clone()
	c.Context = ctx

	var (
		out     crawler.FetchResponse
		failed  *colly.Response
		failure error
	)
	start := time.Now()
	c.OnRequest(func(r *colly.Request) { mergeHeaders(r.Headers, req.Headers) })
	c.OnResponse(func(r *colly.Response) { out = toResponse(r, req.RunID, time.Since(start)) })
	c.OnError(func(r *colly.Response, err error) { failed, failure = r, err })

	err := c.Visit(req.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
	}
	if failure != nil {
		err = failure
	}
	if err != nil {
		status := 0
		if failed != nil {
			status = failed.StatusCode
		}
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: status, Err: err}
	}
	return out, nil
}

// Close drops idle keep-alive connections.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func mergeHeaders(dst *http.Header, src http.Header) {
	if dst == nil {
		return
	}
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func toResponse(r *colly.Response, runID string, took time.Duration) crawler.FetchResponse {
	resp := crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   took,
		RunID:      runID,
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

// Connector creates direct-HTTP sessions sharing one Config.
type Connector struct {
	cfg Config
}

// NewConnector builds a Connector for cfg.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// Connect builds a Fetcher; nothing is dialed until the first fetch.
func (c *Connector) Connect(ctx context.Context) (crawler.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	f, err := New(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("build http session: %w", err)
	}
	return f, nil
}

// String names the route for logs, without proxy credentials.
func (c *Connector) String() string {
	if c.cfg.ProxyURL == "" {
		return "http:direct"
	}
	u, err := url.Parse(c.cfg.ProxyURL)
	if err != nil {
		return "http:proxy"
	}
	return "http:proxy:" + u.Host
}
