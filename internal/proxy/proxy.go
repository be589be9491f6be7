// Package proxy builds authenticated proxy URLs and filters out proxies that
// cannot reach the catalog.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

// Credentials are shared by every host in a pool.
type Credentials struct {
	Scheme   string
	Username string
	Password string
	Port     string
}

// BuildURLs returns one proxy URL per non-blank host. Hosts that already carry
// a port keep it.
func BuildURLs(hosts []string, creds Credentials) []string {
	scheme := creds.Scheme
	if scheme == "" {
		scheme = "http"
	}
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(host); err != nil && creds.Port != "" {
			host = net.JoinHostPort(host, creds.Port)
		}
		u := url.URL{Scheme: scheme, Host: host}
		if creds.Username != "" {
			u.User = url.UserPassword(creds.Username, creds.Password)
		}
		out = append(out, u.String())
	}
	return out
}

// Redact strips credentials from a proxy URL for logging.
func Redact(proxyURL string) string {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "invalid-proxy-url"
	}
	u.User = nil
	return u.String()
}

// Probe issues one GET to testURL through proxyURL.
func Probe(ctx context.Context, proxyURL, testURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetProxy(proxyURL).
		SetTLSClientConfig(&tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- liveness probe only; no payload is trusted.
		})
	defer client.Close() //nolint:errcheck // best-effort cleanup

	resp, err := client.R().
		SetContext(ctx).
		Get(testURL)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", Redact(proxyURL), err)
	}
	if resp.IsError() {
		return fmt.Errorf("probe via %s: status %s", Redact(proxyURL), resp.Status())
	}
	return nil
}

// FilterLive probes every proxy in parallel (at most concurrency at once) and
// returns the ones that answered, in their original order.
func FilterLive(
	ctx context.Context,
	proxies []string,
	testURL string,
	timeout time.Duration,
	concurrency int,
	logger *zap.Logger,
) []string {
	if len(proxies) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	live := make([]bool, len(proxies))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, p := range proxies {
		g.Go(func() error {
			if err := Probe(ctx, p, testURL, timeout); err != nil {
				logger.Info("proxy not working, skipping", zap.String("proxy", Redact(p)), zap.Error(err))
				return nil
			}
			live[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(proxies))
	for i, ok := range live {
		if ok {
			out = append(out, proxies[i])
		}
	}
	logger.Info("proxy pool probed", zap.Int("working", len(out)), zap.Int("tested", len(proxies)))
	return out
}
