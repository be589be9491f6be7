// Package pool maps workers onto a fixed set of fetcher connectors.
package pool

import (
	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// Pool hands connector workerIndex mod Size() to each worker. Several workers
// may share one connector when the pool is smaller than the worker count.
type Pool struct {
	connectors []crawler.Connector
}

// New builds a Pool. An empty pool is a setup error.
func New(connectors ...crawler.Connector) (*Pool, error) {
	out := make([]crawler.Connector, 0, len(connectors))
	for _, c := range connectors {
		if c != nil {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, crawler.ErrNoConnectors
	}
	return &Pool{connectors: out}, nil
}

// For returns the connector assigned to worker i. Negative indices wrap like
// any other.
func (p *Pool) For(i int) crawler.Connector {
	n := len(p.connectors)
	return p.connectors[(i%n+n)%n]
}

// Size returns the number of distinct connectors.
func (p *Pool) Size() int {
	return len(p.connectors)
}

// DirectFirst gives worker 0 the direct connector and spreads every other
// worker over the proxies: worker i uses proxies[(i-1) mod len(proxies)].
// Without proxies every worker goes direct.
type DirectFirst struct {
	direct  crawler.Connector
	proxies []crawler.Connector
}

// NewDirectFirst builds a DirectFirst assignment.
func NewDirectFirst(direct crawler.Connector, proxies ...crawler.Connector) (*DirectFirst, error) {
	if direct == nil {
		return nil, crawler.ErrNoConnectors
	}
	out := make([]crawler.Connector, 0, len(proxies))
	for _, c := range proxies {
		if c != nil {
			out = append(out, c)
		}
	}
	return &DirectFirst{direct: direct, proxies: out}, nil
}

// For returns the connector assigned to worker i.
func (d *DirectFirst) For(i int) crawler.Connector {
	if i <= 0 || len(d.proxies) == 0 {
		return d.direct
	}
	return d.proxies[(i-1)%len(d.proxies)]
}

// Size returns the number of distinct connectors.
func (d *DirectFirst) Size() int {
	return 1 + len(d.proxies)
}
