// Package taxonomy turns the catalog's category tree into listing seed URLs.
package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/document"
)

// DefaultTreeURL is the category tree endpoint.
const DefaultTreeURL = "https://www.sainsburys.co.uk/groceries-api/gol-services/product/categories/tree"

// DefaultShopBase is the root the listing URLs are built under.
const DefaultShopBase = "https://www.sainsburys.co.uk/shop"

type tree struct {
	CategoryHierarchy *struct {
		C []struct {
			S *string `json:"s"`
		} `json:"c"`
	} `json:"category_hierarchy"`
}

// Resolver fetches the category tree.
type Resolver struct {
	fetcher  crawler.Fetcher
	treeURL  string
	shopBase string
	logger   *zap.Logger
}

// New builds a Resolver. Empty URLs fall back to the defaults.
func New(fetcher crawler.Fetcher, treeURL, shopBase string, logger *zap.Logger) *Resolver {
	if treeURL == "" {
		treeURL = DefaultTreeURL
	}
	if shopBase == "" {
		shopBase = DefaultShopBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fetcher:  fetcher,
		treeURL:  treeURL,
		shopBase: strings.TrimRight(shopBase, "/"),
		logger:   logger,
	}
}

// Resolve returns one seed per top-level category, in tree order. On any
// fetch or decode failure it returns no seeds and an error wrapping
// crawler.ErrUpstreamUnavailable; callers decide whether to continue.
func (r *Resolver) Resolve(ctx context.Context, runID string) ([]crawler.SeedURL, error) {
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{RunID: runID, URL: r.treeURL})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch category tree: %w", crawler.ErrUpstreamUnavailable, err)
	}
	payload, err := document.JSON(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: category tree body: %w", crawler.ErrUpstreamUnavailable, err)
	}
	var t tree
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: decode category tree: %w", crawler.ErrUpstreamUnavailable, err)
	}
	if t.CategoryHierarchy == nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrUpstreamUnavailable,
			crawler.NewParseShapeError("category tree has no category_hierarchy"))
	}

	seeds := make([]crawler.SeedURL, 0, len(t.CategoryHierarchy.C))
	for i, c := range t.CategoryHierarchy.C {
		if c.S == nil || strings.TrimSpace(*c.S) == "" {
			r.logger.Warn("category without short code, skipping", zap.Int("index", i))
			continue
		}
		seeds = append(seeds, r.SeedFor(*c.S))
	}
	r.logger.Info("category tree resolved", zap.Int("seeds", len(seeds)))
	return seeds, nil
}

// SeedFor builds the listing URL for one category short code.
func (r *Resolver) SeedFor(shortCode string) crawler.SeedURL {
	return crawler.SeedURL(fmt.Sprintf("%s/%s/seeall?fromMegaNav=1", r.shopBase, strings.Trim(shortCode, "/")))
}

// ConnectedResolver opens its own session for each Resolve call.
type ConnectedResolver struct {
	connector crawler.Connector
	treeURL   string
	shopBase  string
	logger    *zap.Logger
}

// NewConnected builds a ConnectedResolver on connector.
func NewConnected(connector crawler.Connector, treeURL, shopBase string, logger *zap.Logger) *ConnectedResolver {
	return &ConnectedResolver{connector: connector, treeURL: treeURL, shopBase: shopBase, logger: logger}
}

// Resolve connects, resolves the tree, and closes the session. A connect
// failure is reported as ErrUpstreamUnavailable like any fetch failure.
func (c *ConnectedResolver) Resolve(ctx context.Context, runID string) ([]crawler.SeedURL, error) {
	if c.connector == nil {
		return nil, fmt.Errorf("%w: no connector for category tree", crawler.ErrUpstreamUnavailable)
	}
	session, err := c.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect for category tree: %w", crawler.ErrUpstreamUnavailable, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && c.logger != nil {
			c.logger.Warn("closing taxonomy session failed", zap.Error(cerr))
		}
	}()
	return New(session, c.treeURL, c.shopBase, c.logger).Resolve(ctx, runID)
}
