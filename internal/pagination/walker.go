// Package pagination walks a category listing: it reads the page count from
// the first page's pagination control, synthesizes every page URL, and
// collects the product links found on each page.
package pagination

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/document"
)

const (
	paginationSelector = "div.pagination"
	nextSelector       = "li.next"
	productSelector    = "div.product"
	productLinkSel     = "div.productInfo a"
)

// State is what the first page's pagination control tells us.
type State struct {
	// Link is the absolute URL of the control preceding "next".
	Link *url.URL
	// BaseQuery is Link's query string.
	BaseQuery Query
	// TotalPages is read from the control's page-count label.
	TotalPages int
}

// Result is the outcome of walking one seed. Links holds everything collected
// before Err, if any, occurred.
type Result struct {
	Seed       crawler.SeedURL
	Links      []crawler.ProductLink
	TotalPages int
	Pages      int
	Malformed  int
	Err        error
}

// Walker walks seeds one page at a time through a single fetcher.
type Walker struct {
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds a Walker.
func New(fetcher crawler.Fetcher, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{fetcher: fetcher, logger: logger}
}

// Walk collects the product links of one category listing. It never retries:
// the first fetch or parse failure ends the walk and is returned in Result.Err
// alongside the links gathered so far.
func (w *Walker) Walk(ctx context.Context, runID string, seed crawler.SeedURL) Result {
	res := Result{Seed: seed}
	logger := w.logger.With(zap.String("seed", string(seed)))

	first, firstURL, err := w.fetchPage(ctx, runID, string(seed))
	if err != nil {
		res.Err = err
		return res
	}
	res.Pages++

	pagination := first.Find(paginationSelector).First()
	firstLinks, malformed := extractLinks(first, firstURL)
	if pagination.Length() == 0 {
		res.Links = firstLinks
		res.Malformed = malformed
		logger.Debug("listing has no pagination control", zap.Int("links", len(firstLinks)))
		return res
	}

	state, err := readState(pagination, firstURL)
	if err != nil {
		res.Links = firstLinks
		res.Malformed = malformed
		res.Err = err
		return res
	}
	res.TotalPages = state.TotalPages
	if state.TotalPages == 0 {
		res.Links = firstLinks
		res.Malformed = malformed
		return res
	}

	for pageNumber := 0; pageNumber < state.TotalPages; pageNumber++ {
		pageURL := PageURL(state.Link, state.BaseQuery.clone(), pageNumber)
		page, finalURL, err := w.fetchPage(ctx, runID, pageURL)
		if err != nil {
			// Page 0 carries the same entries as the seed; keep them rather than
			// losing the whole category.
			if pageNumber == 0 {
				res.Links = firstLinks
				res.Malformed = malformed
			}
			res.Err = fmt.Errorf("page %d of %d: %w", pageNumber+1, state.TotalPages, err)
			return res
		}
		res.Pages++
		if page.Find(paginationSelector).Length() == 0 {
			logger.Warn("page lost its pagination control, skipping",
				zap.String("url", pageURL),
				zap.Int("page", pageNumber),
			)
			continue
		}
		links, bad := extractLinks(page, finalURL)
		res.Links = append(res.Links, links...)
		res.Malformed += bad
	}
	return res
}

func (w *Walker) fetchPage(ctx context.Context, runID, rawURL string) (*goquery.Document, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("walk canceled: %w", err)
	}
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{RunID: runID, URL: rawURL})
	if err != nil {
		return nil, "", err
	}
	doc, err := document.Parse(resp.Body)
	if err != nil {
		return nil, "", err
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	return doc, finalURL, nil
}

// readState locates the "next" control and its preceding sibling, whose
// second span holds the page count and whose anchor carries the base query.
func readState(pagination *goquery.Selection, pageURL string) (State, error) {
	next := pagination.Find(nextSelector).First()
	if next.Length() == 0 {
		return State{}, crawler.NewParseShapeError("pagination control has no %s", nextSelector)
	}
	prev := next.PrevAllFiltered("li").First()
	if prev.Length() == 0 {
		return State{}, crawler.NewParseShapeError("pagination control has no item before %s", nextSelector)
	}

	spans := prev.Find("span")
	if spans.Length() < 2 {
		return State{}, crawler.NewParseShapeError("page-count control has %d spans, want 2", spans.Length())
	}
	label := strings.TrimSpace(spans.Eq(1).Text())
	totalPages, err := strconv.Atoi(label)
	if err != nil || totalPages < 0 {
		return State{}, &crawler.ParseShapeError{What: fmt.Sprintf("page-count label %q", label), Err: err}
	}

	href, ok := prev.Find("a").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return State{}, crawler.NewParseShapeError("page-count control has no link")
	}
	abs, err := crawler.ResolveLink(pageURL, href)
	if err != nil {
		return State{}, &crawler.ParseShapeError{What: "pagination link", Err: err}
	}
	link, err := url.Parse(abs)
	if err != nil {
		return State{}, &crawler.ParseShapeError{What: "pagination link", Err: err}
	}
	return State{Link: link, BaseQuery: ParseQuery(link.RawQuery), TotalPages: totalPages}, nil
}

// extractLinks returns the link of every product entry on the page. Entries
// without a usable anchor are counted as malformed and skipped.
func extractLinks(doc *goquery.Document, pageURL string) ([]crawler.ProductLink, int) {
	var (
		links     []crawler.ProductLink
		malformed int
	)
	doc.Find(productSelector).Each(func(_ int, product *goquery.Selection) {
		href, ok := product.Find(productLinkSel).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			malformed++
			return
		}
		abs, err := crawler.ResolveLink(pageURL, href)
		if err != nil {
			malformed++
			return
		}
		links = append(links, crawler.ProductLink(abs))
	})
	return links, malformed
}
