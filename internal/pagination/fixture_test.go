package pagination

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]error
	urls  []string
}

func newSite() *siteFetcher {
	return &siteFetcher{pages: map[string]string{}, fail: map[string]error{}}
}

func (s *siteFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, req.URL)
	if err, ok := s.fail[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := s.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: 404, Err: fmt.Errorf("not found")}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func (s *siteFetcher) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func paginationHTML(total int, href string) string {
	return fmt.Sprintf(`<div class="pagination"><ul class="pages">
<li class="previous"><span>Previous</span></li>
<li class="current"><span class="access">Current page</span><span>1</span></li>
<li><a href="%s"><span class="access">Go to page</span><span>%d</span></a></li>
<li class="next"><a href="%s">Next</a></li>
</ul></div>`, href, total, href)
}

func productHTML(hrefs ...string) string {
	var b strings.Builder
	for _, h := range hrefs {
		if h == "" {
			b.WriteString(`<div class="product"><div class="productInfo"><h3>No link</h3></div></div>`)
			continue
		}
		fmt.Fprintf(&b, `<div class="product"><div class="productInfo"><h3><a href="%s">Item</a></h3></div></div>`, h)
	}
	return b.String()
}

func listingHTML(pagination string, products string) string {
	return "<html><body>" + pagination + `<ul class="productLister">` + products + "</ul></body></html>"
}
