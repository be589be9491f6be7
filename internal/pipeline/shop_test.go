package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
)

// shop serves two category listings of two 60-item pages each, plus the
// product detail API. The second page of cat2 has one entry without a link.
type shop struct {
	srv *httptest.Server
	// failing product slugs answer 500; empty ones answer with no products.
	failing map[string]bool
	empty   map[string]bool
}

func newShop(t *testing.T) *shop {
	t.Helper()
	s := &shop{failing: map[string]bool{}, empty: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/shop/gb/groceries/{cat}", func(w http.ResponseWriter, r *http.Request) {
		s.listing(w, r.PathValue("cat"), 0)
	})
	mux.HandleFunc("/shop/CategoryDisplay", func(w http.ResponseWriter, r *http.Request) {
		begin, err := strconv.Atoi(r.URL.Query().Get("beginIndex"))
		if err != nil {
			http.Error(w, "bad beginIndex", http.StatusBadRequest)
			return
		}
		s.listing(w, r.URL.Query().Get("cat"), begin)
	})
	mux.HandleFunc("/groceries-api/gol-services/product/v1/product", s.detail)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *shop) seeds() []crawler.SeedURL {
	return []crawler.SeedURL{
		crawler.SeedURL(s.srv.URL + "/shop/gb/groceries/cat1"),
		crawler.SeedURL(s.srv.URL + "/shop/gb/groceries/cat2"),
	}
}

func (s *shop) apiBase() string {
	return s.srv.URL + "/groceries-api/gol-services"
}

func (s *shop) productLink(slug string) string {
	return s.srv.URL + "/shop/gb/groceries/product/details/" + slug
}

func (s *shop) listing(w http.ResponseWriter, cat string, begin int) {
	next := fmt.Sprintf("/shop/CategoryDisplay?cat=%s&beginIndex=60", cat)
	var b strings.Builder
	b.WriteString(`<html><body><div class="pagination"><ul class="pages">`)
	b.WriteString(`<li class="current"><span class="access">Current page</span><span>1</span></li>`)
	fmt.Fprintf(&b, `<li><a href="%s"><span class="access">Go to page</span><span>2</span></a></li>`, next)
	fmt.Fprintf(&b, `<li class="next"><a href="%s">Next</a></li></ul></div><ul class="productLister">`, next)
	for j := range crawler.PageSize {
		if cat == "cat2" && begin == 60 && j == 10 {
			b.WriteString(`<div class="product"><div class="productInfo"><h3>Unavailable</h3></div></div>`)
			continue
		}
		fmt.Fprintf(&b, `<div class="product"><div class="productInfo"><h3><a href="/shop/gb/groceries/product/details/%s-%d">Item</a></h3></div></div>`, cat, begin+j)
	}
	b.WriteString(`</ul></body></html>`)
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(b.String()))
}

func (s *shop) detail(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Query().Get("filter[product_seo_url]"), "gb/groceries/")
	switch {
	case s.failing[slug]:
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	case s.empty[slug]:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"products":[]}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"products":[{
		"name": "Item %[1]s",
		"description": ["About %[1]s", "More"],
		"unit_price": {"price": 1.25},
		"nectar_price": {"retail_price": 1.0},
		"image": "https://img.example/%[1]s.jpg",
		"size": "500g",
		"labels": [{"text": "Vegan"}],
		"reviews": {"total": 4, "average_rating": 4.5},
		"breadcrumbs": [{"label": "Fruit"}, {"label": "Apples"}]
	}]}`, slug)
}

type seedList []crawler.SeedURL

func (s seedList) Resolve(context.Context, string) ([]crawler.SeedURL, error) {
	return s, nil
}

type failingSeeds struct{ err error }

func (f failingSeeds) Resolve(context.Context, string) ([]crawler.SeedURL, error) {
	return nil, f.err
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages(s progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == s {
			out = append(out, e)
		}
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
