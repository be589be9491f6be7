// Package normalize maps product detail payloads onto the flat products-file
// record. Every upstream field is optional.
package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// DefaultSource is written to the source column.
const DefaultSource = "Sainsburys"

// Payload is the body of the product detail endpoint.
type Payload struct {
	Products []Product `json:"products"`
}

// Product holds the fields we read from one product. Pointers and nil slices
// mark absent keys.
type Product struct {
	Name        *string      `json:"name"`
	Description []string     `json:"description"`
	UnitPrice   *Price       `json:"unit_price"`
	NectarPrice *Price       `json:"nectar_price"`
	Image       *string      `json:"image"`
	Size        *string      `json:"size"`
	Labels      []Label      `json:"labels"`
	Reviews     *Reviews     `json:"reviews"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
}

// Price covers both unit_price and nectar_price objects.
type Price struct {
	Price       *float64 `json:"price"`
	RetailPrice *float64 `json:"retail_price"`
}

// Label is a product badge such as "Vegan".
type Label struct {
	Text *string `json:"text"`
}

// Reviews carries the rating summary. Upstream has used both review_count
// and total for the count.
type Reviews struct {
	Total         *int     `json:"total"`
	ReviewCount   *int     `json:"review_count"`
	AverageRating *float64 `json:"average_rating"`
}

// Breadcrumb is one level of the product's category path.
type Breadcrumb struct {
	Label *string `json:"label"`
}

// Count returns review_count when present, else total, else 0.
func (r *Reviews) Count() int {
	switch {
	case r == nil:
		return 0
	case r.ReviewCount != nil:
		return *r.ReviewCount
	case r.Total != nil:
		return *r.Total
	}
	return 0
}

// Rating returns average_rating or 0.
func (r *Reviews) Rating() float64 {
	if r == nil || r.AverageRating == nil {
		return 0
	}
	return *r.AverageRating
}

// Decode parses a detail payload and returns its first product.
func Decode(body []byte) (Product, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Product{}, &crawler.ParseShapeError{What: "product payload", Err: err}
	}
	if len(payload.Products) == 0 {
		return Product{}, crawler.NewParseShapeError("product payload has no products")
	}
	return payload.Products[0], nil
}

// Normalize maps p onto a ProductRecord stamped with now.
func Normalize(p Product, link crawler.ProductLink, source string, now time.Time) crawler.ProductRecord {
	rec := crawler.ProductRecord{
		Source:        source,
		Title:         deref(p.Name),
		Description:   strings.Join(p.Description, "\n"),
		AverageRating: p.Reviews.Rating(),
		ReviewCount:   p.Reviews.Count(),
		ProductURL:    string(link),
		ImageURL:      deref(p.Image),
		Size:          deref(p.Size),
		LastUpdated:   now,
	}
	if len(p.Description) > 0 {
		rec.Summary = p.Description[0]
	}
	if p.UnitPrice != nil {
		rec.UnitPrice = p.UnitPrice.Price
	}
	if p.NectarPrice != nil {
		rec.LoyaltyPrice = p.NectarPrice.RetailPrice
	}

	tags := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		if l.Text != nil {
			tags = append(tags, *l.Text)
		}
	}
	rec.Tags = strings.Join(tags, ",")

	categories := make([]string, 0, len(p.Breadcrumbs))
	for _, b := range p.Breadcrumbs {
		if b.Label != nil {
			categories = append(categories, *b.Label)
		}
	}
	rec.Categories = strings.Join(categories, ",")
	return rec
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Normalizer decodes and maps payloads with a fixed source and clock.
type Normalizer struct {
	source string
	clock  crawler.Clock
}

// New builds a Normalizer. An empty source falls back to DefaultSource.
func New(source string, clock crawler.Clock) *Normalizer {
	if source == "" {
		source = DefaultSource
	}
	return &Normalizer{source: source, clock: clock}
}

// Record decodes body and normalizes its first product.
func (n *Normalizer) Record(body []byte, link crawler.ProductLink) (crawler.ProductRecord, error) {
	p, err := Decode(body)
	if err != nil {
		return crawler.ProductRecord{}, err
	}
	return Normalize(p, link, n.source, n.clock.Now()), nil
}
