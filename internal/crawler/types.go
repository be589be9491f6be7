// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// PageSize is the number of product entries the listing pages return per page.
// The upstream paginates with beginIndex = PageSize * pageNumber.
const PageSize = 60

// SeedURL identifies the first page of one category listing.
type SeedURL string

// ProductLink identifies one product detail page.
type ProductLink string

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the normalized response returned by fetchers.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RunID        string
}

// ProductRecord is one normalized row of the products file. Absent upstream
// fields are stored as empty strings, nil prices, or zero review figures.
type ProductRecord struct {
	Source        string
	Title         string
	Summary       string
	Description   string
	UnitPrice     *float64
	LoyaltyPrice  *float64
	AverageRating float64
	ReviewCount   int
	Categories    string
	ProductURL    string
	ImageURL      string
	Size          string
	Tags          string
	LastUpdated   time.Time
}

// Stage names a pipeline stage.
type Stage string

// Pipeline stages.
const (
	StageLinks    Stage = "links"
	StageProducts Stage = "products"
)
