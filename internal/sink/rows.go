package sink

import (
	"strconv"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// LastUpdatedLayout is the day-first layout used for the last_updated column.
const LastUpdatedLayout = "02/01/2006 15:04:05"

// LinkColumn is the key column of the links file.
const LinkColumn = "link"

// LinkColumns are the data columns of the links file.
var LinkColumns = []string{LinkColumn}

// ProductColumns are the data columns of the products file.
var ProductColumns = []string{
	"source",
	"title",
	"summary",
	"description",
	"unit_price",
	"loyalty_price",
	"average_rating",
	"review_count",
	"categories",
	"product_url",
	"image_url",
	"size",
	"tags",
	"last_updated",
}

// LinkRows encodes links as links-file rows.
func LinkRows(links []crawler.ProductLink) [][]string {
	rows := make([][]string, 0, len(links))
	for _, link := range links {
		rows = append(rows, []string{string(link)})
	}
	return rows
}

// ProductRow encodes a record in ProductColumns order.
func ProductRow(rec crawler.ProductRecord) []string {
	lastUpdated := ""
	if !rec.LastUpdated.IsZero() {
		lastUpdated = rec.LastUpdated.Format(LastUpdatedLayout)
	}
	return []string{
		rec.Source,
		rec.Title,
		rec.Summary,
		rec.Description,
		formatPrice(rec.UnitPrice),
		formatPrice(rec.LoyaltyPrice),
		strconv.FormatFloat(rec.AverageRating, 'f', -1, 64),
		strconv.Itoa(rec.ReviewCount),
		rec.Categories,
		rec.ProductURL,
		rec.ImageURL,
		rec.Size,
		rec.Tags,
		lastUpdated,
	}
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
