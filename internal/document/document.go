// Package document turns fetched bodies into something queryable: a goquery
// document for listing pages, or raw JSON for API endpoints that a browser
// renders inside a <pre> element.
package document

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// Parse builds a goquery document from an HTML body.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &crawler.ParseShapeError{What: "html document", Err: err}
	}
	return doc, nil
}

// JSON returns the JSON payload carried by body. A body that already starts
// with '{' or '[' is returned as-is; otherwise the text of the first <pre>
// element is used, which is how browsers display JSON responses.
func JSON(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed, nil
	}
	doc, err := Parse(trimmed)
	if err != nil {
		return nil, err
	}
	pre := doc.Find("pre").First()
	if pre.Length() == 0 {
		return nil, crawler.NewParseShapeError("no <pre> element wrapping JSON payload")
	}
	text := strings.TrimSpace(pre.Text())
	if text == "" {
		return nil, crawler.NewParseShapeError("empty <pre> element")
	}
	return []byte(text), nil
}
