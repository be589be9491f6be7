package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

const detailsMarker = "/product/details/"

// DetailURL converts a product detail page link into the product API URL.
// apiBase is the gol-services root, for example
// https://www.sainsburys.co.uk/groceries-api/gol-services.
func DetailURL(apiBase string, link ProductLink) (string, error) {
	raw := string(link)
	idx := strings.Index(raw, detailsMarker)
	if idx < 0 {
		return "", NewParseShapeError("link %q has no %s segment", raw, detailsMarker)
	}
	slug := strings.Trim(raw[idx+len(detailsMarker):], "/")
	if slug == "" {
		return "", NewParseShapeError("link %q has an empty product slug", raw)
	}
	return fmt.Sprintf(
		"%s/product/v1/product?filter[product_seo_url]=gb/groceries/%s&include[ASSOCIATIONS]=true&include[PRODUCT_AD]=citrus",
		strings.TrimRight(apiBase, "/"),
		slug,
	), nil
}

// ResolveLink resolves href against the page it was found on. Absolute hrefs
// are returned unchanged.
func ResolveLink(pageURL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
