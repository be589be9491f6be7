package pagination

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// BeginIndexParam is the query parameter carrying the first entry offset.
const BeginIndexParam = "beginIndex"

// Query is an ordered multi-value query string. Keys keep the order of their
// first appearance and blank values are preserved.
type Query struct {
	keys   []string
	values map[string][]string
}

// ParseQuery parses a raw query string. Pairs without '=' become keys with a
// blank value; undecodable pairs are kept verbatim.
func ParseQuery(raw string) Query {
	q := Query{values: make(map[string][]string)}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		q.Add(key, value)
	}
	return q
}

// Add appends value under key.
func (q *Query) Add(key, value string) {
	if q.values == nil {
		q.values = make(map[string][]string)
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = append(q.values[key], value)
}

// Set replaces every value of key. A new key goes last.
func (q *Query) Set(key, value string) {
	if q.values == nil {
		q.values = make(map[string][]string)
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = []string{value}
}

// Encode renders key=value pairs joined with '&', using only the first value
// of each key.
func (q Query) Encode() string {
	parts := make([]string, 0, len(q.keys))
	for _, k := range q.keys {
		v := ""
		if vs := q.values[k]; len(vs) > 0 {
			v = vs[0]
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "&")
}

// PageURL returns base with its query replaced by q with beginIndex set for
// pageNumber.
func PageURL(base *url.URL, q Query, pageNumber int) string {
	q.Set(BeginIndexParam, strconv.Itoa(crawler.PageSize*pageNumber))
	u := *base
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// clone copies q so per-page mutations do not leak between pages.
func (q Query) clone() Query {
	out := Query{keys: append([]string(nil), q.keys...), values: make(map[string][]string, len(q.values))}
	for k, vs := range q.values {
		out.values[k] = append([]string(nil), vs...)
	}
	return out
}
