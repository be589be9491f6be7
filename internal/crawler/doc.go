// Package crawler holds the types, interfaces, and error taxonomy shared by the
// catalog pipeline: fetch strategies, the taxonomy resolver, the pagination
// walker, the record normalizer, and the output sinks.
package crawler
