// Package progress carries run, fetch, and output events from the pipeline
// workers to pluggable sinks. Emit never blocks; a background goroutine
// batches events and hands them to each sink.
package progress
