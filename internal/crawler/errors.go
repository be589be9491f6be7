package crawler

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks a taxonomy or detail endpoint that could not be
// reached or returned a payload that could not be decoded.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrNoConnectors is returned when a stage is started without any way to fetch.
var ErrNoConnectors = errors.New("no fetcher connectors configured")

// FetchError reports a network, timeout, or non-2xx failure for one URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseShapeError reports an expected HTML element or JSON field that is absent.
type ParseShapeError struct {
	What string
	Err  error
}

func (e *ParseShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected document shape: %s: %v", e.What, e.Err)
	}
	return "unexpected document shape: " + e.What
}

func (e *ParseShapeError) Unwrap() error { return e.Err }

// PartitionFatalError reports a worker that could not establish its fetcher
// session. The partition contributes no output.
type PartitionFatalError struct {
	Worker int
	Err    error
}

func (e *PartitionFatalError) Error() string {
	return fmt.Sprintf("partition %d: %v", e.Worker, e.Err)
}

func (e *PartitionFatalError) Unwrap() error { return e.Err }

// NewParseShapeError is a small helper for the common no-cause case.
func NewParseShapeError(format string, args ...any) error {
	return &ParseShapeError{What: fmt.Sprintf(format, args...)}
}

// IsSkippable reports whether err only affects the current item, so a worker
// logs it and moves on. Cancellation and partition or setup failures are not
// skippable, and neither is a nil error.
func IsSkippable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pf *PartitionFatalError
	return !errors.As(err, &pf) && !errors.Is(err, ErrNoConnectors)
}
