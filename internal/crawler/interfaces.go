package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Session is a Fetcher bound to one established upstream connection, such as
// a remote browser tab or a proxied HTTP client.
type Session interface {
	Fetcher
	Close() error
}

// Connector establishes Sessions. A Connect failure means the worker that
// asked for it cannot run at all.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// BlobStore writes finished output files and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes stage completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
