package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// CSVContentType is the content type used for exported files.
const CSVContentType = "text/csv"

// ExportConfig configures an Exporter.
type ExportConfig struct {
	// Prefix is prepended to every object path.
	Prefix string
	// Topic receives one completion message per exported file. Empty disables
	// publishing.
	Topic string
}

// CompletionMessage is published after a stage file has been exported.
type CompletionMessage struct {
	RunID string        `json:"run_id"`
	Stage crawler.Stage `json:"stage"`
	File  string        `json:"file"`
	Rows  int           `json:"rows"`
	URI   string        `json:"uri"`
}

// Exporter uploads finished stage files and announces them.
type Exporter struct {
	store     crawler.BlobStore
	publisher crawler.Publisher
	cfg       ExportConfig
	logger    *zap.Logger
}

// NewExporter builds an Exporter. publisher may be nil.
func NewExporter(store crawler.BlobStore, publisher crawler.Publisher, cfg ExportConfig, logger *zap.Logger) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("exporter requires a blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, publisher: publisher, cfg: cfg, logger: logger.Named("export")}, nil
}

// ObjectPath returns where the file of res is stored.
func (x *Exporter) ObjectPath(res StageResult) string {
	return path.Join(x.cfg.Prefix, res.RunID, filepath.Base(res.File))
}

// Export uploads res.File and publishes a CompletionMessage. A publish failure
// is logged; the upload URI is still returned.
func (x *Exporter) Export(ctx context.Context, res StageResult) (string, error) {
	f, err := os.Open(res.File) // #nosec G304 -- output paths come from configuration.
	if err != nil {
		return "", fmt.Errorf("open export source: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	objectPath := x.ObjectPath(res)
	uri, err := x.store.PutObject(ctx, objectPath, CSVContentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	x.logger.Info("stage file exported",
		zap.String("run_id", res.RunID),
		zap.String("stage", string(res.Stage)),
		zap.String("uri", uri),
	)

	if x.publisher == nil || x.cfg.Topic == "" {
		return uri, nil
	}
	msg := CompletionMessage{RunID: res.RunID, Stage: res.Stage, File: filepath.Base(res.File), Rows: res.Rows, URI: uri}
	if _, err := x.publisher.Publish(ctx, x.cfg.Topic, msg); err != nil {
		x.logger.Warn("publishing completion failed", zap.String("topic", x.cfg.Topic), zap.Error(err))
	}
	return uri, nil
}
