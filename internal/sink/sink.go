// Package sink implements the append-only CSV output files. A Sink writes the
// header on first write, can continue id numbering from the last persisted row,
// and can skip rows whose key column was already written.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Mode decides what happens to an existing target file when a Sink opens.
type Mode string

// Supported modes.
const (
	// ModeTruncate removes the target so the run starts from an empty file.
	ModeTruncate Mode = "truncate"
	// ModeResume keeps the target and appends after its existing rows.
	ModeResume Mode = "resume"
)

// IDColumn is the name of the auto-assigned id column.
const IDColumn = "id"

// Config describes one output file.
type Config struct {
	Path string
	// Columns are the data columns, excluding the id column.
	Columns []string
	// WithID prepends an id column numbered from the last persisted id + 1.
	WithID bool
	// DedupColumn, when set, names a column in Columns whose values are
	// written at most once across the existing file and this run.
	DedupColumn string
	Mode        Mode
}

// Sink appends rows to a CSV file. It is safe for concurrent use.
type Sink struct {
	path     string
	header   []string
	withID   bool
	keyIndex int
	logger   *zap.Logger

	mu      sync.Mutex
	nextID  int
	seen    map[string]struct{}
	written int
	skipped int
}

// Open prepares a Sink for cfg, reading existing content when resuming.
func Open(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, errors.New("sink path is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, errors.New("sink columns are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	header := slices.Clone(cfg.Columns)
	if cfg.WithID {
		header = append([]string{IDColumn}, header...)
	}
	keyIndex := -1
	if cfg.DedupColumn != "" {
		keyIndex = slices.Index(header, cfg.DedupColumn)
		if keyIndex < 0 {
			return nil, fmt.Errorf("dedup column %q is not one of %v", cfg.DedupColumn, cfg.Columns)
		}
	}

	switch cfg.Mode {
	case ModeTruncate:
		if err := os.Remove(cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("truncate %s: %w", cfg.Path, err)
		}
	case ModeResume, "":
	default:
		return nil, fmt.Errorf("unknown sink mode %q", cfg.Mode)
	}

	s := &Sink{
		path:     cfg.Path,
		header:   header,
		withID:   cfg.WithID,
		keyIndex: keyIndex,
		logger:   logger.With(zap.String("file", cfg.Path)),
		nextID:   1,
		seen:     make(map[string]struct{}),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) loadExisting() error {
	if !s.withID && s.keyIndex < 0 {
		return nil
	}
	existingHeader, rows, err := ReadAll(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(existingHeader) > 0 && !slices.Equal(existingHeader, s.header) {
		s.logger.Warn("existing header differs from configured columns",
			zap.Strings("existing", existingHeader),
			zap.Strings("configured", s.header),
		)
	}
	if s.withID {
		last, err := lastID(rows)
		if err != nil {
			return fmt.Errorf("resume %s: %w", s.path, err)
		}
		s.nextID = last + 1
	}
	if s.keyIndex >= 0 {
		for _, row := range rows {
			if s.keyIndex < len(row) {
				s.seen[row[s.keyIndex]] = struct{}{}
			}
		}
	}
	s.logger.Info("resuming output file",
		zap.Int("existing_rows", len(rows)),
		zap.Int("next_id", s.nextID),
		zap.Int("distinct_keys", len(s.seen)),
	)
	return nil
}

// lastID returns the id of the last row, or 0 when there are no rows.
func lastID(rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	last := rows[len(rows)-1]
	if len(last) == 0 {
		return 0, fmt.Errorf("last row has no %s column", IDColumn)
	}
	id, err := strconv.Atoi(last[0])
	if err != nil {
		return 0, fmt.Errorf("parse last %s %q: %w", IDColumn, last[0], err)
	}
	return id, nil
}

// Append writes rows (data columns only) and returns how many were written.
// Rows whose dedup key was already seen are dropped. The file is opened in
// append mode, written, flushed, and closed on every call.
func (s *Sink) Append(rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("stat %s: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(s.header); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("write header: %w", err)
		}
	}

	written := 0
	nextID := s.nextID
	pending := make(map[string]struct{})
	for _, row := range rows {
		record := row
		if s.withID {
			record = append([]string{strconv.Itoa(nextID)}, row...)
		}
		if s.keyIndex >= 0 {
			if s.keyIndex >= len(record) {
				s.skipped++
				continue
			}
			key := record[s.keyIndex]
			if _, dup := s.seen[key]; dup {
				s.skipped++
				continue
			}
			if _, dup := pending[key]; dup {
				s.skipped++
				continue
			}
			pending[key] = struct{}{}
		}
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("write row: %w", err)
		}
		written++
		if s.withID {
			nextID++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("flush %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", s.path, err)
	}

	for key := range pending {
		s.seen[key] = struct{}{}
	}
	s.nextID = nextID
	s.written += written
	return written, nil
}

// Path returns the target file.
func (s *Sink) Path() string {
	return s.path
}

// Stats reports rows written and rows dropped as duplicates so far.
func (s *Sink) Stats() (written, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.skipped
}

// NextID returns the id the next written row will receive.
func (s *Sink) NextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}
