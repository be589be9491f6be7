package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageFetchDone   Stage = "FETCH_DONE"
	StageItemSkipped Stage = "ITEM_SKIPPED"
	StageRowsWritten Stage = "ROWS_WRITTEN"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of scraper progress.
type Event struct {
	// RunID identifies the pipeline run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Pipeline is the pipeline stage (links or products) emitting the event.
	Pipeline crawler.Stage
	// Worker is the partition index, or -1 for run-level events.
	Worker int
	// Site scopes fetch events to a host label.
	Site string
	// URL is the page or item concerned. Never carries credentials.
	URL string
	// Bytes is the response size for fetches.
	Bytes int64
	// Rows counts appended rows for ROWS_WRITTEN and the run total for RUN_DONE.
	Rows int64
	// StatusClass groups HTTP response codes.
	StatusClass StatusClass
	// Dur is fetch latency or run wall time.
	Dur time.Duration
	// Note carries the skip reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageItemSkipped:
		if e.Note == "" {
			return errors.New("item skipped requires a reason")
		}
	case StageRowsWritten:
		if e.Rows < 0 {
			return errors.New("rows must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// RunIDBytes parses a textual run id. Unparseable ids map to the zero value,
// which Validate rejects.
func RunIDBytes(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
