package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes the Hub. Zero values pick the defaults below.
type Config struct {
	// Buffer is the queue length between Emit and the delivery goroutine.
	Buffer int
	// BatchSize flushes as soon as this many events are pending.
	BatchSize int
	// FlushEvery flushes a partial batch on this period.
	FlushEvery time.Duration
	// SinkTimeout bounds a single Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBuffer      = 2048
	defaultBatchSize   = 256
	defaultFlushEvery  = time.Second
	defaultSinkTimeout = 5 * time.Second
	dropWarnEvery      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = defaultFlushEvery
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub queues events from the stage workers and hands them, batched, to every
// sink from a single goroutine. Emit is safe for concurrent use.
type Hub struct {
	cfg   Config
	sinks []Sink
	log   *zap.Logger

	in   chan Event
	quit chan struct{}
	done chan struct{}

	stopping atomic.Bool
	stopOnce sync.Once
	stopCtx  context.Context

	delivered atomic.Int64
	dropped   atomic.Int64
	dropWarn  rate.Sometimes
}

// NewHub starts the delivery goroutine for sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }),
		log:      cfg.Logger.Named("progress"),
		in:       make(chan Event, cfg.Buffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: dropWarnEvery},
	}
	go h.loop()
	return h
}

// Emit queues evt without blocking. A missing TS is stamped with the current
// UTC time; invalid events and events arriving after Close are discarded, and
// a full queue drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.log.Debug("invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.log.Warn("progress queue full, dropping events", zap.Int64("dropped_total", total))
		})
	}
}

// Close flushes what is queued, closes the sinks with ctx and waits for the
// delivery goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

// Delivered counts events handed to the sinks so far.
func (h *Hub) Delivered() int64 {
	if h == nil {
		return 0
	}
	return h.delivered.Load()
}

// Dropped counts events lost to a full queue.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) loop() {
	defer close(h.done)
	tick := time.NewTicker(h.cfg.FlushEvery)
	defer tick.Stop()

	pending := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.deliver(pending)
			}
		case <-tick.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.drain(pending)
			return
		}
	}
}

// drain empties the queue after quit, then closes the sinks.
func (h *Hub) drain(pending []Event) {
queue:
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.deliver(pending)
			}
		default:
			break queue
		}
	}
	h.deliver(pending)

	for _, s := range h.sinks {
		if err := s.Close(h.stopCtx); err != nil {
			h.log.Warn("progress sink close", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}

// deliver hands a copy of pending to each sink and returns pending emptied.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := slices.Clone(pending)
	for _, s := range h.sinks {
		h.consume(s, batch)
	}
	h.delivered.Add(int64(len(batch)))
	return pending[:0]
}

// consume keeps a failing or panicking sink from stopping delivery to the rest.
func (h *Hub) consume(s Sink, batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("progress sink panicked", zap.String("sink", fmt.Sprintf("%T", s)), zap.Any("panic", r))
		}
	}()
	if err := s.Consume(ctx, batch); err != nil {
		h.log.Warn("progress sink consume", zap.String("sink", fmt.Sprintf("%T", s)), zap.Int("events", len(batch)), zap.Error(err))
	}
}
