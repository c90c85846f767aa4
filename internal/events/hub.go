// Package events fans page change events out to sinks without ever blocking
// the write path. Events are buffered, grouped into batches by size or age,
// and delivered from a single background goroutine.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagestore/internal/metrics"
	"github.com/JakeFAU/pagestore/internal/page"
)

// Sink consumes batches of page events. Consume is only ever called from the
// hub goroutine and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []page.Event) error
	Close(ctx context.Context) error
}

// Config controls buffering and batching. Zero values pick defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub implements page.Emitter.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan page.Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	// mu orders Emit's send against Close: once Close holds it, no event can
	// enter the queue behind the final drain.
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Int64
	dropLog  rate.Sometimes
	stopOnce sync.Once
}

var _ page.Emitter = (*Hub)(nil)

// NewHub starts the delivery goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan page.Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Named("events"),

		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. When the buffer is full the event is dropped and counted.
func (h *Hub) Emit(evt page.Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- evt:
	default:
		metrics.AddEventsDropped(1)
		h.dropped.Add(1)
		h.logDrops()
	}
}

// Close stops intake, delivers what is buffered, closes every sink, and waits
// for the goroutine to exit or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	batch := make([]page.Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timeout = nil
	}

	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				disarm()
				batch = h.deliver(batch)
			} else if timeout == nil {
				if timer == nil {
					timer = time.NewTimer(h.cfg.MaxBatchWait)
				} else {
					timer.Reset(h.cfg.MaxBatchWait)
				}
				timeout = timer.C
			}
		case <-timeout:
			timeout = nil
			batch = h.deliver(batch)
		case <-h.stop:
			disarm()
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []page.Event) {
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.deliver(batch)
			}
		default:
			h.deliver(batch)
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink and returns it emptied for reuse.
func (h *Hub) deliver(batch []page.Event) []page.Event {
	if len(batch) == 0 {
		return batch
	}
	snapshot := append([]page.Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("event sink failed", zap.Int("batch", len(snapshot)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

// logDrops warns at most once per dropLogInterval with the number of events
// dropped since the previous warning.
func (h *Hub) logDrops() {
	h.dropLog.Do(func() {
		h.logger.Warn("page events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
	})
}
