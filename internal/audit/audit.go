// Package audit durably records a flattened history of coordination
// events — agent presence changes, work item lifecycle transitions,
// channel activity — independent of the broker's own retention, so
// operators can answer "what happened to this work item three weeks
// ago" long after the underlying broker messages have expired.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/logger"
)

// Event is one recorded coordination occurrence.
type Event struct {
	ID         string
	Type       string
	AgentID    string
	Resource   string
	OccurredAt time.Time
	Detail     map[string]interface{}
}

// Sink persists a batch of events. Implementations should treat Write
// as best-effort: the caller already owns the sole copy of a dropped
// event once Write returns an error.
type Sink interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

// Recorder enqueues audit events onto a bounded channel drained by a
// background writer, so that a caller on the coordination path never
// blocks on durable storage. When the queue is full, the oldest
// pending event is dropped in favor of the new one and a counter is
// incremented, because audit durability is explicitly secondary to
// coordination latency.
type Recorder struct {
	sink        Sink
	logger      *logger.Logger
	queue       chan Event
	batchSize   int
	flushEvery  time.Duration
	droppedCount atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder builds a Recorder that batches writes to sink.
// queueCapacity bounds the number of pending events; batchSize bounds
// how many events are flushed to the sink at once; flushEvery is the
// maximum time a partial batch waits before being flushed anyway.
func NewRecorder(sink Sink, queueCapacity, batchSize int, flushEvery time.Duration, log *logger.Logger) *Recorder {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}

	return &Recorder{
		sink:       sink,
		logger:     log.WithFields(zap.String("component", "audit-recorder")),
		queue:      make(chan Event, queueCapacity),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background batching writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains and flushes any pending events, then stops the writer.
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Shutdown stops the writer and closes the underlying sink.
func (r *Recorder) Shutdown() error {
	r.Stop()
	return r.sink.Close()
}

// Record enqueues an event without blocking. If evt.ID or
// evt.OccurredAt are unset, they're assigned here.
func (r *Recorder) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	select {
	case r.queue <- evt:
		return
	default:
	}

	// Queue is full: drop the oldest pending event to make room.
	select {
	case <-r.queue:
		r.droppedCount.Add(1)
		r.logger.Warn("audit queue full, dropped oldest event", zap.Int64("dropped_total", r.droppedCount.Load()))
	default:
	}

	select {
	case r.queue <- evt:
	default:
		r.droppedCount.Add(1)
	}
}

// DroppedCount returns the number of events dropped for queue
// overflow since the recorder started.
func (r *Recorder) DroppedCount() int64 {
	return r.droppedCount.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.Write(context.Background(), batch); err != nil {
			r.logger.Error("audit batch write failed", zap.Int("batch_size", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-r.queue:
			batch = append(batch, evt)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopCh:
			for {
				select {
				case evt := <-r.queue:
					batch = append(batch, evt)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// NoopSink discards every event. It's used when C11 is disabled via
// configuration but callers still want an unconditional Recorder to
// call Record on.
type NoopSink struct{}

// Write discards events and never errors.
func (NoopSink) Write(ctx context.Context, events []Event) error { return nil }

// Close is a no-op.
func (NoopSink) Close() error { return nil }
