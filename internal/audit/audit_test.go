package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/logger"
)

// fakeSink records every batch it's given, safe for concurrent use.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *fakeSink) Write(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 100, 2, time.Hour, logger.Default())
	rec.Start()
	defer rec.Stop()

	rec.Record(Event{Type: "test.one"})
	rec.Record(Event{Type: "test.two"})

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 events written, got %d", sink.count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestRecorderFlushesOnTicker(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 100, 50, 20*time.Millisecond, logger.Default())
	rec.Start()
	defer rec.Stop()

	rec.Record(Event{Type: "test.lonely"})

	deadline := time.After(2 * time.Second)
	for sink.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("expected event to be flushed by ticker, got %d", sink.count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestRecorderAssignsIDAndTimestamp(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 100, 1, time.Hour, logger.Default())
	rec.Start()
	defer rec.Stop()

	rec.Record(Event{Type: "test.stamped"})

	deadline := time.After(2 * time.Second)
	for sink.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("expected event to be written")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	sink.mu.Lock()
	evt := sink.events[0]
	sink.mu.Unlock()

	if evt.ID == "" {
		t.Error("expected recorder to assign an event ID")
	}
	if evt.OccurredAt.IsZero() {
		t.Error("expected recorder to assign an occurred_at timestamp")
	}
}

func TestRecorderDropsOldestWhenQueueFull(t *testing.T) {
	sink := &fakeSink{}
	// flushEvery is long so nothing drains the queue while we fill it.
	rec := NewRecorder(sink, 2, 100, time.Hour, logger.Default())

	rec.Record(Event{Type: "first"})
	rec.Record(Event{Type: "second"})
	rec.Record(Event{Type: "third"})

	if rec.DroppedCount() != 1 {
		t.Errorf("expected 1 dropped event, got %d", rec.DroppedCount())
	}
}

func TestRecorderStopFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 100, 50, time.Hour, logger.Default())
	rec.Start()

	rec.Record(Event{Type: "test.pending"})
	rec.Stop()

	if sink.count() != 1 {
		t.Errorf("expected pending event to be flushed on stop, got %d", sink.count())
	}
}

func TestNoopSinkDiscardsEverything(t *testing.T) {
	sink := NoopSink{}
	if err := sink.Write(context.Background(), []Event{{Type: "whatever"}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
