package audit

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// Provide builds a Recorder from cfg. When cfg.Enabled is false, it
// returns a Recorder backed by NoopSink so callers can call Record
// unconditionally without a nil check.
func Provide(ctx context.Context, cfg config.AuditConfig, log *logger.Logger) (*Recorder, error) {
	var sink Sink = NoopSink{}

	if cfg.Enabled {
		pg, err := NewPostgresSink(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		sink = pg
	}

	recorder := NewRecorder(sink, cfg.QueueCapacity, cfg.BatchSize, time.Duration(cfg.FlushMillis)*time.Millisecond, log)
	recorder.Start()
	return recorder, nil
}
