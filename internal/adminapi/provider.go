package adminapi

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/adminapi/livetail"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// Provide starts the live-tail hub and the admin HTTP server, and
// returns the hub (so callers can Publish coordination events into it)
// alongside a cleanup function that stops both.
func Provide(ctx context.Context, cfg Config, deps Deps, log *logger.Logger) (*Server, *livetail.Hub, func() error, error) {
	hub := livetail.NewHub(log)

	hubCtx, cancelHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	srv := New(cfg, deps, hub, log)
	if err := srv.Start(ctx); err != nil {
		cancelHub()
		return nil, nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
			cancelHub()
		})
		return stopErr
	}

	return srv, hub, cleanup, nil
}
