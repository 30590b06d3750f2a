package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/channel"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/messaging"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/workqueue"
	"go.uber.org/zap"
)

// Deps bundles the components a tool handler dispatches into. One
// Deps (and therefore one Server) serves exactly one agent identity:
// the process's own Registry.Self().
type Deps struct {
	Registry  *registry.Registry
	Channels  *channel.Manager
	Messaging *messaging.Manager
	WorkQueue *workqueue.Manager
	DLQ       *workqueue.DLQ

	DefaultPageLimit    int
	MaxPageLimit        int
	DefaultClaimTimeout time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{Port: 9090}
}

// NewWithLogger creates a new MCP server with the given configuration,
// dependencies, and logger. Useful for integration with dependency
// injection frameworks.
func NewWithLogger(cfg Config, deps Deps, log *logger.Logger) *Server {
	srv := New(cfg, deps)
	srv.logger = log.WithFields(zap.String("component", "mcp-server"))
	return srv
}

// Provide starts the MCP server and returns a cleanup function to stop it.
func Provide(ctx context.Context, cfg Config, deps Deps, log *logger.Logger) (*Server, func() error, error) {
	srv := NewWithLogger(cfg, deps, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
