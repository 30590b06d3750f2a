package adminapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/adminapi/livetail"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// Config holds the admin server's transport configuration.
type Config struct {
	Addr string
}

// Server wraps the gin engine serving the admin introspection API and
// the coordination-event live-tail WebSocket feed.
type Server struct {
	cfg        Config
	httpServer *http.Server
	hub        *livetail.Hub
	mu         sync.Mutex
	running    bool
	logger     *logger.Logger
}

// New builds an admin Server around an already-running livetail.Hub
// (the caller starts hub.Run and publishes events into it). New only
// wires the HTTP transport around it.
func New(cfg Config, deps Deps, hub *livetail.Hub, log *logger.Logger) *Server {
	l := log.WithFields(zap.String("component", "admin-api"))
	handler := NewHandler(deps, l)

	engine := gin.New()
	engine.Use(gin.Recovery())
	SetupRoutes(engine, deps, handler)
	engine.GET("/livetail", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	return &Server{
		cfg:        cfg,
		hub:        hub,
		logger:     l,
		httpServer: &http.Server{Handler: engine},
	}
}

// Start starts the admin HTTP server in a goroutine and returns once
// it's listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("admin server already running")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("admin server listening", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the admin server and its live-tail hub.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.hub.Close()

	if !running {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
