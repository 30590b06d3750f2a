// Command agentmesh runs one coordination backbone process: it
// connects to the shared broker, derives this process's stable agent
// identity, wires the registry/channel/messaging/work-queue/audit
// components together, and exposes them over an MCP tool server plus
// an optional read-only admin surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/adminapi"
	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/channel"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/mcpserver"
	"github.com/agentmesh/agentmesh/internal/messaging"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/workqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentmesh coordination backbone")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := identity.NewResolver(cfg.Identity)
	if err != nil {
		log.Fatal("failed to resolve identity", zap.Error(err))
	}
	agentID := resolver.Resolve(cfg.Identity)
	log.Info("resolved agent identity",
		zap.String("agent_id", agentID),
		zap.String("project_id", resolver.ProjectID()),
		zap.String("hostname", resolver.Hostname()))

	br, err := broker.Connect(cfg.Broker, log)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer br.Close()
	log.Info("connected to broker", zap.String("url", cfg.Broker.URL))

	msg := messaging.NewManager(br, resolver.ProjectID(), log, time.Duration(cfg.WorkQueue.AckWaitSeconds)*time.Second, cfg.WorkQueue.MaxDeliver)

	self := registry.Self{
		AgentID:   agentID,
		Hostname:  resolver.Hostname(),
		Username:  currentUsername(),
		ProjectID: resolver.ProjectID(),
	}
	reg := registry.NewRegistry(br, self, msg, log)

	ch := channel.NewManager(br, resolver.ProjectID(), log, channel.DefaultChannels)

	dlq := workqueue.NewDLQ(br, log, time.Duration(cfg.WorkQueue.DLQTTLHours)*time.Hour)
	wq := workqueue.NewManager(br, dlq, log, time.Duration(cfg.WorkQueue.AckWaitSeconds)*time.Second, cfg.WorkQueue.MaxDeliver)

	auditRecorder, err := audit.Provide(ctx, cfg.Audit, log)
	if err != nil {
		log.Fatal("failed to initialize audit log", zap.Error(err))
	}
	defer auditRecorder.Shutdown()
	log.Info("audit log ready", zap.Bool("enabled", cfg.Audit.Enabled))

	mcpDeps := mcpserver.Deps{
		Registry:            reg,
		Channels:            ch,
		Messaging:           msg,
		WorkQueue:           wq,
		DLQ:                 dlq,
		DefaultPageLimit:    cfg.Channels.DefaultPageLimit,
		MaxPageLimit:        cfg.Channels.MaxPageLimit,
		DefaultClaimTimeout: time.Duration(cfg.WorkQueue.FetchMaxWaitMS) * time.Millisecond,
	}
	mcpSrv, stopMCP, err := mcpserver.Provide(ctx, mcpserver.DefaultConfig(), mcpDeps, log)
	if err != nil {
		log.Fatal("failed to start MCP server", zap.Error(err))
	}
	log.Info("MCP server listening", zap.String("sse_endpoint", mcpSrv.SSEEndpoint()), zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()))

	var stopAdmin func() error
	if cfg.Admin.Enabled {
		adminDeps := adminapi.Deps{
			Registry:         reg,
			Channels:         ch,
			WorkQueue:        wq,
			DLQ:              dlq,
			AdminToken:       cfg.Admin.Token,
			DefaultPageLimit: cfg.Channels.DefaultPageLimit,
			MaxPageLimit:     cfg.Channels.MaxPageLimit,
		}
		_, _, stop, err := adminapi.Provide(ctx, adminapi.Config{Addr: cfg.Admin.Addr}, adminDeps, log)
		if err != nil {
			log.Fatal("failed to start admin server", zap.Error(err))
		}
		stopAdmin = stop
		log.Info("admin server listening", zap.String("addr", cfg.Admin.Addr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentmesh coordination backbone")
	cancel()

	if err := stopMCP(); err != nil {
		log.Error("error stopping MCP server", zap.Error(err))
	}
	if stopAdmin != nil {
		if err := stopAdmin(); err != nil {
			log.Error("error stopping admin server", zap.Error(err))
		}
	}

	log.Info("agentmesh coordination backbone stopped")
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}
