// Command agentmesh-launch is the operator-facing control process for
// starting, listing, and stopping containerized agent processes on the
// local Docker daemon. It does not itself speak to the coordination
// broker: launched containers register their own presence once they
// boot and connect as ordinary agentmesh clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/bootstrap"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/credentials"
	"github.com/agentmesh/agentmesh/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	docker, err := bootstrap.NewDockerClient(cfg.Bootstrap, log)
	if err != nil {
		log.Fatal("failed to connect to docker daemon", zap.Error(err))
	}
	defer docker.Close()

	catalog := bootstrap.NewCatalog(bootstrap.DefaultAgentTypes())

	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider(cfg.Credentials.EnvPrefix))
	if cfg.Credentials.FilePath != "" {
		credsMgr.AddProvider(credentials.NewFileProvider(cfg.Credentials.FilePath))
	}

	manager := bootstrap.NewManager(docker, catalog, credsMgr, cfg.Broker, cfg.Bootstrap, log)

	ctx := context.Background()
	switch os.Args[1] {
	case "launch":
		runLaunch(ctx, manager, catalog, os.Args[2:])
	case "list":
		runList(manager)
	case "stop":
		runStop(ctx, manager, os.Args[2:])
	case "types":
		runTypes(catalog)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: agentmesh-launch <command> [flags]

commands:
  launch -type=<agent-type> [-dir=<host-base-dir>] [-env=KEY=VALUE ...]
  list
  stop -id=<instance-id> [-force]
  types`)
}

func runLaunch(ctx context.Context, manager *bootstrap.Manager, catalog *bootstrap.Catalog, args []string) {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	agentType := fs.String("type", "", "agent type id from `agentmesh-launch types`")
	hostBaseDir := fs.String("dir", "", "host directory mount sources resolve relative to")
	var envPairs multiFlag
	fs.Var(&envPairs, "env", "KEY=VALUE environment override, may be repeated")
	fs.Parse(args)

	if *agentType == "" {
		fmt.Fprintln(os.Stderr, "launch: -type is required")
		os.Exit(2)
	}
	if _, ok := catalog.Get(*agentType); !ok {
		fmt.Fprintf(os.Stderr, "launch: unknown agent type %q\n", *agentType)
		os.Exit(2)
	}

	extraEnv := map[string]string{}
	for _, pair := range envPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "launch: invalid -env value %q, expected KEY=VALUE\n", pair)
			os.Exit(2)
		}
		extraEnv[k] = v
	}

	instance, err := manager.Launch(ctx, bootstrap.LaunchRequest{
		AgentType:   *agentType,
		HostBaseDir: *hostBaseDir,
		ExtraEnv:    extraEnv,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(instance)
}

func runList(manager *bootstrap.Manager) {
	printJSON(manager.ListInstances())
}

func runStop(ctx context.Context, manager *bootstrap.Manager, args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	id := fs.String("id", "", "instance id to stop")
	force := fs.Bool("force", false, "kill instead of gracefully stopping")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "stop: -id is required")
		os.Exit(2)
	}
	if err := manager.StopInstance(ctx, *id, *force); err != nil {
		fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
		os.Exit(1)
	}
}

func runTypes(catalog *bootstrap.Catalog) {
	printJSON(catalog.List())
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

// multiFlag collects repeated -env flags into a slice.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
