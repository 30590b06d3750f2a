package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/credentials"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// newTestManager builds a Manager for testing with a nil docker
// client; tests must not exercise code paths that dereference it.
func newTestManager(creds *credentials.Manager) *Manager {
	log := logger.Default()
	catalog := NewCatalog(DefaultAgentTypes())
	broker := config.BrokerConfig{URL: "nats://localhost:4222", ClientName: "agentmesh-test"}
	return NewManager(nil, catalog, creds, broker, config.BootstrapConfig{}, log)
}

func TestNewManagerStartsEmpty(t *testing.T) {
	mgr := newTestManager(credentials.NewManager(logger.Default()))
	if len(mgr.ListInstances()) != 0 {
		t.Errorf("expected no tracked instances, got %d", len(mgr.ListInstances()))
	}
}

func TestStopInstanceNotFound(t *testing.T) {
	mgr := newTestManager(credentials.NewManager(logger.Default()))
	err := mgr.StopInstance(context.Background(), "does-not-exist", false)
	if err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestGetInstanceAndListInstances(t *testing.T) {
	mgr := newTestManager(credentials.NewManager(logger.Default()))

	instance := &Instance{ID: "inst-1", AgentType: "worker-generic", ContainerID: "c-1", Status: InstanceRunning, StartedAt: time.Now()}
	mgr.mu.Lock()
	mgr.instances[instance.ID] = instance
	mgr.byContainer[instance.ContainerID] = instance.ID
	mgr.mu.Unlock()

	got, ok := mgr.GetInstance("inst-1")
	if !ok {
		t.Fatal("expected instance to be found")
	}
	if got.AgentType != "worker-generic" {
		t.Errorf("expected worker-generic, got %q", got.AgentType)
	}

	if len(mgr.ListInstances()) != 1 {
		t.Errorf("expected 1 tracked instance, got %d", len(mgr.ListInstances()))
	}

	mgr.removeInstance("inst-1")
	if _, ok := mgr.GetInstance("inst-1"); ok {
		t.Error("expected instance to be removed")
	}
	if len(mgr.byContainer) != 0 {
		t.Error("expected container index to be cleared on removal")
	}
}

func TestBuildEnvIncludesBrokerAndCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")

	credsMgr := credentials.NewManager(logger.Default())
	credsMgr.AddProvider(credentials.NewEnvProvider(""))

	mgr := newTestManager(credsMgr)
	agentType := &AgentTypeConfig{ID: "worker-code", RequiredEnv: []string{"ANTHROPIC_API_KEY"}}

	env, err := mgr.buildEnv(context.Background(), agentType, LaunchRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	foundKey := false
	foundBroker := false
	for _, e := range env {
		if e == "ANTHROPIC_API_KEY=sk-test-key" {
			foundKey = true
		}
		if e == "AGENTMESH_BROKER_URL=nats://localhost:4222" {
			foundBroker = true
		}
	}
	if !foundKey {
		t.Errorf("expected required credential in env, got %v", env)
	}
	if !foundBroker {
		t.Errorf("expected broker URL in env, got %v", env)
	}
}

func TestBuildEnvFailsOnMissingRequiredCredential(t *testing.T) {
	mgr := newTestManager(credentials.NewManager(logger.Default()))
	agentType := &AgentTypeConfig{ID: "worker-code", RequiredEnv: []string{"DEFINITELY_NOT_SET_XYZ"}}

	_, err := mgr.buildEnv(context.Background(), agentType, LaunchRequest{})
	if err == nil {
		t.Fatal("expected error for missing required credential")
	}
}

func TestLaunchUnknownAgentType(t *testing.T) {
	mgr := newTestManager(credentials.NewManager(logger.Default()))
	_, err := mgr.Launch(context.Background(), LaunchRequest{AgentType: "does-not-exist"})
	if err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}

func TestLaunchDisabledAgentType(t *testing.T) {
	catalog := NewCatalog([]*AgentTypeConfig{{ID: "disabled-type", Enabled: false}})
	mgr := NewManager(nil, catalog, credentials.NewManager(logger.Default()), config.BrokerConfig{}, config.BootstrapConfig{}, logger.Default())

	_, err := mgr.Launch(context.Background(), LaunchRequest{AgentType: "disabled-type"})
	if err == nil {
		t.Fatal("expected error for disabled agent type")
	}
}
