package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/credentials"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// InstanceStatus mirrors a launched agent container's lifecycle.
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopped  InstanceStatus = "stopped"
	InstanceFailed   InstanceStatus = "failed"
)

// Instance tracks one launched agent container.
type Instance struct {
	ID          string
	AgentType   string
	ContainerID string
	Status      InstanceStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	ExitCode    *int
	ErrorMsg    string
}

// LaunchRequest parameterizes one agent launch.
type LaunchRequest struct {
	AgentType   string
	HostBaseDir string
	ExtraEnv    map[string]string
}

// Manager launches and tracks the containerized agent processes this
// coordinator is responsible for, pulling images, injecting broker
// connectivity and credentials, and reaping exited containers.
type Manager struct {
	docker  *DockerClient
	catalog *Catalog
	creds   *credentials.Manager
	broker  config.BrokerConfig
	netCfg  config.BootstrapConfig
	logger  *logger.Logger

	mu          sync.RWMutex
	instances   map[string]*Instance
	byContainer map[string]string

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewManager builds a launch Manager.
func NewManager(docker *DockerClient, catalog *Catalog, creds *credentials.Manager, broker config.BrokerConfig, netCfg config.BootstrapConfig, log *logger.Logger) *Manager {
	return &Manager{
		docker:          docker,
		catalog:         catalog,
		creds:           creds,
		broker:          broker,
		netCfg:          netCfg,
		logger:          log.WithFields(zap.String("component", "bootstrap-manager")),
		instances:       make(map[string]*Instance),
		byContainer:     make(map[string]string),
		cleanupInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the background reaper loop for exited containers.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
}

// Stop halts the background reaper loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Launch pulls the agent type's image (falling back to a local copy if
// the pull fails), creates a container wired with broker and credential environment,
// and starts it.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*Instance, error) {
	agentType, ok := m.catalog.Get(req.AgentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", req.AgentType)
	}
	if !agentType.Enabled {
		return nil, fmt.Errorf("agent type %q is disabled", req.AgentType)
	}

	instanceID := uuid.New().String()
	instanceName := fmt.Sprintf("agentmesh-agent-%s", instanceID[:8])

	env, err := m.buildEnv(ctx, agentType, req)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials for %q: %w", req.AgentType, err)
	}

	spec, err := BuildContainerSpec(agentType, LaunchOptions{
		InstanceName: instanceName,
		HostBaseDir:  req.HostBaseDir,
		ExtraEnv:     env,
	}, m.netCfg)
	if err != nil {
		return nil, err
	}

	if err := m.docker.PullImage(ctx, spec.Image); err != nil {
		m.logger.Warn("image pull failed, attempting launch with local image",
			zap.String("image", spec.Image), zap.Error(err))
	}

	containerID, err := m.docker.CreateContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		_ = m.docker.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	instance := &Instance{
		ID:          instanceID,
		AgentType:   req.AgentType,
		ContainerID: containerID,
		Status:      InstanceRunning,
		StartedAt:   time.Now(),
	}

	m.mu.Lock()
	m.instances[instanceID] = instance
	m.byContainer[containerID] = instanceID
	m.mu.Unlock()

	m.logger.Info("agent launched",
		zap.String("instance_id", instanceID),
		zap.String("container_id", containerID),
		zap.String("agent_type", req.AgentType))

	return instance, nil
}

// buildEnv resolves the agent type's required credentials and merges
// them with broker connection details and caller-supplied overrides.
func (m *Manager) buildEnv(ctx context.Context, agentType *AgentTypeConfig, req LaunchRequest) ([]string, error) {
	env, err := m.creds.BuildEnvVars(ctx, agentType.RequiredEnv, req.ExtraEnv)
	if err != nil {
		return nil, err
	}
	env = append(env,
		fmt.Sprintf("AGENTMESH_BROKER_URL=%s", m.broker.URL),
		fmt.Sprintf("AGENTMESH_BROKER_CLIENT_NAME=%s", m.broker.ClientName),
	)
	return env, nil
}

// StopInstance stops a running instance's container, force-killing it if
// graceful shutdown doesn't matter.
func (m *Manager) StopInstance(ctx context.Context, instanceID string, force bool) error {
	m.mu.RLock()
	instance, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %q not found", instanceID)
	}

	var err error
	if force {
		err = m.docker.StopContainer(ctx, instance.ContainerID, 0)
	} else {
		err = m.docker.StopContainer(ctx, instance.ContainerID, 30*time.Second)
	}
	if err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}

	m.mu.Lock()
	instance.Status = InstanceStopped
	now := time.Now()
	instance.FinishedAt = &now
	m.mu.Unlock()

	return nil
}

// GetInstance returns a tracked instance by ID.
func (m *Manager) GetInstance(instanceID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, ok := m.instances[instanceID]
	return instance, ok
}

// ListInstances returns every instance this manager is tracking.
func (m *Manager) ListInstances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		out = append(out, instance)
	}
	return out
}

func (m *Manager) removeInstance(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.instances[instanceID]
	if !ok {
		return
	}
	delete(m.instances, instanceID)
	delete(m.byContainer, instance.ContainerID)
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapExited(ctx)
		}
	}
}

func (m *Manager) reapExited(ctx context.Context) {
	containers, err := m.docker.List(ctx, map[string]string{"agentmesh.instance": ""})
	if err != nil {
		m.logger.Warn("listing containers during cleanup failed", zap.Error(err))
		return
	}

	for _, c := range containers {
		if c.State != "exited" {
			continue
		}

		m.mu.RLock()
		instanceID, tracked := m.byContainer[c.ID]
		m.mu.RUnlock()
		if !tracked {
			continue
		}

		info, err := m.docker.Info(ctx, c.ID)
		if err != nil {
			m.logger.Warn("inspecting exited container failed", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if instance, ok := m.instances[instanceID]; ok {
			exitCode := info.ExitCode
			instance.ExitCode = &exitCode
			instance.FinishedAt = &info.FinishedAt
			if exitCode == 0 {
				instance.Status = InstanceStopped
			} else {
				instance.Status = InstanceFailed
				instance.ErrorMsg = fmt.Sprintf("container exited with code %d", exitCode)
			}
		}
		m.mu.Unlock()

		if err := m.docker.RemoveContainer(ctx, c.ID, false); err != nil {
			m.logger.Warn("removing exited container failed", zap.String("container_id", c.ID), zap.Error(err))
		}
		m.removeInstance(instanceID)
	}
}
