// Package bootstrap launches containerized agent processes: pulling
// the agent type's image, wiring broker connectivity and credentials
// into the container's environment, and tracking the container's
// lifecycle once started.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logger"
	"go.uber.org/zap"
)

// ContainerSpec describes one container launch, assembled from an
// AgentTypeConfig template plus the caller's runtime overrides.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	MemoryBytes int64
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
}

// MountSpec is one bind mount from host to container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo reports a launched container's current lifecycle state.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
}

// DockerClient wraps the Docker SDK for agent container lifecycle
// management.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient connects to the Docker daemon named by cfg.
func NewDockerClient(cfg config.BootstrapConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.Internal("creating docker client", err)
	}

	log.Info("docker client created", zap.String("host", cfg.DockerHost), zap.String("api_version", cfg.APIVersion))
	return &DockerClient{cli: cli, logger: log}, nil
}

// Close releases the underlying Docker API connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return apperr.BrokerUnavailable("pinging docker daemon", err)
	}
	return nil
}

// PullImage pulls imageRef, draining the pull's progress stream.
func (d *DockerClient) PullImage(ctx context.Context, imageRef string) error {
	d.logger.Info("pulling agent image", zap.String("image", imageRef))
	reader, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return apperr.Internal(fmt.Sprintf("pulling image %q", imageRef), err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperr.Internal(fmt.Sprintf("reading pull output for image %q", imageRef), err)
	}
	d.logger.Info("agent image pulled", zap.String("image", imageRef))
	return nil
}

// CreateContainer creates, but does not start, a container from spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &dockercontainer.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &dockercontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: dockercontainer.NetworkMode(spec.NetworkMode),
		AutoRemove:  spec.AutoRemove,
		Resources: dockercontainer.Resources{
			Memory:   spec.MemoryBytes,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", apperr.Internal(fmt.Sprintf("creating container %q", spec.Name), err)
	}

	d.logger.Info("agent container created", zap.String("container_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return apperr.Internal(fmt.Sprintf("starting container %q", containerID), err)
	}
	d.logger.Info("agent container started", zap.String("container_id", containerID))
	return nil
}

// StopContainer stops a running container, giving it timeout to exit
// cleanly before Docker kills it.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &seconds}); err != nil {
		return apperr.Internal(fmt.Sprintf("stopping container %q", containerID), err)
	}
	d.logger.Info("agent container stopped", zap.String("container_id", containerID))
	return nil
}

// RemoveContainer removes a stopped container and its volumes.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return apperr.Internal(fmt.Sprintf("removing container %q", containerID), err)
	}
	d.logger.Info("agent container removed", zap.String("container_id", containerID))
	return nil
}

// ContainerLogs streams the container's stdout/stderr.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	opts := dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Tail: tail}
	reader, err := d.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("reading logs for container %q", containerID), err)
	}
	return reader, nil
}

// Info reports a launched container's current lifecycle state.
func (d *DockerClient) Info(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("inspecting container %q", containerID), err)
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	return info, nil
}

// List reports every container carrying every label in labels.
func (d *DockerClient) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			filterArgs.Add("label", k)
			continue
		}
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, apperr.Internal("listing agent containers", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, ContainerInfo{ID: c.ID, Name: name, Image: c.Image, State: c.State, Status: c.Status})
	}
	return out, nil
}
