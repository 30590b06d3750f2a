package bootstrap

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/config"
)

// ResourceLimits bounds the container resources a launched agent may
// consume.
type ResourceLimits struct {
	MemoryMB       int64
	CPUCores       float64
	TimeoutSeconds int
}

// MountTemplate describes a bind mount relative to a launch-time base
// directory, resolved into a concrete MountSpec at launch.
type MountTemplate struct {
	Source   string
	Target   string
	ReadOnly bool
}

// AgentTypeConfig is a built-in template for one kind of agent process:
// the image to run, the capabilities it registers with, and the
// resource envelope it's allowed.
type AgentTypeConfig struct {
	ID             string
	Name           string
	Description    string
	Image          string
	Tag            string
	WorkingDir     string
	RequiredEnv    []string
	Mounts         []MountTemplate
	ResourceLimits ResourceLimits
	Capabilities   []string
	Enabled        bool
}

// FullImage returns the image reference with tag applied.
func (a AgentTypeConfig) FullImage() string {
	if a.Tag == "" {
		return a.Image
	}
	return fmt.Sprintf("%s:%s", a.Image, a.Tag)
}

// DefaultAgentTypes returns the built-in catalog of agent templates
// this coordinator knows how to launch. No configuration key adds to
// this set; cmd/agentmesh-launch builds its catalog from it alone.
func DefaultAgentTypes() []*AgentTypeConfig {
	return []*AgentTypeConfig{
		{
			ID:          "worker-generic",
			Name:        "Generic Worker",
			Description: "General-purpose task worker with no specialized tooling",
			Image:       "agentmesh/worker",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{},
			Mounts: []MountTemplate{
				{Source: "workspace", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{MemoryMB: 512, CPUCores: 1.0, TimeoutSeconds: 600},
			Capabilities:   []string{"general"},
			Enabled:        true,
		},
		{
			ID:          "worker-code",
			Name:        "Code Worker",
			Description: "Agent process equipped to read and modify a mounted source tree",
			Image:       "agentmesh/worker-code",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			Mounts: []MountTemplate{
				{Source: "workspace", Target: "/workspace", ReadOnly: false},
				{Source: "git-credentials", Target: "/home/agent/.git-credentials", ReadOnly: true},
			},
			ResourceLimits: ResourceLimits{MemoryMB: 2048, CPUCores: 2.0, TimeoutSeconds: 1800},
			Capabilities:   []string{"code", "review"},
			Enabled:        true,
		},
		{
			ID:          "worker-research",
			Name:        "Research Worker",
			Description: "Agent process with outbound network access for information gathering",
			Image:       "agentmesh/worker-research",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			Mounts: []MountTemplate{
				{Source: "workspace", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{MemoryMB: 1024, CPUCores: 1.0, TimeoutSeconds: 900},
			Capabilities:   []string{"research", "summarize"},
			Enabled:        true,
		},
	}
}

// Catalog looks up agent type templates by ID and resolves them into
// launchable ContainerSpecs.
type Catalog struct {
	types map[string]*AgentTypeConfig
}

// NewCatalog builds a Catalog from types, indexed by ID. Later entries
// with a duplicate ID overwrite earlier ones.
func NewCatalog(types []*AgentTypeConfig) *Catalog {
	c := &Catalog{types: make(map[string]*AgentTypeConfig, len(types))}
	for _, t := range types {
		c.types[t.ID] = t
	}
	return c
}

// Get returns the named agent type, or nil if unknown.
func (c *Catalog) Get(id string) (*AgentTypeConfig, bool) {
	t, ok := c.types[id]
	return t, ok
}

// List returns every enabled agent type in the catalog.
func (c *Catalog) List() []*AgentTypeConfig {
	out := make([]*AgentTypeConfig, 0, len(c.types))
	for _, t := range c.types {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// LaunchOptions carries the caller-supplied overrides for one launch
// of an agent type: a unique instance name, the working directory to
// bind-mount, and any extra environment beyond the template's.
type LaunchOptions struct {
	InstanceName string
	HostBaseDir  string
	ExtraEnv     []string
	Labels       map[string]string
}

// BuildContainerSpec resolves an AgentTypeConfig plus LaunchOptions
// and bootstrap network configuration into a concrete ContainerSpec.
func BuildContainerSpec(agentType *AgentTypeConfig, opts LaunchOptions, netCfg config.BootstrapConfig) (ContainerSpec, error) {
	if opts.InstanceName == "" {
		return ContainerSpec{}, fmt.Errorf("launch options must name an instance")
	}

	mounts := make([]MountSpec, 0, len(agentType.Mounts))
	for _, m := range agentType.Mounts {
		source := m.Source
		if opts.HostBaseDir != "" && !strings.HasPrefix(source, "/") {
			source = strings.TrimRight(opts.HostBaseDir, "/") + "/" + source
		}
		mounts = append(mounts, MountSpec{Source: source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	env := make([]string, 0, len(opts.ExtraEnv)+4)
	env = append(env, opts.ExtraEnv...)
	env = append(env, fmt.Sprintf("AGENTMESH_AGENT_TYPE=%s", agentType.ID))
	env = append(env, fmt.Sprintf("AGENTMESH_INSTANCE_NAME=%s", opts.InstanceName))
	env = append(env, fmt.Sprintf("AGENTMESH_CAPABILITIES=%s", strings.Join(agentType.Capabilities, ",")))

	labels := map[string]string{
		"agentmesh.agent_type": agentType.ID,
		"agentmesh.instance":   opts.InstanceName,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	network := netCfg.DefaultNetwork
	if network == "" {
		network = "bridge"
	}

	return ContainerSpec{
		Name:        opts.InstanceName,
		Image:       agentType.FullImage(),
		Env:         env,
		WorkingDir:  agentType.WorkingDir,
		Mounts:      mounts,
		NetworkMode: network,
		MemoryBytes: agentType.ResourceLimits.MemoryMB * 1024 * 1024,
		CPUQuota:    int64(agentType.ResourceLimits.CPUCores * 100000),
		Labels:      labels,
		AutoRemove:  false,
	}, nil
}
