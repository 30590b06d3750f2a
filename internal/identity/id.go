// Package identity derives the stable AgentID a coordination backbone
// process uses to identify itself across restarts, grounded only in
// values that are stable for a given checkout of a given project: the
// machine's hostname and the project's working directory, optionally
// salted with a subagent type for processes that fan out from a parent.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentmesh/agentmesh/internal/config"
)

// Resolver derives AgentIDs from process and configuration state.
type Resolver struct {
	hostname    string
	projectPath string
	projectID   string
}

// NewResolver builds a Resolver, applying config overrides over the
// process's actual hostname and working directory so a relocated
// checkout (moved directory, renamed host) can still be pinned to its
// previous identity.
func NewResolver(cfg config.IdentityConfig) (*Resolver, error) {
	hostname := cfg.HostnameOverride
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname: %w", err)
		}
		hostname = h
	}

	projectPath := cfg.ProjectPathOverride
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		projectPath = wd
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute project path: %w", err)
	}

	projectID := cfg.ProjectIDOverride
	if projectID == "" {
		projectID = derive(abs, "", "project")
	}

	return &Resolver{hostname: hostname, projectPath: abs, projectID: projectID}, nil
}

// AgentID derives the 32-hex identity for the top-level process. An
// explicit override takes precedence over derivation entirely.
func (r *Resolver) AgentID(override string) string {
	if override != "" {
		return override
	}
	return derive(r.hostname, r.projectPath, "")
}

// Resolve computes the effective AgentID for this process in one call,
// honoring cfg.AgentIDOverride and, when cfg.SubagentType is set,
// deriving a subagent identity under the process's own top-level
// AgentID.
func (r *Resolver) Resolve(cfg config.IdentityConfig) string {
	parent := r.AgentID(cfg.AgentIDOverride)
	if cfg.SubagentType == "" {
		return parent
	}
	return r.SubagentID(parent, cfg.SubagentType)
}

// ProjectID returns the project namespace this resolver operates
// under, used to scope channel/stream names and to satisfy
// project-only visibility checks.
func (r *Resolver) ProjectID() string {
	return r.projectID
}

// SubagentID derives a distinct identity for a subagent process spawned
// under a parent AgentID, mixing in the subagent type so two subagents
// of different types under the same parent never collide.
func (r *Resolver) SubagentID(parentAgentID, subagentType string) string {
	return derive(r.hostname, r.projectPath, parentAgentID+"/"+subagentType)
}

// derive hashes the identity components with sha256 and truncates to
// 16 bytes (32 hex characters), matching the AgentID wire format.
func derive(hostname, projectPath, salt string) string {
	h := sha256.Sum256([]byte(hostname + "\x00" + projectPath + "\x00" + salt))
	return hex.EncodeToString(h[:16])
}

// Hostname returns the hostname this resolver uses for derivation.
func (r *Resolver) Hostname() string {
	return r.hostname
}

// ProjectPath returns the absolute project path this resolver uses for
// derivation.
func (r *Resolver) ProjectPath() string {
	return r.projectPath
}
