// Package credentials resolves API keys and tokens that bootstrap hands
// to a freshly launched agent container, pulling from an ordered chain
// of providers and caching resolved values by key.
package credentials

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/logger"
	"go.uber.org/zap"
)

// Credential is one resolved secret value. Value is never logged.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider is a source of credentials: environment variables, a
// mounted secrets file, or anything else a future provider adds.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Manager resolves credentials through an ordered chain of providers,
// caching hits by key.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager builds an empty Manager; providers are added with AddProvider.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		cache:  make(map[string]*Credential),
		logger: log.WithFields(zap.String("component", "credentials")),
	}
}

// AddProvider appends a provider to the resolution chain. Earlier
// providers take priority over later ones.
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
	m.logger.Info("added credential provider", zap.String("provider", p.Name()))
}

// GetCredential resolves key through the provider chain, caching the
// first hit.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	providers := m.providers
	m.mu.RUnlock()

	for _, p := range providers {
		cred, err := p.GetCredential(ctx, key)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.cache[key] = cred
		m.mu.Unlock()
		m.logger.Debug("credential resolved", zap.String("key", key), zap.String("source", cred.Source))
		return cred, nil
	}

	return nil, apperr.NotFound("credential", key)
}

// BuildEnvVars resolves every key in required into "KEY=VALUE" pairs
// and appends additional verbatim, returning an error naming the first
// key that could not be resolved.
func (m *Manager) BuildEnvVars(ctx context.Context, required []string, additional map[string]string) ([]string, error) {
	envVars := make([]string, 0, len(required)+len(additional))
	for _, key := range required {
		cred, err := m.GetCredential(ctx, key)
		if err != nil {
			return nil, apperr.Wrap(err, "required credential missing")
		}
		envVars = append(envVars, cred.Key+"="+cred.Value)
	}
	for key, value := range additional {
		envVars = append(envVars, key+"="+value)
	}
	return envVars, nil
}

// HasCredential reports whether key resolves through any provider.
func (m *Manager) HasCredential(ctx context.Context, key string) bool {
	_, err := m.GetCredential(ctx, key)
	return err == nil
}

// ListAvailable unions the available keys across every provider,
// deduplicated and unordered.
func (m *Manager) ListAvailable(ctx context.Context) []string {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range providers {
		keys, err := p.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("failed to list credentials from provider", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

// ClearCache drops every cached credential, forcing the next lookup to
// re-query providers.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*Credential)
}
