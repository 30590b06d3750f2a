package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/agentmesh/agentmesh/internal/apperr"
)

// knownKeyPatterns are credential env vars this project knows to look
// for even when a caller never asks for them by name, used only by
// ListAvailable to surface what's configured in the current shell.
var knownKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
	"DOCKER_PASSWORD",
}

// EnvProvider resolves credentials from the process environment,
// trying an exact key match before a prefixed one.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider builds an EnvProvider. prefix is typically
// config.CredentialsConfig.EnvPrefix ("AGENTMESH_CRED_" by default).
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name identifies this provider in logs.
func (p *EnvProvider) Name() string { return "environment" }

// GetCredential tries os.Getenv(key), then os.Getenv(prefix+key).
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	return nil, apperr.NotFound("credential", key)
}

// ListAvailable reports every known API-key pattern set in the
// environment, plus any other variable whose name looks like a secret
// (api_key/token/secret substrings), prefix-stripped.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	for _, pattern := range knownKeyPatterns {
		if os.Getenv(pattern) != "" {
			add(pattern)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+pattern) != "" {
			add(pattern)
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		key := parts[0]
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "api_key") && !strings.Contains(lower, "apikey") &&
			!strings.Contains(lower, "token") && !strings.Contains(lower, "secret") {
			continue
		}
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		add(key)
	}

	return out, nil
}
