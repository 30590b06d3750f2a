package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/logger"
)

func TestNewManagerHasNoProviders(t *testing.T) {
	mgr := NewManager(logger.Default())
	if len(mgr.providers) != 0 {
		t.Errorf("expected no providers, got %d", len(mgr.providers))
	}
}

func TestManagerAddProvider(t *testing.T) {
	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))
	if len(mgr.providers) != 1 {
		t.Errorf("expected 1 provider, got %d", len(mgr.providers))
	}
}

func TestManagerGetCredentialFromEnv(t *testing.T) {
	testKey := "TEST_CREDENTIAL_KEY_12345"
	testValue := "test-secret-value"
	t.Setenv(testKey, testValue)

	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))

	cred, err := mgr.GetCredential(context.Background(), testKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != testValue {
		t.Errorf("expected value %q, got %q", testValue, cred.Value)
	}
	if cred.Source != "environment" {
		t.Errorf("expected source 'environment', got %q", cred.Source)
	}
}

func TestManagerGetCredentialCached(t *testing.T) {
	testKey := "TEST_CACHED_KEY"
	testValue := "cached-value"
	t.Setenv(testKey, testValue)

	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))
	ctx := context.Background()

	cred1, err := mgr.GetCredential(ctx, testKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.Unsetenv(testKey); err != nil {
		t.Fatalf("failed to unset env var: %v", err)
	}

	cred2, err := mgr.GetCredential(ctx, testKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred1.Value != cred2.Value {
		t.Error("expected cached value to be returned")
	}
}

func TestManagerGetCredentialNotFound(t *testing.T) {
	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))

	_, err := mgr.GetCredential(context.Background(), "DEFINITELY_NOT_SET_KEY")
	if apperr.Code(err) != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestManagerProviderPriorityFirstWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	data, _ := json.Marshal(map[string]string{"SHARED_KEY": "from-file"})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write credentials file: %v", err)
	}

	t.Setenv("SHARED_KEY", "from-env")

	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))
	mgr.AddProvider(NewFileProvider(path))

	cred, err := mgr.GetCredential(context.Background(), "SHARED_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != "from-env" {
		t.Errorf("expected env provider to win, got %q from %q", cred.Value, cred.Source)
	}
}

func TestEnvProviderPrefixFallback(t *testing.T) {
	t.Setenv("AGENTMESH_CRED_ANTHROPIC_API_KEY", "sk-prefixed")

	p := NewEnvProvider("AGENTMESH_CRED_")
	cred, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != "sk-prefixed" {
		t.Errorf("expected prefixed lookup to succeed, got %q", cred.Value)
	}
}

func TestEnvProviderListAvailableFindsKnownPatterns(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	p := NewEnvProvider("")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == "OPENAI_API_KEY" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected OPENAI_API_KEY in %v", keys)
	}
}

func TestFileProviderMissingFileIsNotAnError(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "does-not-exist.json"))
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestFileProviderReadsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	data, _ := json.Marshal(map[string]string{"NPM_TOKEN": "npm-secret"})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write credentials file: %v", err)
	}

	p := NewFileProvider(path)
	cred, err := p.GetCredential(context.Background(), "NPM_TOKEN")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Value != "npm-secret" {
		t.Errorf("expected npm-secret, got %q", cred.Value)
	}
}

func TestFileProviderReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	write := func(v string) {
		data, _ := json.Marshal(map[string]string{"ROTATING_KEY": v})
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("failed to write credentials file: %v", err)
		}
	}

	write("v1")
	p := NewFileProvider(path)
	cred, err := p.GetCredential(context.Background(), "ROTATING_KEY")
	if err != nil || cred.Value != "v1" {
		t.Fatalf("expected v1, got %v (err=%v)", cred, err)
	}

	write("v2")
	if err := p.Reload(); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	cred, err = p.GetCredential(context.Background(), "ROTATING_KEY")
	if err != nil || cred.Value != "v2" {
		t.Fatalf("expected v2 after reload, got %v (err=%v)", cred, err)
	}
}

func TestManagerBuildEnvVarsMissingRequired(t *testing.T) {
	mgr := NewManager(logger.Default())
	mgr.AddProvider(NewEnvProvider(""))

	_, err := mgr.BuildEnvVars(context.Background(), []string{"DEFINITELY_NOT_SET_KEY"}, nil)
	if err == nil {
		t.Fatal("expected error for missing required credential")
	}
}
