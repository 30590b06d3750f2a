package credentials

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/agentmesh/agentmesh/internal/apperr"
)

// FileProvider resolves credentials from a JSON object of key-value
// pairs, typically mounted into the coordinator's container at the
// path named by config.CredentialsConfig.FilePath.
type FileProvider struct {
	path string

	mu          sync.RWMutex
	loaded      bool
	credentials map[string]*Credential
}

// NewFileProvider builds a FileProvider over path. The file is read
// lazily on first lookup, not at construction.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, credentials: make(map[string]*Credential)}
}

// Name identifies this provider in logs.
func (p *FileProvider) Name() string { return "file" }

// load reads and parses the credentials file once, treating a missing
// file as "zero credentials" rather than an error.
func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.loaded = true
			return nil
		}
		return apperr.Internal("reading credentials file", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperr.Internal("parsing credentials file", err)
	}
	for key, value := range raw {
		p.credentials[key] = &Credential{Key: key, Value: value, Source: "file"}
	}
	p.loaded = true
	return nil
}

// GetCredential returns the named credential, reading the file on
// first call.
func (p *FileProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	cred, ok := p.credentials[key]
	if !ok {
		return nil, apperr.NotFound("credential", key)
	}
	return cred, nil
}

// ListAvailable returns every key present in the credentials file.
func (p *FileProvider) ListAvailable(ctx context.Context) ([]string, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.credentials))
	for key := range p.credentials {
		keys = append(keys, key)
	}
	return keys, nil
}

// Reload forces the next lookup to re-read the file from disk.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	p.loaded = false
	p.credentials = make(map[string]*Credential)
	p.mu.Unlock()
	return p.load()
}
