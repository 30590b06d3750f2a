package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENTMESH_BROKER_URL", "")
	cfg, err := LoadWithPath("")
	require.NoError(t, err)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Broker.URL)
	assert.Equal(t, 50, cfg.Channels.DefaultPageLimit)
	assert.Equal(t, 500, cfg.Channels.MaxPageLimit)
	assert.Equal(t, 3, cfg.WorkQueue.MaxDeliver)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTMESH_BROKER_URL", "nats://broker.internal:4222")
	t.Setenv("AGENTMESH_AGENT_ID", "deadbeef")
	cfg, err := LoadWithPath("")
	require.NoError(t, err)
	assert.Equal(t, "nats://broker.internal:4222", cfg.Broker.URL)
	assert.Equal(t, "deadbeef", cfg.Identity.AgentIDOverride)
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "broker:\n  url: nats://from-file:4222\nchannels:\n  defaultPageLimit: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://from-file:4222", cfg.Broker.URL)
	assert.Equal(t, 10, cfg.Channels.DefaultPageLimit)
}

func TestValidateAccumulatesAllProblems(t *testing.T) {
	cfg := &Config{
		Broker:    BrokerConfig{URL: ""},
		Channels:  ChannelsConfig{DefaultPageLimit: 0, MaxPageLimit: 0},
		WorkQueue: WorkQueueConfig{AckWaitSeconds: 0, MaxDeliver: 0},
		Logging:   LoggingConfig{Level: "verbose"},
		Audit:     AuditConfig{Enabled: true, DSN: ""},
	}

	err := validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "broker.url")
	assert.Contains(t, msg, "channels.defaultPageLimit")
	assert.Contains(t, msg, "workQueue.ackWaitSeconds")
	assert.Contains(t, msg, "logging.level")
	assert.Contains(t, msg, "audit.dsn")
}

func TestValidatePasses(t *testing.T) {
	cfg := &Config{
		Broker:    BrokerConfig{URL: "nats://localhost:4222"},
		Channels:  ChannelsConfig{DefaultPageLimit: 50, MaxPageLimit: 500},
		WorkQueue: WorkQueueConfig{AckWaitSeconds: 60, MaxDeliver: 5},
		Logging:   LoggingConfig{Level: "info"},
	}
	assert.NoError(t, validate(cfg))
}
