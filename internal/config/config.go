// Package config loads the coordination backbone's configuration from
// defaults, an optional YAML file, and environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// BrokerConfig configures the connection to the persistent broker
// (NATS JetStream in production, an in-memory fake in tests).
type BrokerConfig struct {
	URL            string `mapstructure:"url"`
	ClientName     string `mapstructure:"clientName"`
	MaxReconnects  int    `mapstructure:"maxReconnects"`
	ConnectTimeout int    `mapstructure:"connectTimeoutSeconds"`
}

// IdentityConfig controls how this process derives its stable AgentID.
type IdentityConfig struct {
	HostnameOverride    string `mapstructure:"hostnameOverride"`
	ProjectPathOverride string `mapstructure:"projectPathOverride"`
	ProjectIDOverride   string `mapstructure:"projectIdOverride"`
	AgentIDOverride     string `mapstructure:"agentIdOverride"`
	SubagentType        string `mapstructure:"subagentType"`
}

// ChannelsConfig bounds channel read/pagination behavior.
type ChannelsConfig struct {
	DefaultPageLimit int `mapstructure:"defaultPageLimit"`
	MaxPageLimit     int `mapstructure:"maxPageLimit"`
}

// WorkQueueConfig configures redelivery and dead-lettering behavior for
// the work queue's durable pull consumers.
type WorkQueueConfig struct {
	AckWaitSeconds int `mapstructure:"ackWaitSeconds"`
	MaxDeliver     int `mapstructure:"maxDeliver"`
	ClaimBatchSize int `mapstructure:"claimBatchSize"`
	FetchMaxWaitMS int `mapstructure:"fetchMaxWaitMs"`
	DLQTTLHours    int `mapstructure:"dlqTtlHours"`
}

// LoggingConfig holds the configuration for the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AdminConfig configures the read-only HTTP/WebSocket introspection
// surface for human operators.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
}

// AuditConfig configures the durable, multi-writer audit log.
type AuditConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DSN           string `mapstructure:"dsn"`
	BatchSize     int    `mapstructure:"batchSize"`
	FlushMillis   int    `mapstructure:"flushMillis"`
	QueueCapacity int    `mapstructure:"queueCapacity"`
}

// BootstrapConfig configures the operator-facing Docker bootstrap
// subcommand used to launch containerized agent processes.
type BootstrapConfig struct {
	DockerHost     string `mapstructure:"dockerHost"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// CredentialsConfig configures how agent processes are handed
// credentials at bootstrap time.
type CredentialsConfig struct {
	EnvPrefix string `mapstructure:"envPrefix"`
	FilePath  string `mapstructure:"filePath"`
}

// Config is the full, validated configuration for a coordination
// backbone process.
type Config struct {
	Broker      BrokerConfig      `mapstructure:"broker"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Channels    ChannelsConfig    `mapstructure:"channels"`
	WorkQueue   WorkQueueConfig   `mapstructure:"workQueue"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// Load loads configuration from defaults, environment, and an optional
// config.yaml found on the working directory or /etc/agentmesh.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration the same way as Load, but reads the
// YAML file from the given path instead of searching default locations.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvOverrides(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentmesh")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "nats://127.0.0.1:4222")
	v.SetDefault("broker.clientName", "agentmesh")
	v.SetDefault("broker.maxReconnects", -1)
	v.SetDefault("broker.connectTimeoutSeconds", 10)

	v.SetDefault("identity.hostnameOverride", "")
	v.SetDefault("identity.projectPathOverride", "")
	v.SetDefault("identity.agentIdOverride", "")

	v.SetDefault("channels.defaultPageLimit", 50)
	v.SetDefault("channels.maxPageLimit", 500)

	v.SetDefault("workQueue.ackWaitSeconds", 300)
	v.SetDefault("workQueue.maxDeliver", 3)
	v.SetDefault("workQueue.claimBatchSize", 1)
	v.SetDefault("workQueue.fetchMaxWaitMs", 2000)
	v.SetDefault("workQueue.dlqTtlHours", 168)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8090")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.batchSize", 100)
	v.SetDefault("audit.flushMillis", 1000)
	v.SetDefault("audit.queueCapacity", 10000)

	v.SetDefault("bootstrap.dockerHost", defaultDockerHost())
	v.SetDefault("bootstrap.apiVersion", "1.44")
	v.SetDefault("bootstrap.tlsVerify", false)
	v.SetDefault("bootstrap.defaultNetwork", "bridge")

	v.SetDefault("credentials.envPrefix", "AGENTMESH_CRED_")
	v.SetDefault("credentials.filePath", "")
}

// bindEnvOverrides wires environment variable names that don't match
// the mechanical SetEnvKeyReplacer transform of their mapstructure key.
func bindEnvOverrides(v *viper.Viper) {
	_ = v.BindEnv("broker.url", "AGENTMESH_BROKER_URL", "NATS_URL")
	_ = v.BindEnv("identity.hostnameOverride", "AGENTMESH_HOSTNAME")
	_ = v.BindEnv("identity.projectPathOverride", "AGENTMESH_PROJECT_PATH")
	_ = v.BindEnv("identity.agentIdOverride", "AGENTMESH_AGENT_ID")
	_ = v.BindEnv("audit.dsn", "AGENTMESH_AUDIT_DSN", "DATABASE_URL")
	_ = v.BindEnv("bootstrap.dockerHost", "DOCKER_HOST")
	_ = v.BindEnv("identity.projectIdOverride", "AGENTMESH_PROJECT_ID")
	_ = v.BindEnv("identity.subagentType", "AGENTMESH_SUBAGENT_TYPE")
	_ = v.BindEnv("workQueue.maxDeliver", "WORKQUEUE_MAX_ATTEMPTS")

	// The *_MS variables carry milliseconds; convert them into the
	// seconds and hours their keys are stored in.
	msEnv := func(env, key string, msPerUnit int) {
		var ms int
		if _, err := fmt.Sscan(os.Getenv(env), &ms); err == nil {
			v.Set(key, ms/msPerUnit)
		}
	}
	msEnv("WORKQUEUE_ACK_TIMEOUT_MS", "workQueue.ackWaitSeconds", 1000)
	msEnv("WORKQUEUE_DLQ_TTL_MS", "workQueue.dlqTtlHours", 3600*1000)
}

// validate accumulates every configuration problem instead of
// short-circuiting on the first one, so an operator sees the full list
// in one pass.
func validate(cfg *Config) error {
	var problems []string

	if cfg.Broker.URL == "" {
		problems = append(problems, "broker.url must not be empty")
	}
	if cfg.Channels.DefaultPageLimit < 1 {
		problems = append(problems, "channels.defaultPageLimit must be >= 1")
	}
	if cfg.Channels.MaxPageLimit < cfg.Channels.DefaultPageLimit {
		problems = append(problems, "channels.maxPageLimit must be >= channels.defaultPageLimit")
	}
	if cfg.WorkQueue.AckWaitSeconds < 1 {
		problems = append(problems, "workQueue.ackWaitSeconds must be >= 1")
	}
	if cfg.WorkQueue.MaxDeliver < 1 {
		problems = append(problems, "workQueue.maxDeliver must be >= 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug|info|warn|error", cfg.Logging.Level))
	}
	if cfg.Audit.Enabled && cfg.Audit.DSN == "" {
		problems = append(problems, "audit.dsn must be set when audit.enabled is true")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// detectDefaultLogFormat mirrors the logger package's own detection so
// the config default and the logger's fallback never disagree.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultDockerHost picks a platform-appropriate Docker daemon socket
// when the operator hasn't set DOCKER_HOST explicitly.
func defaultDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}
