// Package config provides configuration management for the agentmesh runtime.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/llm"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Runtime  RuntimeConfig        `mapstructure:"runtime"`
	LLM      llm.ClientConfig     `mapstructure:"llm"`
	Tools    ToolsConfig          `mapstructure:"tools"`
	Events   EventsConfig         `mapstructure:"events"`
	Snapshot SnapshotConfig       `mapstructure:"snapshot"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// RuntimeConfig holds the scheduling knobs of the core.
type RuntimeConfig struct {
	// DispatchInterval is the pause between dispatcher sweeps over the
	// per-task communication queues.
	DispatchInterval time.Duration `mapstructure:"dispatchInterval"`
	// ParkInterval is how long an agent worker parks when its ready queue is
	// empty or its step lock is held.
	ParkInterval time.Duration `mapstructure:"parkInterval"`
	// ShutdownGrace bounds how long the supervisor waits for workers to
	// finish their current step on stop.
	ShutdownGrace time.Duration `mapstructure:"shutdownGrace"`
	// RoleConfigDir is the directory of agent role definition files (yaml).
	RoleConfigDir string `mapstructure:"roleConfigDir"`
}

// ToolsConfig lists the external tool servers agents may call.
type ToolsConfig struct {
	Servers []ToolServerConfig `mapstructure:"servers"`
}

// ToolServerConfig describes one MCP tool server. Stdio servers are spawned
// as subprocesses; http servers are reached over streamable HTTP.
type ToolServerConfig struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// EventsConfig selects the monitor event bus backend.
type EventsConfig struct {
	// Backend is "memory" or "nats".
	Backend string `mapstructure:"backend"`
	// NATSURL is used when Backend is "nats".
	NATSURL string `mapstructure:"natsUrl"`
	// SubjectPrefix namespaces published monitor subjects.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// SnapshotConfig holds the snapshot archive settings.
type SnapshotConfig struct {
	// Enabled turns the sqlite snapshot archive on.
	Enabled bool `mapstructure:"enabled"`
	// Path is the sqlite database file path.
	Path string `mapstructure:"path"`
	// Interval is the period between automatic snapshots. Zero disables the
	// periodic snapshotter; on-demand snapshots still work.
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from the given file (optional), the environment,
// and built-in defaults, in increasing order of precedence for env vars.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.dispatchInterval", 500*time.Millisecond)
	v.SetDefault("runtime.parkInterval", 100*time.Millisecond)
	v.SetDefault("runtime.shutdownGrace", 10*time.Second)
	v.SetDefault("runtime.roleConfigDir", "")

	v.SetDefault("llm.api_type", llm.APITypeOpenAI)
	v.SetDefault("llm.base_url", "http://127.0.0.1:11434/v1")
	v.SetDefault("llm.model", "qwen2.5:32b")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 120*time.Second)

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.natsUrl", "nats://127.0.0.1:4222")
	v.SetDefault("events.subjectPrefix", "agentmesh")

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.path", "agentmesh.db")
	v.SetDefault("snapshot.interval", time.Duration(0))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Runtime.DispatchInterval <= 0 {
		return fmt.Errorf("runtime.dispatchInterval must be positive")
	}
	if c.Runtime.ParkInterval <= 0 {
		return fmt.Errorf("runtime.parkInterval must be positive")
	}
	switch c.Events.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("events.backend must be 'memory' or 'nats', got %q", c.Events.Backend)
	}
	for _, s := range c.Tools.Servers {
		if s.Name == "" {
			return fmt.Errorf("tools.servers entries need a name")
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("tool server %q: stdio transport needs a command", s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("tool server %q: http transport needs a url", s.Name)
			}
		default:
			return fmt.Errorf("tool server %q: transport must be 'stdio' or 'http', got %q", s.Name, s.Transport)
		}
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required when the snapshot archive is enabled")
	}
	return nil
}
