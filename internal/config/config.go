// ABOUTME: Configuration loading and parsing for the coordinator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coordinator configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Bus     BusConfig     `yaml:"bus"`
	Auth    AuthConfig    `yaml:"auth"`
	Agents  AgentsConfig  `yaml:"agents"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	WSPath   string `yaml:"ws_path"` // client WebSocket prefix, default /ws
}

// RedisConfig holds the shared Redis connection settings. The same server
// backs the message bus and the context store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BusConfig holds message bus configuration
type BusConfig struct {
	TopicPrefix   string `yaml:"topic_prefix"`
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
	MaxStreamLen  int64  `yaml:"max_stream_len"`

	Block    time.Duration `yaml:"-"`
	BlockRaw string        `yaml:"block"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	AgentAPIKey string `yaml:"agent_api_key"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// JournalConfig holds job journal configuration. An empty path disables the
// journal entirely.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the fields that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Bus.TopicPrefix == "" {
		c.Bus.TopicPrefix = "aetherion-"
	}
	if c.Bus.ConsumerGroup == "" {
		c.Bus.ConsumerGroup = "aetherion-coordinator"
	}
	if c.Bus.ConsumerName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "coordinator"
		}
		c.Bus.ConsumerName = hostname
	}
	if c.Bus.MaxStreamLen == 0 {
		c.Bus.MaxStreamLen = 10000
	}
	if c.Bus.Block == 0 {
		c.Bus.Block = 5 * time.Second
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 30 * time.Second
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = 90 * time.Second
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must be greater than agents.heartbeat_interval")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Agents.SweepIntervalRaw != "" {
		cfg.Agents.SweepInterval, err = time.ParseDuration(cfg.Agents.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Agents.SweepIntervalRaw, err)
		}
	}

	if cfg.Bus.BlockRaw != "" {
		cfg.Bus.Block, err = time.ParseDuration(cfg.Bus.BlockRaw)
		if err != nil {
			return fmt.Errorf("parsing bus block %q: %w", cfg.Bus.BlockRaw, err)
		}
	}

	return nil
}
