// Package config handles kvbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kvbridge/config.yaml, /config/config.yaml,
// /etc/kvbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kvbridge", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/kvbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all kvbridge configuration.
type Config struct {
	Broker   BrokerConfig `yaml:"broker"`
	Client   ClientConfig `yaml:"client"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// BrokerConfig defines the broker server's listen settings and the
// storage adapter assigned to each client platform.
type BrokerConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8081

	// Adapters maps a platform name ("browser", "react-native", "nodejs",
	// or any other string) to the storage backend it should be routed
	// to: "memory", "filetree", "sqlite", or "badger". Platforms absent
	// from this map have no adapter; their requests are answered with an
	// ERROR envelope.
	Adapters map[string]string `yaml:"adapters"`

	// KeepAliveInterval is parsed and defaulted (30s), but the broker
	// does not read it: its liveness sweep runs on a fixed 30s interval.
	KeepAliveInterval Duration `yaml:"keep_alive_interval"`
}

// ClientConfig defines the default settings for an outbound client
// session (internal/client.Client). Individual fields may be overridden
// programmatically when constructing a client.
type ClientConfig struct {
	ServerURL            string   `yaml:"server_url"`
	Platform             string   `yaml:"platform"`
	ReconnectInterval    Duration `yaml:"reconnect_interval"`     // default 5s
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"` // default 10
	RequestTimeout       Duration `yaml:"request_timeout"`        // default 30s
	ConnectTimeout       Duration `yaml:"connect_timeout"`        // default 10s
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${DATA_DIR}). Convenience for
	// container deployments; putting values directly in the file is
	// still the recommended approach.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Broker.Port == 0 {
		c.Broker.Port = 8081
	}
	if c.Broker.Adapters == nil {
		c.Broker.Adapters = map[string]string{
			"browser":      "memory",
			"react-native": "memory",
			"nodejs":       "sqlite",
		}
	}
	if c.Broker.KeepAliveInterval == 0 {
		c.Broker.KeepAliveInterval = Duration(30 * second)
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = Duration(5 * second)
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = 10
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = Duration(30 * second)
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = Duration(10 * second)
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range (1-65535)", c.Broker.Port)
	}
	for platform, adapter := range c.Broker.Adapters {
		switch adapter {
		case "memory", "filetree", "sqlite", "badger":
		default:
			return fmt.Errorf("broker.adapters[%s] = %q is not a known adapter", platform, adapter)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
