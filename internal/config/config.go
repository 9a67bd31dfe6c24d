// Package config loads replidraw.yaml. Every value is optional; CLI flags
// override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultStoragePath       = "replidraw.db"
	DefaultTopicPrefix       = "replidraw"
	DefaultPullInterval      = 60 * time.Second
	DefaultPushDelay         = 10 * time.Millisecond
	DefaultPokeDelay         = time.Millisecond
	DefaultLogLevel          = "info"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the push channel. An empty URL disables pokes; the
// system then reconciles through periodic pulls alone.
type RedisConfig struct {
	URL         string `yaml:"url"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type SyncConfig struct {
	PullInterval Duration `yaml:"pull_interval"`
	PushDelay    Duration `yaml:"push_delay"`
	PokeDelay    Duration `yaml:"poke_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. PORT, when set, overrides the port of
// Server.Addr.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if c.Server.ReadHeaderTimeout.Duration == 0 {
		c.Server.ReadHeaderTimeout.Duration = DefaultReadHeaderTimeout
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Redis.TopicPrefix == "" {
		c.Redis.TopicPrefix = DefaultTopicPrefix
	}
	if c.Sync.PullInterval.Duration == 0 {
		c.Sync.PullInterval.Duration = DefaultPullInterval
	}
	if c.Sync.PushDelay.Duration == 0 {
		c.Sync.PushDelay.Duration = DefaultPushDelay
	}
	if c.Sync.PokeDelay.Duration == 0 {
		c.Sync.PokeDelay.Duration = DefaultPokeDelay
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Server.ReadHeaderTimeout.Duration < 0 {
		return fmt.Errorf("server.read_header_timeout must be positive, got %s", c.Server.ReadHeaderTimeout)
	}
	if c.Sync.PullInterval.Duration < 0 {
		return fmt.Errorf("sync.pull_interval must be positive, got %s", c.Sync.PullInterval)
	}
	if c.Sync.PokeDelay.Duration < 0 {
		return fmt.Errorf("sync.poke_delay must be positive, got %s", c.Sync.PokeDelay)
	}
	return nil
}
