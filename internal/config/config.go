// Package config loads the proxy configuration from a YAML file, filling in
// defaults for anything the file omits.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultHost                 = "0.0.0.0"
	DefaultPort                 = 8317
	DefaultCredentialsFile      = "credentials.json"
	DefaultLogLevel             = "info"
	DefaultPoolStalenessSeconds = 60
)

// Config is the full proxy configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKeys are the inbound bearer credentials accepted on /v1 routes.
	// An empty list leaves the API open.
	APIKeys []string `yaml:"api-keys"`

	// CredentialsFile is the JSON store of pooled upstream accounts.
	CredentialsFile string `yaml:"credentials-file"`

	LogFile  string `yaml:"log-file"`
	LogLevel string `yaml:"log-level"`
	Debug    bool   `yaml:"debug"`

	// PoolStalenessSeconds bounds how long the pool serves from its cached
	// credential snapshot.
	PoolStalenessSeconds int `yaml:"pool-staleness-seconds"`

	// WatchCredentials reloads the pool when the credentials file changes
	// on disk.
	WatchCredentials bool `yaml:"watch-credentials"`
}

// LoadConfig reads the YAML file at path. A missing file yields the default
// configuration rather than an error so the proxy can start from flags and
// an empty store.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.CredentialsFile) == "" {
		c.CredentialsFile = DefaultCredentialsFile
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.PoolStalenessSeconds <= 0 {
		c.PoolStalenessSeconds = DefaultPoolStalenessSeconds
	}
	keys := make([]string, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if trimmed := strings.TrimSpace(k); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	c.APIKeys = keys
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
