package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay (gateway) server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	Log    LogConfig    `yaml:"log"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls tls certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the JWT signing key used to verify an agent's hello.
type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
}

// TunnelConfig controls tunnel and request-bridging behaviour.
type TunnelConfig struct {
	Path           string        `yaml:"path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig controls the relay's structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Tunnel: TunnelConfig{
			Path:           "/_tunnel/ws",
			RequestTimeout: 60 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Auth.SigningKey == "" {
		return nil, fmt.Errorf("auth.signing_key is required")
	}
	return cfg, nil
}
