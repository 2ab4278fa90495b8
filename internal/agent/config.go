package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	Relay     RelayConfig               `yaml:"relay"`
	Proxy     ProxyConfig               `yaml:"proxy"`
	Auth      AuthConfig                `yaml:"auth"`
	Tunnel    TunnelConfig              `yaml:"tunnel"`
	Upstreams map[string]UpstreamConfig `yaml:"upstreams"`
	// ActiveProfile gates which UpstreamConfig entries are visible to the
	// tunnel: an upstream with a non-empty Profiles list is only resolved
	// and advertised when ActiveProfile is one of them.
	ActiveProfile string    `yaml:"active_profile"`
	Log           LogConfig `yaml:"log"`
}

// RelayConfig specifies the relay (gateway) server websocket endpoint.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// ProxyConfig controls the residential proxy settings used to reach Relay.URL.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyRouting   bool          `yaml:"verify_routing"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// UpstreamConfig names a local TCP service this agent can dial on behalf of
// an Upstream(name) connect target. Host defaults to 127.0.0.1 when empty.
// If Profiles is non-empty, the upstream is only resolved and advertised
// while Config.ActiveProfile is one of the listed names.
type UpstreamConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Profiles []string `yaml:"profiles"`
}

// visible reports whether this upstream is in scope for activeProfile.
func (u UpstreamConfig) visible(activeProfile string) bool {
	if len(u.Profiles) == 0 {
		return true
	}
	for _, p := range u.Profiles {
		if p == activeProfile {
			return true
		}
	}
	return false
}

// AuthConfig holds the identity and pre-issued hello token this agent
// presents to the relay.
type AuthConfig struct {
	AccessKeyID string `yaml:"access_key_id"`
	Token       string `yaml:"token"`
	AccountName string `yaml:"account_name"`
	ProjectName string `yaml:"project_name"`
	ConfigName  string `yaml:"config_name"`
	InstanceID  string `yaml:"instance_id"`
}

// TunnelConfig controls reconnection behaviour.
type TunnelConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// LogConfig controls the agent's structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads and parses an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Proxy: ProxyConfig{
			VerifyRouting:   true,
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
		},
		Tunnel: TunnelConfig{
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Auth.AccessKeyID == "" || cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.access_key_id and auth.token are required")
	}
	for name, u := range cfg.Upstreams {
		if u.Host == "" {
			u.Host = "127.0.0.1"
			cfg.Upstreams[name] = u
		}
	}
	return cfg, nil
}
