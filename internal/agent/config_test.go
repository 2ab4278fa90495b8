package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func Test_load_config_applies_defaults(t *testing.T) {
	path := writeConfigFile(t, `
relay:
  url: "ws://relay.local/_tunnel/ws"
auth:
  access_key_id: "key-1"
  token: "token-1"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Proxy.HealthTimeout == 0 {
		t.Error("expected a default health timeout")
	}
	if cfg.Tunnel.ReconnectDelay == 0 || cfg.Tunnel.MaxReconnectDelay == 0 {
		t.Error("expected default reconnect delays")
	}
	if !cfg.Proxy.VerifyRouting {
		t.Error("expected verify_routing to default true")
	}
}

func Test_load_config_rejects_missing_relay_url(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  access_key_id: "key-1"
  token: "token-1"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing relay.url")
	}
}

func Test_load_config_rejects_missing_auth(t *testing.T) {
	path := writeConfigFile(t, `
relay:
  url: "ws://relay.local/_tunnel/ws"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing auth credentials")
	}
}

func Test_load_config_parses_upstreams(t *testing.T) {
	path := writeConfigFile(t, `
relay:
  url: "ws://relay.local/_tunnel/ws"
auth:
  access_key_id: "key-1"
  token: "token-1"
upstreams:
  api:
    host: "127.0.0.1"
    port: 8081
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	u, ok := cfg.Upstreams["api"]
	if !ok {
		t.Fatal("expected api upstream to be parsed")
	}
	if u.Host != "127.0.0.1" || u.Port != 8081 {
		t.Errorf("unexpected upstream: %+v", u)
	}
}

func Test_load_config_defaults_upstream_host(t *testing.T) {
	path := writeConfigFile(t, `
relay:
  url: "ws://relay.local/_tunnel/ws"
auth:
  access_key_id: "key-1"
  token: "token-1"
upstreams:
  api:
    port: 8081
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Upstreams["api"].Host; got != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %q", got)
	}
}

func Test_upstream_config_visible_gates_by_active_profile(t *testing.T) {
	u := UpstreamConfig{Host: "127.0.0.1", Port: 9000, Profiles: []string{"staging", "prod"}}
	if !u.visible("prod") {
		t.Error("expected upstream to be visible for a listed profile")
	}
	if u.visible("dev") {
		t.Error("expected upstream to be hidden for an unlisted profile")
	}
	unscoped := UpstreamConfig{Host: "127.0.0.1", Port: 9000}
	if !unscoped.visible("anything") {
		t.Error("expected an upstream with no profiles to be visible regardless of active profile")
	}
}
