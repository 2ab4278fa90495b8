package relay_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/agent"
	"github.com/exotun/exotun/internal/relay"
)

// _start_backend creates a simple http server for testing.
func _start_backend(t *testing.T) (host string, port int, stop func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "passed")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "hello from backend")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { srv.Close() }
}

// _start_relay creates and starts a relay server for testing.
func _start_relay(t *testing.T, signingKey string) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind relay: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := &relay.Config{
		Listen: relay.ListenConfig{Addr: addr},
		TLS:    relay.TLSConfig{Enabled: false},
		Auth:   relay.AuthConfig{SigningKey: signingKey},
		Tunnel: relay.TunnelConfig{
			Path:           "/_tunnel/ws",
			RequestTimeout: 10 * time.Second,
		},
	}

	srv := relay.NewServer(cfg, zap.NewNop())
	go srv.Run()

	// give the server a moment to start
	time.Sleep(100 * time.Millisecond)
	return addr
}

func Test_integration_end_to_end(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	signingKey := "integration-test-signing-key"
	accessKeyID := "agent-1"

	token, err := relay.IssueHelloToken(signingKey, accessKeyID, time.Hour)
	if err != nil {
		t.Fatalf("issuing hello token: %v", err)
	}

	backendHost, backendPort, stopBackend := _start_backend(t)
	defer stopBackend()

	relayAddr := _start_relay(t, signingKey)

	agentCfg := &agent.Config{
		Relay: agent.RelayConfig{URL: fmt.Sprintf("ws://%s/_tunnel/ws", relayAddr)},
		Auth: agent.AuthConfig{
			AccessKeyID: accessKeyID,
			Token:       token,
			AccountName: "acme",
			ProjectName: "demo",
			InstanceID:  "i-1",
		},
		Upstreams: map[string]agent.UpstreamConfig{
			"api": {Host: backendHost, Port: backendPort},
		},
		Proxy: agent.ProxyConfig{VerifyRouting: false, HealthTimeout: 5 * time.Second},
		Tunnel: agent.TunnelConfig{
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 5 * time.Second,
		},
	}

	a, err := agent.New(agentCfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Run(ctx)

	// give the agent time to connect
	time.Sleep(500 * time.Millisecond)

	// test: send request through the relay, routed by host header to the
	// "api" upstream the agent advertised.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/hello", relayAddr), nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "api.upstream.exg"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request through relay failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}

	if string(body) != "hello from backend" {
		t.Errorf("expected %q, got %q", "hello from backend", string(body))
	}

	if resp.Header.Get("X-Test") != "passed" {
		t.Errorf("expected X-Test header 'passed', got %q", resp.Header.Get("X-Test"))
	}
}
