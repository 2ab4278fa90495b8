package agent

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/agenttun"
	"github.com/exotun/exotun/internal/wire"
)

// configSnapshot adapts Config.Upstreams to agenttun.ConfigSnapshot, hiding
// any upstream whose Profiles list excludes the active profile.
type configSnapshot struct {
	upstreams     map[string]UpstreamConfig
	activeProfile string
}

func (s configSnapshot) ResolveUpstream(name string) (agenttun.UpstreamTarget, bool) {
	u, ok := s.upstreams[name]
	if !ok || !u.visible(s.activeProfile) {
		return agenttun.UpstreamTarget{}, false
	}
	return agenttun.UpstreamTarget{Host: u.Host, Port: u.Port}, true
}

// RunTunnel dials the relay (optionally through a proxy), performs the hello
// handshake, and drives the tunnel until it closes. It returns whether the
// caller should reconnect and retry.
func RunTunnel(ctx context.Context, cfg *Config, dialer *ProxyDialer, handlers *InternalHandlers, logger *zap.Logger) (shouldRetry bool, err error) {
	wsDialer := websocket.Dialer{Subprotocols: []string{wire.Subprotocol}}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	logger.Info("connecting to relay", zap.String("url", cfg.Relay.URL))
	conn, _, err := wsDialer.DialContext(ctx, cfg.Relay.URL, nil)
	if err != nil {
		return true, fmt.Errorf("dialling relay: %w", err)
	}
	defer conn.Close()

	hello := wire.TunnelHello{
		ConfigName:      cfg.Auth.ConfigName,
		AccountName:     cfg.Auth.AccountName,
		ProjectName:     cfg.Auth.ProjectName,
		InstanceID:      cfg.Auth.InstanceID,
		AccessKeyID:     cfg.Auth.AccessKeyID,
		SecretAccessKey: cfg.Auth.Token,
		Upstreams:       upstreamNames(cfg.Upstreams, cfg.ActiveProfile),
	}
	if handlers != nil {
		hello.Internals = handlers.Names()
	}

	if err := wire.WriteHello(conn, hello); err != nil {
		return true, fmt.Errorf("sending hello: %w", err)
	}
	resp, err := wire.ReadHelloResponse(conn)
	if err != nil {
		return true, fmt.Errorf("reading hello response: %w", err)
	}
	if !resp.Ok() {
		return false, fmt.Errorf("relay rejected hello: %s", resp.Error)
	}

	logger.Info("connected to relay", zap.String("tunnel_id", resp.TunnelID))

	var sink agenttun.InternalSink
	if handlers != nil {
		sink = handlers.Dispatch
	}

	snapshot := configSnapshot{upstreams: cfg.Upstreams, activeProfile: cfg.ActiveProfile}
	return agenttun.Run(ctx, conn, snapshot, sink, net.DefaultResolver.LookupIPAddr, logger)
}

func upstreamNames(m map[string]UpstreamConfig, activeProfile string) []string {
	names := make([]string, 0, len(m))
	for n, u := range m {
		if u.visible(activeProfile) {
			names = append(names, n)
		}
	}
	return names
}
