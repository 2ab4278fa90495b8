package relay

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/gatewaytun"
	"github.com/exotun/exotun/internal/wire"
)

// Server is the main relay (gateway) server: it accepts public HTTP traffic
// on "/" and agent tunnel upgrades on Tunnel.Path.
type Server struct {
	cfg      *Config
	pool     *Pool
	handler  *Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a configured relay server.
func NewServer(cfg *Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := NewPool(logger)
	handler := NewHandler(pool, cfg.Tunnel.RequestTimeout, logger)
	return &Server{
		cfg:     cfg,
		pool:    pool,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{wire.Subprotocol},
		},
		logger: logger,
	}
}

// Run starts the relay server and blocks until it exits.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Tunnel.Path, s.handleTunnel)
	mux.Handle("/", s.handler)

	s.logger.Info("relay server starting", zap.String("addr", s.cfg.Listen.Addr), zap.Bool("tls", s.cfg.TLS.Enabled))

	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(
			s.cfg.Listen.Addr,
			s.cfg.TLS.CertFile,
			s.cfg.TLS.KeyFile,
			mux,
		)
	}
	return http.ListenAndServe(s.cfg.Listen.Addr, mux)
}

// handleTunnel upgrades an agent's websocket request, runs the hello
// handshake, and hands the established tunnel off to the pool.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	hello, err := wire.ReadHello(conn)
	if err != nil {
		s.logger.Warn("reading agent hello failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		conn.Close()
		return
	}

	if err := ValidateHelloToken(s.cfg.Auth.SigningKey, hello.AccessKeyID, hello.SecretAccessKey); err != nil {
		s.logger.Warn("agent hello auth failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		_ = wire.WriteHelloResponse(conn, wire.TunnelHelloResponse{Error: "unauthorised"})
		conn.Close()
		return
	}

	tunnelID := fmt.Sprintf("%s/%s/%s", hello.AccountName, hello.ProjectName, hello.InstanceID)
	if err := wire.WriteHelloResponse(conn, wire.TunnelHelloResponse{TunnelID: tunnelID}); err != nil {
		s.logger.Error("writing hello response failed", zap.Error(err))
		conn.Close()
		return
	}

	s.logger.Info("agent connected", zap.String("tunnel_id", tunnelID), zap.String("remote", r.RemoteAddr))

	endpoint := gatewaytun.Start(conn, s.logger.With(zap.String("tunnel_id", tunnelID)))
	s.pool.Add(tunnelID, hello, endpoint)
}
