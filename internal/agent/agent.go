package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Agent manages the lifecycle of the tunnel connection to the relay,
// including proxy verification and automatic reconnection.
type Agent struct {
	cfg      *Config
	dialer   *ProxyDialer
	handlers *InternalHandlers
	logger   *zap.Logger
}

// New creates a new agent from the given configuration.
func New(cfg *Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{cfg: cfg, dialer: dialer, handlers: NewInternalHandlers(logger), logger: logger}, nil
}

// InternalHandlers exposes the agent's registry of Internal(name) handlers
// so the caller can Register one before Run starts.
func (a *Agent) InternalHandlers() *InternalHandlers {
	return a.handlers
}

// Run starts the agent. It verifies proxy routing, then enters the
// reconnect loop. Blocks until the context is cancelled or the relay
// explicitly closes the tunnel permanently.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyRouting {
		a.logger.Info("verifying proxy routing before connecting")
		if err := a.verifyProxy(ctx); err != nil {
			return err
		}
	}

	return a.reconnectLoop(ctx)
}

func (a *Agent) verifyProxy(ctx context.Context) error {
	verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout).WithLogger(a.logger)
	return verifier.VerifyRouting(ctx)
}

func (a *Agent) reconnectLoop(ctx context.Context) error {
	delay := a.cfg.Tunnel.ReconnectDelay
	for {
		var stopCheck func()
		var checkFailed <-chan error
		if a.dialer != nil && a.cfg.Proxy.RecheckInterval > 0 {
			verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout).WithLogger(a.logger)
			stopCheck, checkFailed = StartPeriodicCheck(verifier, a.cfg.Proxy.RecheckInterval)
		}

		tunnelCtx, cancelTunnel := context.WithCancel(ctx)
		runDone := make(chan struct {
			retry bool
			err   error
		}, 1)
		go func() {
			retry, err := RunTunnel(tunnelCtx, a.cfg, a.dialer, a.handlers, a.logger)
			runDone <- struct {
				retry bool
				err   error
			}{retry, err}
		}()

		var result struct {
			retry bool
			err   error
		}
		select {
		case result = <-runDone:
		case err := <-checkFailed:
			a.logger.Error("proxy health check failed, closing tunnel", zap.Error(err))
			cancelTunnel()
			result = <-runDone
			result.err = err
		case <-ctx.Done():
			cancelTunnel()
			<-runDone
			if stopCheck != nil {
				stopCheck()
			}
			return ctx.Err()
		}
		cancelTunnel()
		if stopCheck != nil {
			stopCheck()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !result.retry {
			a.logger.Info("tunnel closed permanently by relay")
			return result.err
		}

		a.logger.Warn("tunnel disconnected, reconnecting", zap.Error(result.err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > a.cfg.Tunnel.MaxReconnectDelay {
			delay = a.cfg.Tunnel.MaxReconnectDelay
		}
	}
}
