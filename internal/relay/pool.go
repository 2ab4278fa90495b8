package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/gatewaytun"
	"github.com/exotun/exotun/internal/wire"
)

// agentEntry is one connected agent's tunnel plus the capabilities it
// advertised in its TunnelHello.
type agentEntry struct {
	tunnelID  string
	hello     wire.TunnelHello
	endpoint  *gatewaytun.Endpoint
	connector *gatewaytun.Connector
}

func (e *agentEntry) serves(target wire.ConnectTarget) bool {
	names := e.hello.Upstreams
	if target.Kind == wire.TargetInternal {
		names = e.hello.Internals
	}
	for _, n := range names {
		if n == target.Name {
			return true
		}
	}
	return false
}

// Pool tracks connected agent tunnels and selects one able to serve a given
// connect target, round-robin among those that advertised it.
type Pool struct {
	mu      sync.RWMutex
	agents  []*agentEntry
	counter atomic.Uint64
	logger  *zap.Logger
}

// NewPool creates an empty agent pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{logger: logger}
}

// Add registers a tunnel in the pool and removes it automatically once the
// tunnel closes.
func (p *Pool) Add(tunnelID string, hello wire.TunnelHello, endpoint *gatewaytun.Endpoint) {
	entry := &agentEntry{
		tunnelID:  tunnelID,
		hello:     hello,
		endpoint:  endpoint,
		connector: endpoint.Connector(),
	}

	p.mu.Lock()
	p.agents = append(p.agents, entry)
	size := len(p.agents)
	p.mu.Unlock()
	p.logger.Info("agent added to pool", zap.String("tunnel_id", tunnelID), zap.Int("pool_size", size))

	go func() {
		_ = endpoint.Wait()
		p.remove(entry)
	}()
}

func (p *Pool) remove(target *agentEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.agents {
		if e == target {
			p.agents = append(p.agents[:i], p.agents[i+1:]...)
			p.logger.Info("agent removed from pool", zap.String("tunnel_id", target.tunnelID), zap.Int("pool_size", len(p.agents)))
			return
		}
	}
}

// Get returns a connector for an agent able to serve target, chosen
// round-robin among the matching agents.
func (p *Pool) Get(target wire.ConnectTarget) (*gatewaytun.Connector, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*agentEntry
	for _, e := range p.agents {
		if e.serves(target) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agent serves target %q", target.Host())
	}
	idx := p.counter.Add(1) % uint64(len(candidates))
	return candidates[idx].connector, nil
}

// Size returns the number of connected agents.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}
