// Package agenttun implements the agent side of the tunnel (spec.md §4.4):
// it receives ConnectRequest frames from the gateway and, per target kind,
// either dials an upstream TCP service or hands an in-process duplex to a
// locally-registered internal handler.
package agenttun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/forwarding"
	"github.com/exotun/exotun/internal/keepalive"
	"github.com/exotun/exotun/internal/mixedchannel"
	"github.com/exotun/exotun/internal/slotreg"
	"github.com/exotun/exotun/internal/slotstate"
	"github.com/exotun/exotun/internal/wire"
)

// DialTimeout bounds how long an upstream TCP dial may take before the
// ConnectRequest is rejected as ConnectionRefused.
const DialTimeout = 10 * time.Second

// UpstreamTarget is what a ConfigSnapshot resolves an upstream name to.
type UpstreamTarget struct {
	Host string
	Port int
}

// Addr formats the dial address for this target.
func (t UpstreamTarget) Addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// ConfigSnapshot resolves named upstreams as of the moment a ConnectRequest
// is handled. Implementations must be safe for concurrent use.
type ConfigSnapshot interface {
	ResolveUpstream(name string) (UpstreamTarget, bool)
}

// InternalSink receives the application-facing end of an in-process duplex
// whenever the gateway connects to a named Internal target. The sink owns
// that end afterward: if it declines to consume it (e.g. unknown name), it
// must Close it itself.
type InternalSink func(name string, conn *mixedchannel.End)

// Resolver looks up the IP addresses for a non-literal upstream host,
// matching net.Resolver.LookupIPAddr's shape so the default can be
// net.DefaultResolver.
type Resolver func(ctx context.Context, host string) ([]net.IPAddr, error)

type errCollector struct {
	mu  sync.Mutex
	err *multierror.Error
}

func (c *errCollector) add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierror.Append(c.err, err)
}

func (c *errCollector) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err.ErrorOrNil()
}

// Endpoint runs one agent-side tunnel: reader, writer, ping and watchdog
// tasks, plus one connect-request handler and one forwarder per established
// slot.
type Endpoint struct {
	codec    *wire.Codec
	registry *slotreg.Registry
	outbound chan wire.Frame
	pinger   *keepalive.Pinger
	watchdog *keepalive.Watchdog
	logger   *zap.Logger

	snapshot     ConfigSnapshot
	internalSink InternalSink
	resolver     Resolver

	done         chan struct{}
	closeOnce    sync.Once
	errs         errCollector
	wg           sync.WaitGroup
	shouldRetry  atomic.Bool
}

// Run drives one agent-side tunnel over an already-established websocket
// connection until the tunnel closes (locally, on error, or because the
// gateway sent TunnelClose), then returns whether the caller should
// reconnect and retry, and the aggregated failure cause if any.
//
// internalSink may be nil, in which case Internal(name) connects are
// rejected as UpstreamNotFound. resolver may be nil, in which case
// net.DefaultResolver.LookupIPAddr is used.
func Run(ctx context.Context, conn wire.MessageConn, snapshot ConfigSnapshot, internalSink InternalSink, resolver Resolver, logger *zap.Logger) (shouldRetry bool, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = net.DefaultResolver.LookupIPAddr
	}
	ep := &Endpoint{
		codec:        wire.NewCodec(conn),
		registry:     slotreg.New(),
		outbound:     make(chan wire.Frame, 16),
		pinger:       keepalive.NewPinger(keepalive.DefaultPingInterval),
		watchdog:     keepalive.NewWatchdog(keepalive.DefaultPongTimeout),
		logger:       logger,
		snapshot:     snapshot,
		internalSink: internalSink,
		resolver:     resolver,
		done:         make(chan struct{}),
	}
	ep.shouldRetry.Store(true)

	ep.wg.Add(4)
	go ep.readerLoop()
	go ep.writerLoop()
	go ep.pingLoop()
	go ep.watchdogLoop()

	go func() {
		select {
		case <-ctx.Done():
			ep.Close()
		case <-ep.done:
		}
	}()

	ep.wg.Wait()
	return ep.shouldRetry.Load(), ep.errs.result()
}

func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.done)
		ep.codec.Close()
	})
}

func (ep *Endpoint) fail(err error) {
	ep.errs.add(err)
	ep.Close()
}

func (ep *Endpoint) readerLoop() {
	defer ep.wg.Done()
	for {
		frame, err := ep.codec.ReadFrame()
		if err != nil {
			select {
			case <-ep.done:
				return
			default:
			}
			ep.fail(fmt.Errorf("reading frame: %w", err))
			return
		}

		switch frame.Opcode {
		case wire.OpConnectRequest:
			ep.wg.Add(1)
			go ep.handleConnectRequest(frame.Slot, frame.Payload)
		case wire.OpTunnelClose:
			ep.shouldRetry.Store(false)
			ep.Close()
			return
		case wire.OpDataPlain, wire.OpDataCompressed:
			ep.handleData(frame.Slot, frame.Opcode, frame.Payload)
		case wire.OpClosed:
			ep.handleClosed(frame.Slot)
		case wire.OpPing:
			select {
			case ep.outbound <- wire.Frame{Slot: 0, Opcode: wire.OpPong}:
			case <-ep.done:
				return
			}
		case wire.OpPong:
			ep.watchdog.FeedPong()
		default:
			ep.fail(fmt.Errorf("%w: %d", wire.ErrUnknownCode, frame.Opcode))
			return
		}

		select {
		case <-ep.done:
			return
		default:
		}
	}
}

func (ep *Endpoint) handleConnectRequest(slot wire.Slot, payload []byte) {
	defer ep.wg.Done()

	req, err := wire.UnmarshalConnectRequestPayload(payload)
	if err != nil {
		ep.fail(err)
		return
	}

	switch req.Target.Kind {
	case wire.TargetUpstream:
		ep.handleUpstreamConnect(slot, req)
	case wire.TargetInternal:
		ep.handleInternalConnect(slot, req)
	default:
		ep.reject(slot, wire.NewUpstreamNotFound())
	}
}

func (ep *Endpoint) handleUpstreamConnect(slot wire.Slot, req wire.ConnectRequestPayload) {
	target, ok := ep.snapshot.ResolveUpstream(req.Target.Name)
	if !ok {
		ep.reject(slot, wire.NewUpstreamNotFound())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()

	addr, err := ep.resolveAddr(ctx, target)
	if err != nil {
		ep.reject(slot, wire.NewConnectionRefused(dialErrorMessage(ctx, err)))
		return
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		ep.reject(slot, wire.NewConnectionRefused(dialErrorMessage(ctx, err)))
		return
	}

	ep.accept(slot, req.Compression, conn)
}

// dialErrorMessage reports "timeout" for a dial that failed because
// DialTimeout elapsed, and err's own message otherwise.
func dialErrorMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return err.Error()
}

func (ep *Endpoint) resolveAddr(ctx context.Context, target UpstreamTarget) (string, error) {
	if ip := net.ParseIP(target.Host); ip != nil {
		return target.Addr(), nil
	}
	addrs, err := ep.resolver(ctx, target.Host)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", target.Host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %q", target.Host)
	}
	return net.JoinHostPort(addrs[0].IP.String(), fmt.Sprintf("%d", target.Port)), nil
}

func (ep *Endpoint) handleInternalConnect(slot wire.Slot, req wire.ConnectRequestPayload) {
	if ep.internalSink == nil {
		ep.reject(slot, wire.NewUpstreamNotFound())
		return
	}
	appEnd, peerEnd := mixedchannel.NewPair(mixedchannel.DefaultDepth)
	if !ep.accept(slot, req.Compression, peerEnd) {
		appEnd.Close()
		return
	}
	ep.internalSink(req.Target.Name, appEnd)
}

// accept installs the established entry, replies Accepted, and spawns the
// forwarder bridging peer with the slot. It reports whether the slot was
// successfully established.
func (ep *Endpoint) accept(slot wire.Slot, compression wire.CompressionMode, peer io.ReadWriteCloser) bool {
	established, err := slotstate.New(compression)
	if err != nil {
		ep.fail(err)
		return false
	}
	if err := ep.registry.InsertEstablished(slot, established); err != nil {
		ep.fail(err)
		return false
	}

	select {
	case ep.outbound <- wire.Frame{Slot: slot, Opcode: wire.OpAccepted}:
	case <-ep.done:
		ep.registry.Remove(slot)
		return false
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		forwarding.Run(slot, established, peer, ep.registry, ep.outbound, ep.done)
	}()
	return true
}

func (ep *Endpoint) reject(slot wire.Slot, reason wire.RejectionReason) {
	payload, err := reason.Marshal()
	if err != nil {
		ep.fail(err)
		return
	}
	select {
	case ep.outbound <- wire.Frame{Slot: slot, Opcode: wire.OpRejected, Payload: payload}:
	case <-ep.done:
	}
}

func (ep *Endpoint) handleData(slot wire.Slot, opcode wire.Opcode, payload []byte) {
	val, found := ep.registry.LookupEstablished(slot)
	if !found {
		if ep.registry.IsJustClosed(slot) {
			return
		}
		ep.fail(fmt.Errorf("%w: %d", wire.ErrUnknownSlot, slot))
		return
	}
	est := val.(*slotstate.Established)

	data := payload
	if opcode == wire.OpDataCompressed {
		var err error
		data, err = est.Compress.Decompress(payload)
		if err != nil {
			ep.fail(err)
			return
		}
	}

	select {
	case est.Inbound <- data:
	case <-ep.done:
	}
}

func (ep *Endpoint) handleClosed(slot wire.Slot) {
	val, existed := ep.registry.Remove(slot)
	if !existed {
		return
	}
	if est, ok := val.(*slotstate.Established); ok {
		close(est.Stop)
	}
}

func (ep *Endpoint) writerLoop() {
	defer ep.wg.Done()
	for {
		select {
		case f := <-ep.outbound:
			if err := ep.codec.WriteFrame(f); err != nil {
				ep.fail(fmt.Errorf("writing frame: %w", err))
				return
			}
		case <-ep.done:
			return
		}
	}
}

func (ep *Endpoint) pingLoop() {
	defer ep.wg.Done()
	err := ep.pinger.Run(doneContext(ep.done), func() error {
		select {
		case ep.outbound <- wire.Frame{Slot: 0, Opcode: wire.OpPing}:
			return nil
		case <-ep.done:
			return fmt.Errorf("tunnel is closed")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		ep.fail(fmt.Errorf("ping loop: %w", err))
	}
}

func (ep *Endpoint) watchdogLoop() {
	defer ep.wg.Done()
	err := ep.watchdog.Run(doneContext(ep.done))
	if err != nil && !errors.Is(err, context.Canceled) {
		ep.fail(fmt.Errorf("keepalive: %w", err))
	}
}

func doneContext(done <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
