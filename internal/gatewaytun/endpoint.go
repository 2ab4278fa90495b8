// Package gatewaytun implements the gateway side of the tunnel (spec.md
// §4.3): it allocates slots, issues ConnectRequest frames, and exposes a
// connect(target) -> duplex stream API to callers elsewhere in the process
// (typically an HTTP handler bridging inbound requests onto the tunnel).
package gatewaytun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/forwarding"
	"github.com/exotun/exotun/internal/keepalive"
	"github.com/exotun/exotun/internal/mixedchannel"
	"github.com/exotun/exotun/internal/slotreg"
	"github.com/exotun/exotun/internal/slotstate"
	"github.com/exotun/exotun/internal/wire"
)

type initiatingEntry struct {
	reply       chan connectResult
	compression wire.CompressionMode
}

type connectRequest struct {
	target      wire.ConnectTarget
	compression wire.CompressionMode
	reply       chan connectResult
}

type connectResult struct {
	stream io.ReadWriteCloser
	err    error
}

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

// Endpoint runs one gateway-side tunnel: reader, writer, accept-connect,
// keepalive-ping and pong-watchdog tasks, plus one forwarder per established
// slot.
type Endpoint struct {
	codec    *wire.Codec
	registry *slotreg.Registry
	outbound chan wire.Frame
	connects chan connectRequest
	pinger   *keepalive.Pinger
	watchdog *keepalive.Watchdog
	logger   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	errs      errCollector
	wg        sync.WaitGroup
}

// Start begins running a gateway tunnel over an already-upgraded websocket
// connection. The returned Endpoint's Wait method is the tunnel's "future";
// Connector exposes the connect(target) API.
func Start(conn wire.MessageConn, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	ep := &Endpoint{
		codec:    wire.NewCodec(conn),
		registry: slotreg.New(),
		outbound: make(chan wire.Frame, 16),
		connects: make(chan connectRequest, 2),
		pinger:   keepalive.NewPinger(keepalive.DefaultPingInterval),
		watchdog: keepalive.NewWatchdog(keepalive.DefaultPongTimeout),
		logger:   logger,
		done:     make(chan struct{}),
	}

	ep.wg.Add(5)
	go ep.acceptConnectLoop()
	go ep.readerLoop()
	go ep.writerLoop()
	go ep.pingLoop()
	go ep.watchdogLoop()
	return ep
}

// Wait blocks until the tunnel has fully shut down (all tasks and
// forwarders have returned) and returns the aggregated cause, if any.
func (ep *Endpoint) Wait() error {
	ep.wg.Wait()
	return ep.errs.result()
}

// Close requests an orderly shutdown of the tunnel.
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

// Connector returns a cheap-to-share handle exposing Connect.
func (ep *Endpoint) Connector() *Connector {
	return &Connector{ep: ep}
}

// Connector is the gateway-side handle exposing connect(target, compression).
type Connector struct {
	ep *Endpoint
}

// Connect requests a new virtual stream to target and blocks until it is
// Accepted (returning the duplex stream) or Rejected (returning the
// RejectionReason as an error), or until ctx is cancelled or the tunnel
// closes.
func (c *Connector) Connect(ctx context.Context, target wire.ConnectTarget, compression wire.CompressionMode) (io.ReadWriteCloser, error) {
	reply := make(chan connectResult, 1)
	req := connectRequest{target: target, compression: compression, reply: reply}

	select {
	case c.ep.connects <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ep.done:
		return nil, fmt.Errorf("tunnel is closed")
	}

	select {
	case res := <-reply:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ep.done:
		return nil, fmt.Errorf("tunnel is closed")
	}
}

func (ep *Endpoint) acceptConnectLoop() {
	defer ep.wg.Done()
	for {
		select {
		case req := <-ep.connects:
			ep.handleConnectRequest(req)
		case <-ep.done:
			return
		}
	}
}

func (ep *Endpoint) handleConnectRequest(req connectRequest) {
	slot := ep.registry.AllocateSlot()
	entry := initiatingEntry{reply: req.reply, compression: req.compression}
	if err := ep.registry.InsertInitiating(slot, entry); err != nil {
		req.reply <- connectResult{err: err}
		return
	}

	payload, err := wire.ConnectRequestPayload{Target: req.target, Compression: req.compression}.Marshal()
	if err != nil {
		ep.registry.Remove(slot)
		req.reply <- connectResult{err: err}
		return
	}

	select {
	case ep.outbound <- wire.Frame{Slot: slot, Opcode: wire.OpConnectRequest, Payload: payload}:
	case <-ep.done:
	}
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
		case wire.OpAccepted:
			ep.handleAccepted(frame.Slot)
		case wire.OpRejected:
			ep.handleRejected(frame.Slot, frame.Payload)
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

func (ep *Endpoint) handleAccepted(slot wire.Slot) {
	val, found := ep.registry.LookupInitiating(slot)
	if !found {
		if ep.registry.IsJustClosed(slot) {
			return
		}
		if _, established := ep.registry.LookupEstablished(slot); established {
			ep.fail(wire.ErrHandshakeOnEstablished)
			return
		}
		ep.fail(fmt.Errorf("%w: %d", wire.ErrUnknownSlot, slot))
		return
	}
	init := val.(initiatingEntry)

	established, err := slotstate.New(init.compression)
	if err != nil {
		ep.fail(err)
		return
	}

	if _, ok, err := ep.registry.PromoteToEstablished(slot, established); err != nil || !ok {
		if err != nil {
			ep.fail(err)
		}
		return
	}

	appEnd, peerEnd := mixedchannel.NewPair(mixedchannel.DefaultDepth)
	init.reply <- connectResult{stream: appEnd}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		forwarding.Run(slot, established, peerEnd, ep.registry, ep.outbound, ep.done)
	}()
}

func (ep *Endpoint) handleRejected(slot wire.Slot, payload []byte) {
	val, found := ep.registry.LookupInitiating(slot)
	if !found {
		if ep.registry.IsJustClosed(slot) {
			return
		}
		if _, established := ep.registry.LookupEstablished(slot); established {
			ep.fail(wire.ErrHandshakeOnEstablished)
			return
		}
		ep.fail(fmt.Errorf("%w: %d", wire.ErrUnknownSlot, slot))
		return
	}
	ep.registry.Remove(slot)
	init := val.(initiatingEntry)

	reason, err := wire.UnmarshalRejectionReason(payload)
	if err != nil {
		init.reply <- connectResult{err: err}
		return
	}
	init.reply <- connectResult{err: reason}
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
	switch v := val.(type) {
	case *slotstate.Established:
		close(v.Stop)
	case initiatingEntry:
		v.reply <- connectResult{err: fmt.Errorf("slot closed before being accepted")}
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
