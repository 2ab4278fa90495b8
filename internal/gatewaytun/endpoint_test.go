package gatewaytun_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/exotun/exotun/internal/gatewaytun"
	"github.com/exotun/exotun/internal/wire"
	"github.com/exotun/exotun/internal/wiretest"
)

func mustConnectTarget(t *testing.T, name string) wire.ConnectTarget {
	t.Helper()
	target, err := wire.ParseConnectTarget(name)
	if err != nil {
		t.Fatalf("ParseConnectTarget(%q): %v", name, err)
	}
	return target
}

// peer reads the next non-keepalive frame from a raw codec, replying to pings
// automatically so tests don't have to account for the gateway's ping loop.
func nextFrame(t *testing.T, codec *wire.Codec) wire.Frame {
	t.Helper()
	for {
		f, err := codec.ReadFrame()
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		if f.Opcode == wire.OpPing {
			if err := codec.WriteFrame(wire.Frame{Slot: 0, Opcode: wire.OpPong}); err != nil {
				t.Fatalf("writing pong: %v", err)
			}
			continue
		}
		return f
	}
}

func TestEndpointConnectAcceptDataClose(t *testing.T) {
	gwConn, peerConn := wiretest.NewPair()
	ep := gatewaytun.Start(gwConn, nil)
	defer ep.Close()

	peerCodec := wire.NewCodec(peerConn)
	defer peerCodec.Close()

	connResult := make(chan struct {
		stream io.ReadWriteCloser
		err    error
	}, 1)
	go func() {
		stream, err := ep.Connector().Connect(context.Background(), mustConnectTarget(t, "api.upstream.exg"), wire.CompressionPlain)
		connResult <- struct {
			stream io.ReadWriteCloser
			err    error
		}{stream, err}
	}()

	req := nextFrame(t, peerCodec)
	if req.Opcode != wire.OpConnectRequest {
		t.Fatalf("expected ConnectRequest, got opcode %d", req.Opcode)
	}
	payload, err := wire.UnmarshalConnectRequestPayload(req.Payload)
	if err != nil {
		t.Fatalf("unmarshal connect request: %v", err)
	}
	if payload.Target.Name != "api" || payload.Target.Kind != wire.TargetUpstream {
		t.Fatalf("unexpected target: %+v", payload.Target)
	}

	if err := peerCodec.WriteFrame(wire.Frame{Slot: req.Slot, Opcode: wire.OpAccepted}); err != nil {
		t.Fatalf("writing accepted: %v", err)
	}

	var res struct {
		stream io.ReadWriteCloser
		err    error
	}
	select {
	case res = <-connResult:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect to resolve")
	}
	if res.err != nil {
		t.Fatalf("Connect returned error: %v", res.err)
	}
	stream := res.stream
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("writing to stream: %v", err)
	}
	data := nextFrame(t, peerCodec)
	if data.Opcode != wire.OpDataPlain {
		t.Fatalf("expected DataPlain, got opcode %d", data.Opcode)
	}
	if string(data.Payload) != "hello" {
		t.Fatalf("unexpected payload: %q", data.Payload)
	}

	if err := peerCodec.WriteFrame(wire.Frame{Slot: req.Slot, Opcode: wire.OpDataPlain, Payload: []byte("world")}); err != nil {
		t.Fatalf("writing data: %v", err)
	}
	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("reading from stream: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("unexpected read: %q", buf[:n])
	}

	if err := peerCodec.WriteFrame(wire.Frame{Slot: req.Slot, Opcode: wire.OpClosed}); err != nil {
		t.Fatalf("writing closed: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := stream.Read(buf)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err != io.EOF && err != io.ErrClosedPipe {
			t.Fatalf("expected EOF/ErrClosedPipe after Closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to observe close")
	}
}

func TestEndpointConnectRejected(t *testing.T) {
	gwConn, peerConn := wiretest.NewPair()
	ep := gatewaytun.Start(gwConn, nil)
	defer ep.Close()

	peerCodec := wire.NewCodec(peerConn)
	defer peerCodec.Close()

	connResult := make(chan error, 1)
	go func() {
		_, err := ep.Connector().Connect(context.Background(), mustConnectTarget(t, "db.upstream.exg"), wire.CompressionPlain)
		connResult <- err
	}()

	req := nextFrame(t, peerCodec)
	reason := wire.NewUpstreamNotFound()
	payload, err := reason.Marshal()
	if err != nil {
		t.Fatalf("marshal rejection: %v", err)
	}
	if err := peerCodec.WriteFrame(wire.Frame{Slot: req.Slot, Opcode: wire.OpRejected, Payload: payload}); err != nil {
		t.Fatalf("writing rejected: %v", err)
	}

	select {
	case err := <-connResult:
		if err == nil {
			t.Fatal("expected an error from Connect")
		}
		var rr wire.RejectionReason
		if !errors.As(err, &rr) {
			t.Fatalf("expected RejectionReason, got %T: %v", err, err)
		}
		if !rr.IsUpstreamNotFound() {
			t.Fatalf("expected UpstreamNotFound, got %v", rr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect to resolve")
	}
}

func TestEndpointKeepaliveRespondsToPing(t *testing.T) {
	gwConn, peerConn := wiretest.NewPair()
	ep := gatewaytun.Start(gwConn, nil)
	defer ep.Close()

	peerCodec := wire.NewCodec(peerConn)
	defer peerCodec.Close()

	if err := peerCodec.WriteFrame(wire.Frame{Slot: 0, Opcode: wire.OpPing}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	f, err := peerCodec.ReadFrame()
	if err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if f.Opcode != wire.OpPong {
		t.Fatalf("expected Pong, got opcode %d", f.Opcode)
	}
}
