package wire_test

import (
	"testing"

	"github.com/exotun/exotun/internal/wire"
	"github.com/exotun/exotun/internal/wiretest"
)

func Test_hello_round_trip(t *testing.T) {
	agentConn, relayConn := wiretest.NewPair()

	sent := wire.TunnelHello{
		ConfigName:      "prod",
		AccountName:     "acme",
		ProjectName:     "demo",
		InstanceID:      "i-1",
		AccessKeyID:     "key-1",
		SecretAccessKey: "token-1",
		Upstreams:       []string{"api", "db"},
		Internals:       []string{"status"},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- wire.WriteHello(agentConn, sent) }()

	got, err := wire.ReadHello(relayConn)
	if err != nil {
		t.Fatalf("ReadHello failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteHello failed: %v", err)
	}

	if got.ConfigName != sent.ConfigName || got.AccessKeyID != sent.AccessKeyID || got.SecretAccessKey != sent.SecretAccessKey {
		t.Errorf("scalar fields mismatch: got %+v, want %+v", got, sent)
	}
	if len(got.Upstreams) != 2 || got.Upstreams[0] != "api" || got.Upstreams[1] != "db" {
		t.Errorf("upstreams mismatch: got %v", got.Upstreams)
	}
	if len(got.Internals) != 1 || got.Internals[0] != "status" {
		t.Errorf("internals mismatch: got %v", got.Internals)
	}
}

func Test_hello_response_round_trip_ok(t *testing.T) {
	a, b := wiretest.NewPair()

	sent := wire.TunnelHelloResponse{TunnelID: "acme/demo/i-1"}
	errCh := make(chan error, 1)
	go func() { errCh <- wire.WriteHelloResponse(a, sent) }()

	got, err := wire.ReadHelloResponse(b)
	if err != nil {
		t.Fatalf("ReadHelloResponse failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteHelloResponse failed: %v", err)
	}
	if !got.Ok() {
		t.Errorf("expected Ok() response, got %+v", got)
	}
	if got.TunnelID != sent.TunnelID {
		t.Errorf("tunnel id mismatch: got %q, want %q", got.TunnelID, sent.TunnelID)
	}
}

func Test_hello_response_round_trip_error(t *testing.T) {
	a, b := wiretest.NewPair()

	sent := wire.TunnelHelloResponse{Error: "unauthorised"}
	errCh := make(chan error, 1)
	go func() { errCh <- wire.WriteHelloResponse(a, sent) }()

	got, err := wire.ReadHelloResponse(b)
	if err != nil {
		t.Fatalf("ReadHelloResponse failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteHelloResponse failed: %v", err)
	}
	if got.Ok() {
		t.Errorf("expected non-Ok response, got %+v", got)
	}
	if got.Error != sent.Error {
		t.Errorf("error mismatch: got %q, want %q", got.Error, sent.Error)
	}
}
