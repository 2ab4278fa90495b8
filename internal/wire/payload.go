package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Target name suffixes. A ConnectTarget travels as a DNS-shaped string so it
// can pass through HTTP client code that insists on a hostname; the agent
// parses it back with ParseConnectTarget.
const (
	UpstreamSuffix = ".upstream.exg"
	InternalSuffix = ".int.exg"
)

// TargetKind distinguishes the two kinds of connect target.
type TargetKind int

const (
	TargetUpstream TargetKind = iota
	TargetInternal
)

// ConnectTarget is the tagged destination of a ConnectRequest: either a
// named upstream (a real TCP/HTTP service) or a named internal handler (an
// in-process endpoint).
type ConnectTarget struct {
	Kind TargetKind
	Name string
}

// Host formats the target as the DNS-shaped string carried on the wire.
func (t ConnectTarget) Host() string {
	switch t.Kind {
	case TargetUpstream:
		return t.Name + UpstreamSuffix
	case TargetInternal:
		return t.Name + InternalSuffix
	default:
		return ""
	}
}

// ParseConnectTarget parses a DNS-shaped hostname back into a ConnectTarget.
// Hostnames outside the upstream/internal suffixes are rejected.
func ParseConnectTarget(host string) (ConnectTarget, error) {
	switch {
	case strings.HasSuffix(host, UpstreamSuffix):
		return ConnectTarget{Kind: TargetUpstream, Name: strings.TrimSuffix(host, UpstreamSuffix)}, nil
	case strings.HasSuffix(host, InternalSuffix):
		return ConnectTarget{Kind: TargetInternal, Name: strings.TrimSuffix(host, InternalSuffix)}, nil
	default:
		return ConnectTarget{}, fmt.Errorf("host %q is not a valid connect target", host)
	}
}

// CompressionMode selects whether data frames on a stream may be compressed.
type CompressionMode int

const (
	CompressionPlain CompressionMode = iota
	CompressionZstd
)

func (m CompressionMode) String() string {
	if m == CompressionZstd {
		return "zstd"
	}
	return "plain"
}

func parseCompressionMode(s string) (CompressionMode, error) {
	switch s {
	case "zstd":
		return CompressionZstd, nil
	case "plain", "":
		return CompressionPlain, nil
	default:
		return 0, fmt.Errorf("unknown compression mode %q", s)
	}
}

// ConnectRequestPayload is the payload of a ConnectRequest frame.
type ConnectRequestPayload struct {
	Target      ConnectTarget
	Compression CompressionMode
}

type connectRequestWire struct {
	Target      string `json:"target"`
	Compression string `json:"compression"`
}

// Marshal encodes the payload for the wire.
func (p ConnectRequestPayload) Marshal() ([]byte, error) {
	return json.Marshal(connectRequestWire{
		Target:      p.Target.Host(),
		Compression: p.Compression.String(),
	})
}

// UnmarshalConnectRequestPayload decodes a ConnectRequest payload.
func UnmarshalConnectRequestPayload(data []byte) (ConnectRequestPayload, error) {
	var w connectRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ConnectRequestPayload{}, fmt.Errorf("decoding connect request payload: %w", err)
	}
	target, err := ParseConnectTarget(w.Target)
	if err != nil {
		return ConnectRequestPayload{}, err
	}
	compression, err := parseCompressionMode(w.Compression)
	if err != nil {
		return ConnectRequestPayload{}, err
	}
	return ConnectRequestPayload{Target: target, Compression: compression}, nil
}

// RejectionReason is carried in the payload of a Rejected frame.
type RejectionReason struct {
	upstreamNotFound bool
	errorMessage     string
}

// NewConnectionRefused builds a RejectionReason describing a dial/resolve failure.
func NewConnectionRefused(message string) RejectionReason {
	return RejectionReason{errorMessage: message}
}

// NewUpstreamNotFound builds a RejectionReason for an unknown upstream name.
func NewUpstreamNotFound() RejectionReason {
	return RejectionReason{upstreamNotFound: true}
}

// IsUpstreamNotFound reports whether the reason is UpstreamNotFound.
func (r RejectionReason) IsUpstreamNotFound() bool { return r.upstreamNotFound }

// Error implements error so a RejectionReason can be returned/wrapped directly.
func (r RejectionReason) Error() string {
	if r.upstreamNotFound {
		return "upstream not found"
	}
	return fmt.Sprintf("connection refused: %s", r.errorMessage)
}

type rejectionReasonWire struct {
	Kind         string `json:"kind"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Marshal encodes the rejection reason for the wire.
func (r RejectionReason) Marshal() ([]byte, error) {
	w := rejectionReasonWire{Kind: "connection_refused", ErrorMessage: r.errorMessage}
	if r.upstreamNotFound {
		w = rejectionReasonWire{Kind: "upstream_not_found"}
	}
	return json.Marshal(w)
}

// UnmarshalRejectionReason decodes a Rejected frame's payload.
func UnmarshalRejectionReason(data []byte) (RejectionReason, error) {
	var w rejectionReasonWire
	if err := json.Unmarshal(data, &w); err != nil {
		return RejectionReason{}, fmt.Errorf("decoding rejection reason: %w", err)
	}
	switch w.Kind {
	case "upstream_not_found":
		return NewUpstreamNotFound(), nil
	case "connection_refused":
		return NewConnectionRefused(w.ErrorMessage), nil
	default:
		return RejectionReason{}, fmt.Errorf("unknown rejection reason kind %q", w.Kind)
	}
}
