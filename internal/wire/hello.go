package wire

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// TunnelHello is the first message an agent sends on a newly-upgraded
// carrier, before any framed wire.Frame traffic: one websocket binary
// message carrying this struct as JSON. SecretAccessKey carries a signed
// JWT (see internal/relay/auth.go); authentication itself is out of this
// package's scope, TunnelHello only defines the wire shape.
type TunnelHello struct {
	ConfigName      string `json:"config_name"`
	AccountName     string `json:"account_name"`
	ProjectName     string `json:"project_name"`
	InstanceID      string `json:"instance_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	// Upstreams and Internals advertise the names this agent can serve, so a
	// gateway with more than one agent connected can route Connect(target)
	// to one that actually has it configured.
	Upstreams []string `json:"upstreams,omitempty"`
	Internals []string `json:"internals,omitempty"`
}

// TunnelHelloResponse is the gateway's reply to a TunnelHello, sent as the
// next websocket binary message.
type TunnelHelloResponse struct {
	TunnelID string `json:"tunnel_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Ok reports whether the handshake succeeded.
func (r TunnelHelloResponse) Ok() bool { return r.Error == "" }

// WriteHello sends a TunnelHello as one websocket binary message.
func WriteHello(conn MessageConn, hello TunnelHello) error {
	data, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("marshalling hello: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadHello reads a TunnelHello from the carrier's next websocket message.
func ReadHello(conn MessageConn) (TunnelHello, error) {
	var h TunnelHello
	_, data, err := conn.ReadMessage()
	if err != nil {
		return h, fmt.Errorf("reading hello: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("unmarshalling hello: %w", err)
	}
	return h, nil
}

// WriteHelloResponse sends a TunnelHelloResponse as one websocket message.
func WriteHelloResponse(conn MessageConn, resp TunnelHelloResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshalling hello response: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadHelloResponse reads a TunnelHelloResponse from the carrier's next
// websocket message.
func ReadHelloResponse(conn MessageConn) (TunnelHelloResponse, error) {
	var resp TunnelHelloResponse
	_, data, err := conn.ReadMessage()
	if err != nil {
		return resp, fmt.Errorf("reading hello response: %w", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("unmarshalling hello response: %w", err)
	}
	return resp, nil
}
