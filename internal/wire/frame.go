// Package wire implements the length-prefixed, slot-multiplexed frame
// protocol carried over an upgraded websocket connection between an agent
// and a gateway.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies the kind of a frame. The low 4 bits of the header word
// are reserved for it; values 0..4 are common to both directions, 14 and 15
// are role-specific (their meaning depends on who is reading the frame).
type Opcode uint8

const (
	OpDataPlain      Opcode = 0
	OpDataCompressed Opcode = 1
	OpClosed         Opcode = 2
	OpPing           Opcode = 3
	OpPong           Opcode = 4

	// OpRejected is how the gateway reads opcode 14 on an agent->gateway frame.
	OpRejected Opcode = 14
	// OpTunnelClose is how the agent reads opcode 14 on a gateway->agent frame.
	OpTunnelClose Opcode = 14

	// OpAccepted is how the gateway reads opcode 15 on an agent->gateway frame.
	OpAccepted Opcode = 15
	// OpConnectRequest is how the agent reads opcode 15 on a gateway->agent frame.
	OpConnectRequest Opcode = 15
)

func (o Opcode) valid() bool {
	return o <= OpPong || o == 14 || o == 15
}

// Slot identifies a virtual stream within one tunnel. It occupies the upper
// 20 bits of the 24-bit header word. Slot 0 is reserved for frames that are
// not tied to a stream (ping/pong) and is never allocated to a real stream.
type Slot uint32

// MaxSlot is the largest value a Slot may hold (2^20 - 1).
const MaxSlot Slot = 1<<20 - 1

// HeaderBytes is the size in bytes of the packed (slot, opcode) header word.
const HeaderBytes = 3

// LengthBytes is the size in bytes of the length prefix.
const LengthBytes = 2

// MaxPayload is the largest payload a single frame may carry. Producers above
// this package are responsible for fragmenting larger payloads across
// multiple frames of the same slot, preserving order.
const MaxPayload = 65535

// Frame is a single decoded wire unit: a slot, an opcode, and its payload.
type Frame struct {
	Slot    Slot
	Opcode  Opcode
	Payload []byte
}

// Encode serialises a frame into its on-wire representation: a 2-byte
// big-endian length, a 3-byte big-endian header word (slot<<4 | opcode), and
// the payload bytes.
func Encode(f Frame) ([]byte, error) {
	if f.Slot > MaxSlot {
		return nil, fmt.Errorf("%w: slot %d exceeds %d", ErrSlotOverflow, f.Slot, MaxSlot)
	}
	if !f.Opcode.valid() {
		return nil, fmt.Errorf("%w: opcode %d", ErrUnknownCode, f.Opcode)
	}
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d", len(f.Payload), MaxPayload)
	}

	buf := make([]byte, LengthBytes+HeaderBytes+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	header := uint32(f.Slot)<<4 | uint32(f.Opcode)
	buf[2] = byte(header >> 16)
	buf[3] = byte(header >> 8)
	buf[4] = byte(header)
	copy(buf[5:], f.Payload)
	return buf, nil
}

// Decode parses a single frame out of a byte slice that must contain exactly
// one frame (length prefix, header, payload — as delivered by one websocket
// binary message).
func Decode(data []byte) (Frame, error) {
	if len(data) < LengthBytes+HeaderBytes {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint16(data[0:2])
	header := uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	opcode := Opcode(header & 0xf)
	slot := Slot(header >> 4)

	if !opcode.valid() {
		return Frame{}, fmt.Errorf("%w: opcode %d", ErrUnknownCode, opcode)
	}

	want := LengthBytes + HeaderBytes + int(length)
	if len(data) < want {
		return Frame{}, fmt.Errorf("frame payload truncated: have %d, need %d", len(data), want)
	}

	payload := make([]byte, length)
	copy(payload, data[LengthBytes+HeaderBytes:want])
	return Frame{Slot: slot, Opcode: opcode, Payload: payload}, nil
}
