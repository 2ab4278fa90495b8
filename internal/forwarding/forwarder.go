// Package forwarding implements the per-slot bridge between an application
// duplex (a TCP socket, an in-process mixed-channel end, or a gateway
// caller's handle) and a slot's Established wire state. Both gatewaytun and
// agenttun spawn one Run per established slot.
package forwarding

import (
	"io"
	"sync"

	"github.com/exotun/exotun/internal/slotreg"
	"github.com/exotun/exotun/internal/slotstate"
	"github.com/exotun/exotun/internal/wire"
)

// Run bridges peer with the slot's established entry until either half
// closes, est.Stop fires, or done fires. On exit it removes the slot from
// the registry if still present; only when this removal found the entry does
// it mark the slot just-closed and emit one Closed frame. If a received
// Closed frame already removed the slot, no Closed frame is sent back.
func Run(slot wire.Slot, est *slotstate.Established, peer io.ReadWriteCloser, registry *slotreg.Registry, outbound chan<- wire.Frame, done <-chan struct{}) {
	halvesDone := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(halvesDone) }) }

	go func() {
		defer finish()
		buf := make([]byte, wire.MaxPayload)
		for {
			n, err := peer.Read(buf)
			if n > 0 {
				emitData(slot, est, buf[:n], outbound, done)
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer finish()
		for {
			select {
			case data, ok := <-est.Inbound:
				if !ok {
					return
				}
				if _, err := peer.Write(data); err != nil {
					return
				}
			case <-halvesDone:
				return
			}
		}
	}()

	select {
	case <-halvesDone:
	case <-est.Stop:
	case <-done:
	}

	peer.Close()
	if est.Compress != nil {
		est.Compress.Close()
	}

	if _, existed := registry.Remove(slot); existed {
		registry.MarkJustClosed(slot)
		select {
		case outbound <- wire.Frame{Slot: slot, Opcode: wire.OpClosed}:
		case <-done:
		}
	}
}

// emitData splits data into chunks of at most wire.MaxPayload bytes,
// compressing each chunk when the slot negotiated Zstd and doing so
// strictly shrinks it, and queues the resulting frames on outbound.
func emitData(slot wire.Slot, est *slotstate.Established, data []byte, outbound chan<- wire.Frame, done <-chan struct{}) {
	for len(data) > 0 {
		n := len(data)
		if n > wire.MaxPayload {
			n = wire.MaxPayload
		}
		chunk := data[:n]
		data = data[n:]

		opcode := wire.OpDataPlain
		payload := chunk
		if est.Compress != nil {
			if compressed, used := est.Compress.CompressIfSmaller(chunk); used {
				opcode = wire.OpDataCompressed
				payload = compressed
			}
		}

		select {
		case outbound <- wire.Frame{Slot: slot, Opcode: opcode, Payload: payload}:
		case <-done:
			return
		}
	}
}
