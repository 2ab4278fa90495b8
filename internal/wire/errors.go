package wire

import "errors"

// Protocol errors are tunnel-fatal: they indicate the two sides have
// desynchronised and the whole tunnel must be closed, not just one slot.
var (
	ErrUnknownCode             = errors.New("unknown opcode")
	ErrSlotOverflow            = errors.New("slot overflow")
	ErrHandshakeOnEstablished  = errors.New("connection handshake on established connection")
	ErrCommandOnInitiatingConn = errors.New("command on initiating connection")
	ErrUnknownSlot             = errors.New("unknown slot")
)
