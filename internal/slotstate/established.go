// Package slotstate holds the per-slot state shared by the gateway and agent
// endpoints once a virtual stream has moved from Initiating to Established.
package slotstate

import (
	"github.com/exotun/exotun/internal/wire"
	"github.com/exotun/exotun/internal/zcompress"
)

// Established is installed in the slot registry once a stream is up. inbound
// carries wire payloads (already decompressed) from the reader loop to the
// forwarder; stop lets a locally-detected close unblock the forwarder without
// waiting on the peer.
type Established struct {
	Inbound     chan []byte
	Stop        chan struct{}
	Compress    *zcompress.Pair
	Compression wire.CompressionMode
}

// New builds an Established entry, allocating a compressor pair when the
// slot negotiated Zstd.
func New(compression wire.CompressionMode) (*Established, error) {
	pair, err := newCompressPairIfNeeded(compression)
	if err != nil {
		return nil, err
	}
	return &Established{
		Inbound:     make(chan []byte, 4),
		Stop:        make(chan struct{}),
		Compress:    pair,
		Compression: compression,
	}, nil
}

func newCompressPairIfNeeded(mode wire.CompressionMode) (*zcompress.Pair, error) {
	if mode != wire.CompressionZstd {
		return nil, nil
	}
	return zcompress.NewPair()
}
