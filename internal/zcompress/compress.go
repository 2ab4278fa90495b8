// Package zcompress implements the per-slot optional zstd
// compressor/decompressor pair described in spec.md §4.5.
package zcompress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize bounds a single frame's decompressed output; exceeding
// it fails the tunnel (spec.md §4.5).
const MaxDecompressedSize = 65535

// Pair owns a compressor and decompressor for one slot. Per the design note
// in spec.md §9, the reader owns the decompressor and the forwarder owns the
// compressor; Pair is still guarded by a mutex because a tunnel teardown path
// can touch both from either goroutine.
type Pair struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewPair builds a fresh compressor/decompressor pair.
func NewPair() (*Pair, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Pair{encoder: enc, decoder: dec}, nil
}

// Close releases the encoder/decoder resources.
func (p *Pair) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.encoder.Close()
	p.decoder.Close()
}

// CompressIfSmaller compresses data and reports whether the compressed form
// should be used: spec.md §4.5 requires the plain form be sent whenever
// compression does not strictly shrink the payload.
func (p *Pair) CompressIfSmaller(data []byte) (compressed []byte, used bool) {
	p.mu.Lock()
	out := p.encoder.EncodeAll(data, nil)
	p.mu.Unlock()
	if len(out) < len(data) {
		return out, true
	}
	return data, false
}

// Decompress expands a compressed frame payload, bounding the output to
// MaxDecompressedSize bytes.
func (p *Pair) Decompress(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, err := p.decoder.DecodeAll(data, make([]byte, 0, len(data)*2))
	if err != nil {
		return nil, fmt.Errorf("decompressing frame: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed frame size %d exceeds maximum %d", len(out), MaxDecompressedSize)
	}
	return out, nil
}
