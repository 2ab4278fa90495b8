package zcompress

import (
	"bytes"
	"strings"
	"testing"
)

func Test_compress_round_trip(t *testing.T) {
	pair, err := NewPair()
	if err != nil {
		t.Fatalf("creating pair: %v", err)
	}
	defer pair.Close()

	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 200))
	compressed, used := pair.CompressIfSmaller(data)
	if !used {
		t.Fatal("expected highly repetitive data to compress smaller")
	}

	out, err := pair.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("decompressed output does not match original")
	}
}

func Test_compress_falls_back_to_plain_for_small_input(t *testing.T) {
	pair, err := NewPair()
	if err != nil {
		t.Fatalf("creating pair: %v", err)
	}
	defer pair.Close()

	data := []byte{1, 2, 3}
	out, used := pair.CompressIfSmaller(data)
	if used {
		t.Fatal("expected tiny input not to compress smaller")
	}
	if !bytes.Equal(out, data) {
		t.Fatal("expected plain passthrough for non-shrinking input")
	}
}

func Test_decompress_rejects_oversized_output(t *testing.T) {
	pair, err := NewPair()
	if err != nil {
		t.Fatalf("creating pair: %v", err)
	}
	defer pair.Close()

	data := make([]byte, MaxDecompressedSize+1)
	compressed, _ := pair.CompressIfSmaller(data)

	if _, err := pair.Decompress(compressed); err == nil {
		t.Fatal("expected error for oversized decompressed output")
	}
}
