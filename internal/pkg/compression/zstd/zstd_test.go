package zstd

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "Empty", input: make([]byte, 0)},
		{name: "Non empty", input: []byte("foo")},
		{name: "Repetitive", input: bytes.Repeat([]byte("abc"), 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := NewCompressor().Compress(io.NopCloser(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatal(err)
			}
			compressed, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			r, err := NewDecompressor().Decompress(bytes.NewReader(compressed))
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("got %d bytes, want %d bytes", len(got), len(tt.input))
			}
		})
	}
}
