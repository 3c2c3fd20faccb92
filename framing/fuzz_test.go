package framing

import (
	"bytes"
	"testing"
)

// FuzzChunkedReader feeds arbitrary bytes to the chunked reader. It must never panic
// and must terminate.
func FuzzChunkedReader(f *testing.F) {
	var buf bytes.Buffer
	_ = NewChunkedWriter(&buf, HeaderSize+3).WriteFrame([]byte("seed frame"))
	f.Add(buf.Bytes())
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))
	f.Add(bytes.Repeat([]byte{0xFF}, HeaderSize+4))

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewChunkedReaderWithAssembler(bytes.NewReader(data), NewAssemblerWithLimits(8, 64, 1<<16))
		for i := 0; i <= len(data); i++ {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
		t.Fatalf("reader produced more frames than input bytes")
	})
}

// FuzzChunkedRoundTrip checks frames survive fragmentation at any fragment size.
func FuzzChunkedRoundTrip(f *testing.F) {
	f.Add([]byte("hello"), 22)
	f.Add([]byte{}, 100)
	f.Add(bytes.Repeat([]byte("z"), 1000), 30)

	f.Fuzz(func(t *testing.T, frame []byte, size int) {
		size %= 4096
		if size > HeaderSize && len(frame)/(size-HeaderSize) >= DefaultMaxFragmentsPerFrame {
			t.Skip()
		}
		var buf bytes.Buffer
		if err := NewChunkedWriter(&buf, size).WriteFrame(frame); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
		got, err := NewChunkedReader(&buf).ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(frame))
		}
	})
}
