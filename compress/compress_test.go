package compress

import (
	"bytes"
	"io"
	"testing"
)

func TestByteCompressorsRoundTrip(t *testing.T) {
	input := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	for _, alg := range []ByteAlgorithm{ByteNone, ByteZip, ByteBzip2, ByteLZMA, ByteZstd} {
		alg := alg
		t.Run(alg.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, alg, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write(input); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := NewReader(bytes.NewReader(buf.Bytes()), alg)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, input) {
				t.Fatalf("round trip mismatch for %s: got %d bytes, want %d", alg, len(got), len(input))
			}
		})
	}
}

type memSource struct{ data []byte }

func (m memSource) Size() int64 { return int64(len(m.data)) }
func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestDeltaRoundTripSmallerThanSource(t *testing.T) {
	source := bytes.Repeat([]byte{0xAB}, ChunkSize*4)
	modified := append([]byte(nil), source...)
	// Change a handful of bytes in the second block only.
	copy(modified[ChunkSize+10:], []byte("CHANGED"))

	var encoded bytes.Buffer
	_, compressedSize, err := EncodeDelta(&encoded, bytes.NewReader(modified), memSource{source})
	if err != nil {
		t.Fatal(err)
	}
	if compressedSize >= int64(len(modified)) {
		t.Fatalf("expected delta encoding smaller than input: got %d, input %d", compressedSize, len(modified))
	}

	var decoded bytes.Buffer
	if err := DecodeDelta(&decoded, bytes.NewReader(encoded.Bytes()), memSource{source}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded.Bytes(), modified) {
		t.Fatal("decoded delta does not match modified input")
	}
}
