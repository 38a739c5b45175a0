package pipeline

import (
	"bytes"
	"io"
	"testing"

	"github.com/baresque/bar/chunk"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

func TestWriteReadRoundTripNoCompressionNoCrypt(t *testing.T) {
	var buf bytes.Buffer
	w := chunk.OpenWrite(&buf)
	entryStart := w.BeginChunk(chunk.NewID("FILE"))

	payload := []byte("hello, world\n")
	res, err := WritePayload(w, entryStart, bytes.NewReader(payload), WriteSpec{
		ByteAlgorithm:  compress.ByteNone,
		CryptAlgorithm: crypt.None,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.EndChunk(entryStart); err != nil {
		t.Fatal(err)
	}
	if res.BytesWritten != int64(len(payload)) {
		t.Fatalf("got %d bytes written, want %d", res.BytesWritten, len(payload))
	}

	r, err := chunk.OpenRead(memStorage(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	rec, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	sub := r.Into(rec)
	dataRec, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("sub Next: ok=%v err=%v", ok, err)
	}

	out, err := OpenPayload(sub.Body(dataRec), ReadSpec{
		ByteAlgorithm:  compress.ByteNone,
		CryptAlgorithm: crypt.None,
		PlaintextSize:  int64(len(payload)),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteReadRoundTripCompressedEncrypted(t *testing.T) {
	var buf bytes.Buffer
	w := chunk.OpenWrite(&buf)
	entryStart := w.BeginChunk(chunk.NewID("FILE"))

	key := crypt.DeriveKey(crypt.AES256CTR, "sekret", bytes.Repeat([]byte{9}, crypt.SaltSize))
	iv := crypt.EntryIV(16, bytes.Repeat([]byte{9}, crypt.SaltSize), 1)
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)

	_, err := WritePayload(w, entryStart, bytes.NewReader(payload), WriteSpec{
		ByteAlgorithm:  compress.ByteZstd,
		CryptAlgorithm: crypt.AES256CTR,
		CryptKey:       key,
		CryptIV:        iv,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.EndChunk(entryStart); err != nil {
		t.Fatal(err)
	}

	r, err := chunk.OpenRead(memStorage(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	rec, _, _ := r.Next()
	sub := r.Into(rec)
	dataRec, _, _ := sub.Next()

	out, err := OpenPayload(sub.Body(dataRec), ReadSpec{
		ByteAlgorithm:  compress.ByteZstd,
		CryptAlgorithm: crypt.AES256CTR,
		CryptKey:       key,
		CryptIV:        iv,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip mismatch")
	}
}

type memStorage []byte

func (m memStorage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (m memStorage) Size() (int64, error) { return int64(len(m)), nil }
