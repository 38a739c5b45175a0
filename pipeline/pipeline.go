// Package pipeline streams one logical entry's content bytes through
// the delta → byte-compression → encryption → chunk-framing stack in
// either direction (§4.D). The fixed-size block pump (step 5: "pump
// fixed-size blocks from the source through the stack") is carried
// over from the teacher's SquashFS file writer (internal/squashfs/
// writer.go's (*file).Write/writeBlock, which buffers until it has a
// full dataBlockSize block and then feeds it to the next stage),
// generalized from one zlib stage to an arbitrary delta/byte/crypt
// stack.
package pipeline

import (
	"bytes"
	"io"

	"github.com/baresque/bar"
	"github.com/baresque/bar/chunk"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

// BlockSize is the recommended pump block size (§4.D step 5).
const BlockSize = 1 << 20 // 1 MiB

// WriteSpec describes the per-entry pipeline configuration for
// writing one entry's payload.
type WriteSpec struct {
	DeltaSource   compress.Source // nil: no delta stage
	AllowDegrade  bool            // not read by WritePayload, which uses DeltaSource as given and does no lookup
	ByteAlgorithm compress.ByteAlgorithm
	ByteLevel     int
	CryptAlgorithm crypt.Algorithm
	CryptKey      []byte
	CryptIV       []byte
}

// WriteResult carries the informational byte counts and the crypt
// padding length (CBC only). No entry header field stores the
// padding length.
type WriteResult struct {
	BytesWritten   int64 // ciphertext bytes written to the DATA sub-chunk
	Uncompressed   int64
	Compressed     int64
	CryptPadLength byte
}

// WritePayload streams src through delta→byte→crypt→chunk into a
// freshly begun DATA sub-chunk under entryStart, per §4.D's write
// pipeline steps 1-5. Splitting across volumes (step 6) is the
// archive container's responsibility, not the pipeline's: WritePayload
// always writes the entry's payload to completion, or fails.
func WritePayload(w *chunk.Writer, entryStart *chunk.Slot, src io.Reader, spec WriteSpec) (WriteResult, error) {
	dataSlot := w.BeginChunk(chunk.NewID("DATA"))

	sinkW := &chunkSinkWriter{w: w, slot: dataSlot}

	enc, err := crypt.NewEncryptor(sinkW, spec.CryptAlgorithm, spec.CryptKey, spec.CryptIV)
	if err != nil {
		return WriteResult{}, err
	}

	byteW, err := compress.NewWriter(enc, spec.ByteAlgorithm, spec.ByteLevel)
	if err != nil {
		return WriteResult{}, err
	}

	var uncompressed int64
	pump := func(r io.Reader) error {
		buf := make([]byte, BlockSize)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				uncompressed += int64(n)
				if _, werr := byteW.Write(buf[:n]); werr != nil {
					return bar.Wrap(bar.DeflateFail, "compressing entry payload", werr)
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return bar.Wrap(bar.IO, "reading entry source", rerr)
			}
		}
	}

	if spec.DeltaSource != nil {
		var buf bytes.Buffer
		if _, _, err := compress.EncodeDelta(&buf, src, spec.DeltaSource); err != nil {
			return WriteResult{}, err
		}
		if err := pump(&buf); err != nil {
			return WriteResult{}, err
		}
	} else {
		if err := pump(src); err != nil {
			return WriteResult{}, err
		}
	}

	if err := byteW.Close(); err != nil {
		return WriteResult{}, bar.Wrap(bar.DeflateFail, "flushing compressor", err)
	}
	if err := enc.Close(); err != nil {
		return WriteResult{}, bar.Wrap(bar.Internal, "flushing encryptor", err)
	}
	if err := w.EndChunk(dataSlot); err != nil {
		return WriteResult{}, err
	}

	counts := byteW.Counts()
	return WriteResult{
		BytesWritten:   sinkW.n,
		Uncompressed:   uncompressed,
		Compressed:     counts.Compressed,
		CryptPadLength: enc.PadLen,
	}, nil
}

// chunkSinkWriter adapts chunk.Writer's BeginChunk/WriteBytes/EndChunk
// slot API to a plain io.Writer the crypt/compress stages can write
// into, and counts bytes passed through it.
type chunkSinkWriter struct {
	w    *chunk.Writer
	slot *chunk.Slot
	n    int64
}

func (s *chunkSinkWriter) Write(p []byte) (int, error) {
	if err := s.w.WriteBytes(s.slot, p); err != nil {
		return 0, err
	}
	s.n += int64(len(p))
	return len(p), nil
}

// ReadSpec describes the per-entry pipeline configuration for reading
// one entry's payload back out.
type ReadSpec struct {
	DeltaSource    compress.Source // nil if the entry has no delta stage
	ByteAlgorithm  compress.ByteAlgorithm
	CryptAlgorithm crypt.Algorithm
	CryptKey       []byte
	CryptIV        []byte
	CryptPadLength byte
	// PlaintextSize is the expected size after all layers are
	// reversed, used to validate exact framing when compression and
	// delta are both none (§4.D failure semantics).
	PlaintextSize int64
	HasDelta      bool
}

// OpenPayload builds the read side of the pipeline (§4.D steps 2-6),
// returning a reader whose length equals fragmentSize once fully
// drained. body is the DATA sub-chunk's raw (still encrypted,
// compressed) bytes. The caller must Close the returned ReadCloser
// once done draining it, to release the decompressor (zstd and lzma
// both hold buffers, and zstd runs background goroutines, until
// Close runs).
func OpenPayload(body io.Reader, spec ReadSpec) (io.ReadCloser, error) {
	var plain io.Reader
	if spec.CryptAlgorithm.IsBlockChained() {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, bar.Wrap(bar.IO, "reading entry ciphertext", err)
		}
		dec, err := crypt.NewDecryptor(nil, spec.CryptAlgorithm, spec.CryptKey, spec.CryptIV)
		if err != nil {
			return nil, err
		}
		pt, err := dec.DecryptBlocks(raw)
		if err != nil {
			return nil, bar.Wrap(bar.DecryptFail, "decrypting entry", err)
		}
		plain = bytes.NewReader(pt)
	} else {
		dec, err := crypt.NewDecryptor(body, spec.CryptAlgorithm, spec.CryptKey, spec.CryptIV)
		if err != nil {
			return nil, err
		}
		plain = dec
	}

	decompressed, err := compress.NewReader(plain, spec.ByteAlgorithm)
	if err != nil {
		return nil, bar.Wrap(bar.InflateFail, "opening entry decompressor", err)
	}

	if !spec.HasDelta {
		if spec.ByteAlgorithm == compress.ByteNone && spec.CryptAlgorithm == crypt.None {
			return &sizeCheckedReader{r: decompressed, want: spec.PlaintextSize}, nil
		}
		return decompressed, nil
	}
	if spec.DeltaSource == nil {
		decompressed.Close()
		return nil, bar.Errorf(bar.DeltaSourceNotFound, "entry requires a delta source but none was supplied")
	}
	pr, pw := io.Pipe()
	go func() {
		err := compress.DecodeDelta(pw, decompressed, spec.DeltaSource)
		if cerr := decompressed.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// sizeCheckedReader reports CORRUPT_DATA if more or fewer bytes are
// read than want, the "size mismatch ... pipeline reports
// CORRUPT_DATA" failure semantics of §4.D for the no-compression
// fast path where exact framing is expected. It closes the
// decompressor it wraps, since callers only ever see the
// sizeCheckedReader, not the decompressor underneath it.
type sizeCheckedReader struct {
	r    io.ReadCloser
	want int64
	n    int64
}

func (s *sizeCheckedReader) Close() error { return s.r.Close() }

func (s *sizeCheckedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err == io.EOF {
		if s.n != s.want {
			return n, bar.Errorf(bar.CorruptData, "entry declared %d bytes, got %d", s.want, s.n)
		}
	}
	return n, err
}
