package compress

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/baresque/bar"
)

// Source is the external, name-indexed, content-addressed predictor
// a delta compressor diffs its input against (§4.C's DeltaSourceProvider,
// §6). It is a seekable reader over a prior version of the entry's
// payload.
type Source interface {
	Size() int64
	io.ReaderAt
}

// SourceProvider resolves a delta source by name. Missing sources
// report DELTA_SOURCE_NOT_FOUND (§4.C); the archive writer's
// WriteOptions.AllowDegradeDelta controls whether that is fatal.
type SourceProvider interface {
	Open(name string) (Source, error)
}

// ChunkSize is the rolling-signature block size used to find matching
// regions between the delta source and the new payload — the same
// COPY/DATA split as a classic rsync-style delta
// (other_examples/803bd84f_hemzaz-freightliner__pkg-network-delta_sync.go.go),
// generalized here from whole-stream sync to a streaming encoder that
// emits COPY/DATA ops directly into the archive's DATA sub-chunk.
const ChunkSize = 64 * 1024

type opType byte

const (
	opCopy opType = iota
	opData
)

// op is one delta operation: either "copy length bytes from the
// source at offset" or "emit length bytes of literal data".
// On the wire (inside the entry's byte-compressed/encrypted payload
// stream) each op is a 1-byte type, an 8-byte big-endian length, and
// for opCopy an 8-byte big-endian source offset, for opData the
// literal bytes themselves.
type op struct {
	typ    opType
	length uint64
	offset uint64 // opCopy only
}

func writeOp(w io.Writer, o op) error {
	var hdr [17]byte
	hdr[0] = byte(o.typ)
	binary.BigEndian.PutUint64(hdr[1:9], o.length)
	n := 9
	if o.typ == opCopy {
		binary.BigEndian.PutUint64(hdr[9:17], o.offset)
		n = 17
	}
	_, err := w.Write(hdr[:n])
	return err
}

func readOp(r io.Reader) (op, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return op{}, err
	}
	o := op{typ: opType(hdr[0]), length: binary.BigEndian.Uint64(hdr[1:9])}
	if o.typ == opCopy {
		var off [8]byte
		if _, err := io.ReadFull(r, off[:]); err != nil {
			return op{}, err
		}
		o.offset = binary.BigEndian.Uint64(off[:])
	}
	return o, nil
}

func blockSignatures(src Source) (map[[sha256.Size]byte]int64, error) {
	index := map[[sha256.Size]byte]int64{}
	size := src.Size()
	buf := make([]byte, ChunkSize)
	for off := int64(0); off < size; off += ChunkSize {
		n := ChunkSize
		if int64(n) > size-off {
			n = int(size - off)
		}
		if _, err := src.ReadAt(buf[:n], off); err != nil && err != io.EOF {
			return nil, bar.Wrap(bar.IO, "reading delta source", err)
		}
		h := sha256.Sum256(buf[:n])
		if _, exists := index[h]; !exists {
			index[h] = off
		}
	}
	return index, nil
}

// EncodeDelta reads all of input, and writes a sequence of COPY/DATA
// ops to w: COPY for any ChunkSize-aligned block that matches a block
// already present in source at the same or a different offset, DATA
// otherwise. It is a whole-input (not streaming-stalled) encoder:
// bar's entry payloads are read fully into the pipeline in blocks
// already (§4.D step 5), so buffering one source index in memory is
// the same cost the teacher's squashfs writer already pays for its
// fragment table.
func EncodeDelta(w io.Writer, input io.Reader, source Source) (uncompressed, compressed int64, err error) {
	index, err := blockSignatures(source)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, ChunkSize)
	cw := &countWriter{w: w}
	for {
		n, rerr := io.ReadFull(input, buf)
		if n > 0 {
			uncompressed += int64(n)
			h := sha256.Sum256(buf[:n])
			if off, ok := index[h]; ok && int64(n) == ChunkSize {
				if err := writeOp(cw, op{typ: opCopy, length: uint64(n), offset: uint64(off)}); err != nil {
					return 0, 0, bar.Wrap(bar.IO, "writing delta copy op", err)
				}
			} else {
				if err := writeOp(cw, op{typ: opData, length: uint64(n)}); err != nil {
					return 0, 0, bar.Wrap(bar.IO, "writing delta data op", err)
				}
				if _, err := cw.Write(buf[:n]); err != nil {
					return 0, 0, bar.Wrap(bar.IO, "writing delta literal data", err)
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return 0, 0, bar.Wrap(bar.IO, "reading delta input", rerr)
		}
	}
	return uncompressed, cw.n, nil
}

// DecodeDelta reconstructs the original payload from a COPY/DATA op
// stream, reading COPY ranges back from source.
func DecodeDelta(w io.Writer, r io.Reader, source Source) error {
	for {
		o, err := readOp(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return bar.Wrap(bar.CorruptData, "reading delta op", err)
		}
		switch o.typ {
		case opCopy:
			buf := make([]byte, o.length)
			if _, err := source.ReadAt(buf, int64(o.offset)); err != nil && err != io.EOF {
				return bar.Wrap(bar.CorruptData, "resolving delta copy op", err)
			}
			if _, err := w.Write(buf); err != nil {
				return bar.Wrap(bar.IO, "writing reconstructed bytes", err)
			}
		case opData:
			if _, err := io.CopyN(w, r, int64(o.length)); err != nil {
				return bar.Wrap(bar.CorruptData, "reading delta literal data", err)
			}
		default:
			return bar.Errorf(bar.CorruptData, "unknown delta op type %d", o.typ)
		}
	}
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
