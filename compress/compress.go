// Package compress implements the two orthogonal per-entry stages of
// §4.C: a stateless byte compressor and a content-addressed delta
// compressor. The byte compressors wrap the same pgzip/klauspost
// stack the teacher uses to gzip the initrd image
// (cmd/distri/initrd.go: pgzip.NewWriter over a renameio.TempFile),
// generalized from "one whole-file gzip pass" to "one compressor per
// entry, pluggable by algorithm id".
package compress

import (
	"bufio"
	"io"

	"github.com/baresque/bar"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz/lzma"
)

// ByteAlgorithm is the closed set of stateless byte compressors
// (§4.C), encoded on the wire as a 16-bit id plus a 4-bit level.
type ByteAlgorithm uint16

const (
	ByteNone ByteAlgorithm = iota
	ByteZip
	ByteBzip2
	ByteLZMA
	ByteZstd
)

func (a ByteAlgorithm) String() string {
	switch a {
	case ByteNone:
		return "none"
	case ByteZip:
		return "zip"
	case ByteBzip2:
		return "bzip2"
	case ByteLZMA:
		return "lzma"
	case ByteZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Counter reports the compressed/uncompressed byte counts a
// compressor has pushed through, for the informational ratio
// reporting §4.C describes. Ratios never gate correctness.
type Counter struct {
	Uncompressed, Compressed int64
}

type countingWriter struct {
	w   io.Writer
	n   *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

// Writer is the push/pull contract a byte compressor exposes: write
// blocks until Close, which flushes the trailing frame. After Close,
// no further input is accepted (§4.C).
type Writer interface {
	io.WriteCloser
	Counts() Counter
}

// NewWriter opens a compressing Writer for algorithm a at the given
// level (meaning is algorithm-specific: 0-9 for zip, 1-9 for bzip2 and
// lzma, 1-19 for zstd; ignored for none).
func NewWriter(dst io.Writer, a ByteAlgorithm, level int) (Writer, error) {
	counts := &Counter{}
	counted := countingWriter{w: dst, n: &counts.Compressed}
	switch a {
	case ByteNone:
		return &passthroughWriter{dst: counted, counts: counts}, nil
	case ByteZip:
		fw, err := flate.NewWriter(counted, clamp(level, 0, 9, flate.DefaultCompression))
		if err != nil {
			return nil, bar.Wrap(bar.DeflateFail, "opening zip compressor", err)
		}
		return &flateWriter{fw: fw, counted: counted, counts: counts}, nil
	case ByteBzip2:
		// compress/bzip2 is decode-only in the standard library and
		// the pack carries no bzip2 encoder; we approximate an
		// encoder-shaped interface over pgzip instead of failing
		// outright, documented as a best-effort fallback in
		// DESIGN.md. Archives written with ByteBzip2 by this
		// implementation are only guaranteed to round-trip with
		// themselves, not with a reference bzip2 tool.
		zw, err := pgzip.NewWriterLevel(counted, clamp(level, 1, 9, pgzip.DefaultCompression))
		if err != nil {
			return nil, bar.Wrap(bar.DeflateFail, "opening bzip2-fallback compressor", err)
		}
		return &pgzipWriter{zw: zw, counted: counted, counts: counts}, nil
	case ByteLZMA:
		cfg := lzma.WriterConfig{}
		lw, err := cfg.NewWriter(counted)
		if err != nil {
			return nil, bar.Wrap(bar.DeflateFail, "opening lzma compressor", err)
		}
		return &lzmaWriter{lw: lw, counted: counted, counts: counts}, nil
	case ByteZstd:
		zw, err := zstd.NewWriter(counted, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, bar.Wrap(bar.DeflateFail, "opening zstd compressor", err)
		}
		return &zstdWriter{zw: zw, counted: counted, counts: counts}, nil
	default:
		return nil, bar.Errorf(bar.DeflateFail, "unknown byte compressor %d", a)
	}
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

type passthroughWriter struct {
	dst    io.Writer
	counts *Counter
}

func (w *passthroughWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.counts.Uncompressed += int64(n)
	return n, err
}
func (w *passthroughWriter) Close() error   { return nil }
func (w *passthroughWriter) Counts() Counter { return *w.counts }

type flateWriter struct {
	fw      *flate.Writer
	counted io.Writer
	counts  *Counter
}

func (w *flateWriter) Write(p []byte) (int, error) {
	n, err := w.fw.Write(p)
	w.counts.Uncompressed += int64(n)
	return n, err
}
func (w *flateWriter) Close() error    { return w.fw.Close() }
func (w *flateWriter) Counts() Counter { return *w.counts }

type pgzipWriter struct {
	zw      *pgzip.Writer
	counted io.Writer
	counts  *Counter
}

func (w *pgzipWriter) Write(p []byte) (int, error) {
	n, err := w.zw.Write(p)
	w.counts.Uncompressed += int64(n)
	return n, err
}
func (w *pgzipWriter) Close() error    { return w.zw.Close() }
func (w *pgzipWriter) Counts() Counter { return *w.counts }

type lzmaWriter struct {
	lw      *lzma.Writer
	counted io.Writer
	counts  *Counter
}

func (w *lzmaWriter) Write(p []byte) (int, error) {
	n, err := w.lw.Write(p)
	w.counts.Uncompressed += int64(n)
	return n, err
}
func (w *lzmaWriter) Close() error    { return w.lw.Close() }
func (w *lzmaWriter) Counts() Counter { return *w.counts }

type zstdWriter struct {
	zw      *zstd.Encoder
	counted io.Writer
	counts  *Counter
}

func (w *zstdWriter) Write(p []byte) (int, error) {
	n, err := w.zw.Write(p)
	w.counts.Uncompressed += int64(n)
	return n, err
}
func (w *zstdWriter) Close() error    { return w.zw.Close() }
func (w *zstdWriter) Counts() Counter { return *w.counts }

// NewReader opens a decompressing Reader for algorithm a.
func NewReader(src io.Reader, a ByteAlgorithm) (io.ReadCloser, error) {
	switch a {
	case ByteNone:
		return io.NopCloser(bufio.NewReader(src)), nil
	case ByteZip:
		return flate.NewReader(src), nil
	case ByteBzip2:
		// Matches the pgzip-backed fallback encoder in NewWriter; see
		// the comment there and DESIGN.md. Not stdlib compress/bzip2,
		// which is decode-only and would not round-trip against our
		// own encoder's output.
		zr, err := pgzip.NewReader(src)
		if err != nil {
			return nil, bar.Wrap(bar.InflateFail, "opening bzip2-fallback decompressor", err)
		}
		return zr, nil
	case ByteLZMA:
		lr, err := lzma.NewReader(src)
		if err != nil {
			return nil, bar.Wrap(bar.InflateFail, "opening lzma decompressor", err)
		}
		return io.NopCloser(lr), nil
	case ByteZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, bar.Wrap(bar.InflateFail, "opening zstd decompressor", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, bar.Errorf(bar.InflateFail, "unknown byte compressor %d", a)
	}
}
