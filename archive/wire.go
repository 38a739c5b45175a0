// Package archive implements the archive container of §4.E: the
// high-level create/open/iterate/close operations, multi-volume
// splitting, and signature placement that sit on top of chunk,
// crypt, compress and pipeline. Its entry-start body layout follows
// §6's wire contract; the volume-rollover bookkeeping is grounded on
// the teacher's SquashFS writer's running-offset tracking
// (internal/squashfs/writer.go), generalized from one fixed-size
// output file to a sequence of caller-provided volumes.
package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/baresque/bar"
	"github.com/baresque/bar/chunk"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

func chunkID(s string) chunk.ID { return chunk.NewID(s) }

func unixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

// Chunk identifiers (§6). KEY is null-padded to the fixed 4-byte
// identifier width every chunk id uses.
var (
	idBAR0 = chunkID("BAR0")
	idSALT = chunkID("SALT")
	idKEY  = chunkID("KEY\x00")
	idMETA = chunkID("META")
	idFILE = chunkID("FILE")
	idIMGE = chunkID("IMGE")
	idDIR0 = chunkID("DIR0")
	idLINK = chunkID("LINK")
	idHLNK = chunkID("HLNK")
	idSPEC = chunkID("SPEC")
	idDATA = chunkID("DATA")
	idHNAM = chunkID("HNAM")
	idSIGN = chunkID("SIGN")
)

// archiveVersion is the BAR0 chunk's format version; readers reject
// anything newer with UNSUPPORTED_VERSION.
const archiveVersion = 1

// header flags, stored in BAR0.
const (
	flagHasSalt uint16 = 1 << iota
	flagHasPublicKeyEnvelope
)

// entryStartFixedPrefix is the byte length of the fixed portion of an
// entry-start body that precedes the variable-length name: u16
// compressionAlg, u16 cryptAlg, 32-byte cryptSalt/IV, u64
// fragmentOffset, u64 fragmentSize.
const entryStartFixedPrefix = 2 + 2 + 32 + 8 + 8

// fragmentSizeFieldOffset is where fragmentSize lands within the
// fixed prefix, used to patch it in once a fragment's payload has
// finished streaming (see closeFragment in (*Writer).writePayloadEntry).
const fragmentSizeFieldOffset = 2 + 2 + 32 + 8

// entryStartHeader is the parsed form of an entry-start chunk's body
// prefix, common to all six entry-start kinds (§6).
type entryStartHeader struct {
	ByteAlgorithm  compress.ByteAlgorithm
	CryptAlgorithm crypt.Algorithm
	CryptSalt      [32]byte // per-entry IV, left-justified
	FragmentOffset uint64
	FragmentSize   uint64
	HasDelta       bool // true if the payload was delta-encoded against a named source (§4.C)
	Name           string
	Info           bar.FileInfo
	ExtAttrs       []bar.ExtendedAttribute
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString16(buf *bytes.Buffer, s string) {
	putU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func putBytes32(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

// encodeEntryStartPrefix renders the fixed prefix plus name and
// fileInfo block shared by every entry-start kind. It returns the
// bytes; the fragmentSize field inside them is patched later via
// chunk.Writer.PatchBytes once the fragment's actual size is known.
func encodeEntryStartPrefix(h entryStartHeader) []byte {
	var buf bytes.Buffer
	putU16(&buf, uint16(h.ByteAlgorithm))
	putU16(&buf, uint16(h.CryptAlgorithm))
	var salt [32]byte
	copy(salt[:], h.CryptSalt[:])
	buf.Write(salt[:])
	putU64(&buf, h.FragmentOffset)
	putU64(&buf, h.FragmentSize)
	if h.HasDelta {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putString16(&buf, h.Name)

	putU64(&buf, h.Info.Size)
	putU64(&buf, uint64(h.Info.MTime.UnixNano()))
	putU64(&buf, uint64(h.Info.ATime.UnixNano()))
	putU64(&buf, uint64(h.Info.CTime.UnixNano()))
	putU32(&buf, h.Info.UID)
	putU32(&buf, h.Info.GID)
	putU32(&buf, h.Info.Mode)
	putU64(&buf, uint64(h.Info.Attributes))
	putString16(&buf, h.Info.OwnerName)
	putString16(&buf, h.Info.GroupName)

	putU32(&buf, uint32(len(h.ExtAttrs)))
	for _, xa := range h.ExtAttrs {
		putString16(&buf, xa.Name)
		putBytes32(&buf, xa.Value)
	}

	switch {
	case h.Info.LinkTarget != "":
		putString16(&buf, h.Info.LinkTarget)
	case h.Info.Special != 0:
		buf.WriteByte(byte(h.Info.Special))
		putU32(&buf, h.Info.Major)
		putU32(&buf, h.Info.Minor)
	case h.Info.HardlinkPeer != 0:
		putU32(&buf, h.Info.HardlinkPeer)
	}
	return buf.Bytes()
}

// getU16/getU32/getU64/getString16/getBytes32/getByte read sequentially
// from any io.Reader (not just a byte slice), so decodeEntryStartPrefix
// can parse directly off a live section reader over on-disk storage
// instead of requiring the whole entry-start body — DATA payload
// included — to be buffered in memory first.
func getU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func getU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func getByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func getString16(r io.Reader) (string, error) {
	n, err := getU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func getBytes32(r io.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// decodeEntryStartPrefix is the inverse of encodeEntryStartPrefix.
// kind tells it which kind-specific extension (if any) trails the
// fixed fields. r is positioned at the first byte of the entry-start
// body and is left positioned exactly after the prefix, so the
// caller can continue reading r's underlying section for whatever
// chunk-framed sub-chunks follow (HNAM/DATA).
func decodeEntryStartPrefix(r io.Reader, kind bar.EntryKind) (entryStartHeader, error) {
	var h entryStartHeader

	alg, err := getU16(r)
	if err != nil {
		return h, corrupt(err)
	}
	h.ByteAlgorithm = compress.ByteAlgorithm(alg)
	calg, err := getU16(r)
	if err != nil {
		return h, corrupt(err)
	}
	h.CryptAlgorithm = crypt.Algorithm(calg)
	if _, err := io.ReadFull(r, h.CryptSalt[:]); err != nil {
		return h, corrupt(err)
	}
	if h.FragmentOffset, err = getU64(r); err != nil {
		return h, corrupt(err)
	}
	if h.FragmentSize, err = getU64(r); err != nil {
		return h, corrupt(err)
	}
	deltaByte, err := getByte(r)
	if err != nil {
		return h, corrupt(err)
	}
	h.HasDelta = deltaByte != 0
	if h.Name, err = getString16(r); err != nil {
		return h, corrupt(err)
	}

	if h.Info.Size, err = getU64(r); err != nil {
		return h, corrupt(err)
	}
	mtime, err := getU64(r)
	if err != nil {
		return h, corrupt(err)
	}
	atime, err := getU64(r)
	if err != nil {
		return h, corrupt(err)
	}
	ctime, err := getU64(r)
	if err != nil {
		return h, corrupt(err)
	}
	h.Info.MTime = unixNano(mtime)
	h.Info.ATime = unixNano(atime)
	h.Info.CTime = unixNano(ctime)
	if h.Info.UID, err = getU32(r); err != nil {
		return h, corrupt(err)
	}
	if h.Info.GID, err = getU32(r); err != nil {
		return h, corrupt(err)
	}
	if h.Info.Mode, err = getU32(r); err != nil {
		return h, corrupt(err)
	}
	attrs, err := getU64(r)
	if err != nil {
		return h, corrupt(err)
	}
	h.Info.Attributes = bar.Attributes(attrs)
	if h.Info.OwnerName, err = getString16(r); err != nil {
		return h, corrupt(err)
	}
	if h.Info.GroupName, err = getString16(r); err != nil {
		return h, corrupt(err)
	}

	nxa, err := getU32(r)
	if err != nil {
		return h, corrupt(err)
	}
	for i := uint32(0); i < nxa; i++ {
		name, err := getString16(r)
		if err != nil {
			return h, corrupt(err)
		}
		val, err := getBytes32(r)
		if err != nil {
			return h, corrupt(err)
		}
		h.ExtAttrs = append(h.ExtAttrs, bar.ExtendedAttribute{Name: name, Value: val})
	}

	switch kind {
	case bar.KindLink:
		if h.Info.LinkTarget, err = getString16(r); err != nil {
			return h, corrupt(err)
		}
	case bar.KindSpecial:
		b, err := getByte(r)
		if err != nil {
			return h, corrupt(err)
		}
		h.Info.Special = bar.SpecialKind(b)
		if h.Info.Major, err = getU32(r); err != nil {
			return h, corrupt(err)
		}
		if h.Info.Minor, err = getU32(r); err != nil {
			return h, corrupt(err)
		}
	case bar.KindHardlink:
		if h.Info.HardlinkPeer, err = getU32(r); err != nil {
			return h, corrupt(err)
		}
	}
	return h, nil
}

func corrupt(err error) error {
	return bar.Wrap(bar.CorruptData, "decoding entry-start body", err)
}
