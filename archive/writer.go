package archive

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/baresque/bar"
	"github.com/baresque/bar/chunk"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

// verifyMagic is encrypted under the derived session key and stored
// alongside the salt so openArchive can report WRONG_PASSWORD before
// any entry is read (scenario 3 of the testable properties), rather
// than only discovering a bad key once an entry fails to decrypt. The
// spec names SALT as holding only the 64-byte salt; this is an
// additive wire extension appended to the same chunk body rather
// than a new chunk kind (see DESIGN.md).
var verifyMagic = [16]byte{'b', 'a', 'r', '-', 'p', 'a', 's', 's', 'w', 'o', 'r', 'd', '-', 'o', 'k', 0}

// WriteOptions configures a newly created archive.
type WriteOptions struct {
	ByteAlgorithm  compress.ByteAlgorithm
	ByteLevel      int
	CryptAlgorithm crypt.Algorithm
	Password       string         // password-based key derivation; mutually exclusive with PublicKey
	PublicKey      *rsa.PublicKey // public-key envelope mode

	// PartSize splits the archive across volumes once a volume's
	// written byte count would reach it; 0 means unlimited (single
	// volume). Split boundaries land on pipeline block-pump
	// boundaries, not on arbitrary byte offsets (see DESIGN.md).
	PartSize int64

	// DeltaSources resolves a prior version of an entry's payload by
	// name (§4.C); nil disables delta encoding entirely. A lookup
	// miss is fatal unless AllowDegradeDelta is set, in which case
	// WriteEntry falls back to encoding the entry without delta.
	DeltaSources     compress.SourceProvider
	AllowDegradeDelta bool

	// TmpDir is where a delta-encoded payload is staged on disk before
	// being read back for compression and encryption (§5), so an
	// entry's delta never has to fit in memory. "" uses the OS default
	// scratch directory.
	TmpDir string

	Signer *crypt.Signer // nil: archive is not signed

	Cancel *bar.CancelFlag // nil: a private, never-aborted flag is used
}

// Writer is an archive handle in one of the create-side states of
// §4.E's state machine: writing, writing-entry, closed, or failed.
type Writer struct {
	mu      sync.Mutex
	volumes VolumeProvider
	volNum  int
	raw     WriteVolume
	cw      *countingWriter
	chunkW  *chunk.Writer

	opts        WriteOptions
	archiveSalt []byte
	cryptKey    []byte
	sequence    uint64

	failed error
	closed bool
}

// countingWriter tracks bytes written to the active volume (for
// PartSize) and, when signing is enabled, feeds every byte through a
// running SHA-512 so appendSignature never needs to re-read storage:
// it just takes the hash's running Sum and resets it.
type countingWriter struct {
	w       io.Writer
	n       int64
	sigHash hash.Hash
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.sigHash != nil && n > 0 {
		c.sigHash.Write(p[:n])
	}
	return n, err
}

// CreateArchive opens the first volume and writes the archive header
// (BAR0) plus salt/key material, the [new]→[writing] transition of
// §4.E's state machine.
func CreateArchive(volumes VolumeProvider, opts WriteOptions) (*Writer, error) {
	if opts.Cancel == nil {
		opts.Cancel = &bar.CancelFlag{}
	}
	w := &Writer{volumes: volumes, opts: opts}
	if err := w.openVolume(1); err != nil {
		return nil, err
	}

	var flags uint16
	var keyChunkBody []byte
	switch {
	case opts.CryptAlgorithm != crypt.None && opts.Password != "":
		salt, err := crypt.NewSalt()
		if err != nil {
			return nil, err
		}
		w.archiveSalt = salt
		w.cryptKey = crypt.DeriveKey(opts.CryptAlgorithm, opts.Password, salt)
		flags |= flagHasSalt
	case opts.CryptAlgorithm != crypt.None && opts.PublicKey != nil:
		key, err := crypt.NewSessionKey(opts.CryptAlgorithm)
		if err != nil {
			return nil, err
		}
		w.cryptKey = key
		wrapped, err := crypt.WrapSessionKey(opts.PublicKey, key)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		putBytes32(&buf, wrapped)
		keyChunkBody = buf.Bytes()
		flags |= flagHasPublicKeyEnvelope
	}

	if err := w.writeSimpleChunk(idBAR0, bar0Body(flags)); err != nil {
		return nil, err
	}
	if flags&flagHasSalt != 0 {
		verifier, err := encryptVerifier(opts.CryptAlgorithm, w.cryptKey)
		if err != nil {
			return nil, err
		}
		body := append(append([]byte(nil), w.archiveSalt...), verifier...)
		if err := w.writeSimpleChunk(idSALT, body); err != nil {
			return nil, err
		}
	}
	if flags&flagHasPublicKeyEnvelope != 0 {
		if err := w.writeSimpleChunk(idKEY, keyChunkBody); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func bar0Body(flags uint16) []byte {
	var buf bytes.Buffer
	putU16(&buf, archiveVersion)
	putU16(&buf, flags)
	return buf.Bytes()
}

// encryptVerifier encrypts the fixed magic string under key using a
// zero IV. The IV is never reused for real payload data — verifier
// encryption and entry encryption draw from disjoint IV spaces
// (entries always use a per-entry IV derived from a nonzero sequence
// number or a fresh random CBC IV).
func encryptVerifier(a crypt.Algorithm, key []byte) ([]byte, error) {
	iv := make([]byte, 32)
	var out bytes.Buffer
	e, err := crypt.NewEncryptor(&out, a, key, iv)
	if err != nil {
		return nil, err
	}
	if _, err := e.Write(verifyMagic[:]); err != nil {
		return nil, err
	}
	if err := e.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// decryptVerifier is encryptVerifier's inverse, used by openArchive
// to fail fast with WRONG_PASSWORD.
func decryptVerifier(a crypt.Algorithm, key, ciphertext []byte) error {
	iv := make([]byte, 32)
	if a.IsBlockChained() {
		d, err := crypt.NewDecryptor(nil, a, key, iv)
		if err != nil {
			return err
		}
		pt, err := d.DecryptBlocks(ciphertext)
		if err != nil || !bytes.Equal(pt, verifyMagic[:]) {
			return bar.Errorf(bar.WrongPassword, "password does not match archive salt")
		}
		return nil
	}
	d, err := crypt.NewDecryptor(bytes.NewReader(ciphertext), a, key, iv)
	if err != nil {
		return err
	}
	got := make([]byte, len(ciphertext))
	n, _ := io.ReadFull(d, got)
	if n < len(verifyMagic) || !bytes.Equal(got[:len(verifyMagic)], verifyMagic[:]) {
		return bar.Errorf(bar.WrongPassword, "password does not match archive salt")
	}
	return nil
}

func (w *Writer) openVolume(n int) error {
	raw, err := w.volumes.CreateVolume(n)
	if err != nil {
		return err
	}
	w.volNum = n
	w.raw = raw
	w.cw = &countingWriter{w: raw}
	if w.opts.Signer != nil {
		w.cw.sigHash = sha512.New()
	}
	w.chunkW = chunk.OpenWrite(w.cw)
	return nil
}

func (w *Writer) writeSimpleChunk(id chunk.ID, body []byte) error {
	s := w.chunkW.BeginChunk(id)
	if err := w.chunkW.WriteBytes(s, body); err != nil {
		return err
	}
	return w.chunkW.EndChunk(s)
}

// idForKind maps an EntryKind to its entry-start chunk identifier
// (§6).
func idForKind(k bar.EntryKind) chunk.ID {
	switch k {
	case bar.KindFile:
		return idFILE
	case bar.KindImage:
		return idIMGE
	case bar.KindDirectory:
		return idDIR0
	case bar.KindLink:
		return idLINK
	case bar.KindHardlink:
		return idHLNK
	case bar.KindSpecial:
		return idSPEC
	default:
		return chunk.ID{}
	}
}

func kindForID(id chunk.ID) (bar.EntryKind, bool) {
	switch id {
	case idFILE:
		return bar.KindFile, true
	case idIMGE:
		return bar.KindImage, true
	case idDIR0:
		return bar.KindDirectory, true
	case idLINK:
		return bar.KindLink, true
	case idHLNK:
		return bar.KindHardlink, true
	case idSPEC:
		return bar.KindSpecial, true
	default:
		return 0, false
	}
}

func hasPayload(k bar.EntryKind) bool {
	return k == bar.KindFile || k == bar.KindImage || k == bar.KindHardlink
}

// WriteEntry appends one logical entry to the archive (§4.E's
// writeXxxEntry operations, merged into one call dispatching on
// e.Kind: the wire shape differs only in the entry-start chunk id and
// whether a payload follows). src is ignored for kinds without a
// payload. For payload-bearing kinds whose content would cross
// opts.PartSize, WriteEntry transparently splits the entry across as
// many volumes as needed (§4.D step 6) and returns only once the
// whole entry has been written or a fatal error occurs.
func (w *Writer) WriteEntry(e bar.Entry, src io.Reader) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.opts.Cancel.Check(); err != nil {
		return err
	}
	if w.failed != nil {
		return w.failed
	}

	id := idForKind(e.Kind)
	if id == (chunk.ID{}) {
		return bar.Errorf(bar.Internal, "unknown entry kind %v", e.Kind)
	}

	var iv [32]byte
	if w.opts.CryptAlgorithm != crypt.None {
		ivBytes, err := w.entryIV()
		if err != nil {
			w.failed = err
			return err
		}
		copy(iv[:], ivBytes)
	}

	header := entryStartHeader{
		ByteAlgorithm:  w.opts.ByteAlgorithm,
		CryptAlgorithm: w.opts.CryptAlgorithm,
		CryptSalt:      iv,
		FragmentOffset: 0,
		Name:           e.Name,
		Info:           e.Info,
		ExtAttrs:       e.ExtendedAttributes,
	}

	var err error
	if hasPayload(e.Kind) {
		err = w.writePayloadEntry(id, e, header, src)
	} else {
		err = w.writeBodylessEntry(id, e, header)
	}
	if err != nil {
		w.failed = err
	}
	return err
}

// entryIV picks the per-entry IV: CTR algorithms derive it
// deterministically from the archive salt and an incrementing
// sequence number (§4.B); CBC algorithms draw a fresh random IV per
// entry instead, since CBC has no notion of a counter to advance.
func (w *Writer) entryIV() ([]byte, error) {
	if w.opts.CryptAlgorithm.IsBlockChained() {
		return crypt.RandomIV(w.opts.CryptAlgorithm)
	}
	w.sequence++
	return crypt.EntryIV(32, w.archiveSalt, w.sequence), nil
}

// writeBodylessEntry handles every entry kind hasPayload reports false
// for (directories, symlinks, special files): no DATA chunk, so no
// hardlink names either — HLNK is always routed through
// writePayloadEntry instead, since a hardlink's peer content is itself
// a payload-bearing entry and its HNAM group rides along with it.
func (w *Writer) writeBodylessEntry(id chunk.ID, e bar.Entry, header entryStartHeader) error {
	header.FragmentSize = 0
	prefix := encodeEntryStartPrefix(header)
	s := w.chunkW.BeginChunk(id)
	if err := w.chunkW.WriteBytes(s, prefix); err != nil {
		return err
	}
	return w.chunkW.EndChunk(s)
}

func (w *Writer) writeHardlinkNames(names []string) error {
	for _, n := range names {
		s := w.chunkW.BeginChunk(idHNAM)
		if err := w.chunkW.WriteBytes(s, []byte(n)); err != nil {
			return err
		}
		if err := w.chunkW.EndChunk(s); err != nil {
			return err
		}
	}
	return nil
}

const pumpBlockSize = 1 << 20 // 1 MiB, matches pipeline.BlockSize

// volumeSink adapts chunk.Writer's slot API to an io.Writer the
// crypt/compress stages write into, redirectable to a new (writer,
// slot) pair when writePayloadEntry rolls to the next volume
// mid-entry — the same adapter shape as pipeline.chunkSinkWriter,
// made mutable because only the archive container (not the pipeline
// package) knows about volume boundaries.
type volumeSink struct {
	w         *Writer
	slot      *chunk.Slot
	fragBytes int64
}

func (s *volumeSink) Write(p []byte) (int, error) {
	if err := s.w.chunkW.WriteBytes(s.slot, p); err != nil {
		return 0, err
	}
	s.fragBytes += int64(len(p))
	return len(p), nil
}

// deltaTempFile opens an exclusively-created scratch file under dir
// (the OS default scratch directory when dir is "") to hold one
// entry's delta-encoded payload before compress/crypt read it back,
// so a large delta never has to fit in memory (§5).
func deltaTempFile(dir string) (*os.File, error) {
	f, err := ioutil.TempFile(dir, "bar-delta")
	if err != nil {
		return nil, bar.Wrap(bar.IO, "creating delta temp file", err)
	}
	return f, nil
}

// writePayloadEntry streams e's payload through delta→byte→crypt and
// into one or more entry-start+DATA chunk pairs, splitting across
// volumes as governed by PartSize (§4.D steps 1-6). The crypt and
// compress stages are constructed once per fragment rather than once
// per entry, matching §4.B/§4.C's choice to reset per-entry state (a
// fresh IV, a fresh compressor) at each entry-start chunk — here
// that boundary is also the split boundary.
func (w *Writer) writePayloadEntry(id chunk.ID, e bar.Entry, header entryStartHeader, src io.Reader) error {
	source := src
	if w.opts.DeltaSources != nil {
		ds, derr := w.opts.DeltaSources.Open(e.Name)
		switch {
		case derr == nil:
			tf, err := deltaTempFile(w.opts.TmpDir)
			if err != nil {
				return err
			}
			defer os.Remove(tf.Name())
			defer tf.Close()
			if _, _, err := compress.EncodeDelta(tf, src, ds); err != nil {
				return err
			}
			if _, err := tf.Seek(0, io.SeekStart); err != nil {
				return bar.Wrap(bar.IO, "seeking delta temp file", err)
			}
			source = tf
			header.HasDelta = true
		case w.opts.AllowDegradeDelta:
			// fall through with source == src, HasDelta left false
		default:
			return bar.Errorf(bar.DeltaSourceNotFound, "delta source for %q: %v", e.Name, derr)
		}
	}

	entrySlot := w.chunkW.BeginChunk(id)
	prefix := encodeEntryStartPrefix(header)
	if err := w.chunkW.WriteBytes(entrySlot, prefix); err != nil {
		return err
	}
	if e.Kind == bar.KindHardlink {
		if err := w.writeHardlinkNames(e.HardlinkNames); err != nil {
			return err
		}
	}

	dataSlot := w.chunkW.BeginChunk(idDATA)
	sink := &volumeSink{w: w, slot: dataSlot}

	enc, err := crypt.NewEncryptor(sink, w.opts.CryptAlgorithm, w.cryptKey, header.CryptSalt[:])
	if err != nil {
		return err
	}
	byteW, err := compress.NewWriter(enc, w.opts.ByteAlgorithm, w.opts.ByteLevel)
	if err != nil {
		return err
	}

	var fragPlain int64 // payload bytes pumped into the current fragment
	closeFragment := func() error {
		var sz [8]byte
		binary.BigEndian.PutUint64(sz[:], uint64(fragPlain))
		if err := w.chunkW.PatchBytes(entrySlot, fragmentSizeFieldOffset, sz[:]); err != nil {
			return err
		}
		if err := w.chunkW.EndChunk(sink.slot); err != nil {
			return err
		}
		return w.chunkW.EndChunk(entrySlot)
	}

	split := func() error {
		if err := byteW.Close(); err != nil {
			return bar.Wrap(bar.DeflateFail, "flushing compressor before split", err)
		}
		if err := enc.Close(); err != nil {
			return bar.Wrap(bar.Internal, "flushing encryptor before split", err)
		}
		if err := closeFragment(); err != nil {
			return err
		}
		// A volume never outlives the countingWriter that hashes it
		// (openVolume below starts a fresh hash for the next one), so
		// any signed range must close out here: each volume is itself
		// a valid archive prefix (§4.A), and a signature can only ever
		// cover bytes that physically live in one volume.
		if w.opts.Signer != nil {
			if err := w.appendSignature(); err != nil {
				return err
			}
		}
		if err := w.openVolume(w.volNum + 1); err != nil {
			return err
		}

		header.FragmentOffset += uint64(fragPlain)
		header.FragmentSize = 0
		ivBytes, err := w.entryIV()
		if err != nil {
			return err
		}
		copy(header.CryptSalt[:], ivBytes)
		prefix := encodeEntryStartPrefix(header)
		entrySlot = w.chunkW.BeginChunk(id)
		if err := w.chunkW.WriteBytes(entrySlot, prefix); err != nil {
			return err
		}
		dataSlot := w.chunkW.BeginChunk(idDATA)
		sink.slot = dataSlot
		sink.fragBytes = 0
		fragPlain = 0

		enc, err = crypt.NewEncryptor(sink, w.opts.CryptAlgorithm, w.cryptKey, header.CryptSalt[:])
		if err != nil {
			return err
		}
		byteW, err = compress.NewWriter(enc, w.opts.ByteAlgorithm, w.opts.ByteLevel)
		return err
	}

	buf := make([]byte, pumpBlockSize)
	for {
		if err := w.opts.Cancel.Check(); err != nil {
			return err
		}
		n, rerr := source.Read(buf)
		if n > 0 {
			if _, werr := byteW.Write(buf[:n]); werr != nil {
				return bar.Wrap(bar.DeflateFail, "compressing entry payload", werr)
			}
			fragPlain += int64(n)
			// cw.n counts only bytes already flushed to the volume; the
			// open entry chunk is still buffered in chunkW.
			if w.opts.PartSize > 0 && w.cw.n+sink.fragBytes >= w.opts.PartSize && rerr != io.EOF {
				if err := split(); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return bar.Wrap(bar.IO, "reading entry source", rerr)
		}
	}

	if err := byteW.Close(); err != nil {
		return bar.Wrap(bar.DeflateFail, "flushing compressor", err)
	}
	if err := enc.Close(); err != nil {
		return bar.Wrap(bar.Internal, "flushing encryptor", err)
	}
	return closeFragment()
}

// CloseArchive finalizes the handle: if appendSignature is true and a
// Signer was configured, it appends a terminal SIGN chunk covering
// the byte range since the previous signature (or archive start).
// Either way it then closes the active volume (§4.E close semantics).
func (w *Writer) CloseArchive(appendSignature bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if appendSignature && w.opts.Signer != nil {
		if err := w.appendSignature(); err != nil {
			return err
		}
	}
	w.closed = true
	return w.raw.Close()
}

func (w *Writer) appendSignature() error {
	sum := w.cw.sigHash.Sum(nil)
	sig := w.opts.Signer.SignDigest(sum)
	var buf bytes.Buffer
	putU16(&buf, uint16(signAlgorithmEd25519))
	buf.Write(sig)
	if err := w.writeSimpleChunk(idSIGN, buf.Bytes()); err != nil {
		return err
	}
	w.cw.sigHash.Reset()
	return nil
}

// signAlgorithmEd25519 is SIGN's only currently supported algorithm
// id (§4.B only names ed25519 signatures).
const signAlgorithmEd25519 = 1
