package archive

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha512"
	"io"
	"sync"

	"github.com/baresque/bar"
	"github.com/baresque/bar/chunk"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
	"github.com/baresque/bar/pipeline"
)

// PasswordCallback resolves a password for purpose (e.g. "archive
// decryption"); retry is true if a previously returned password was
// already rejected. It is invoked at most once per (purpose,
// archive) (§6).
type PasswordCallback func(purpose string, retry bool) (password string, ok bool)

// ReadOptions configures an opened archive.
type ReadOptions struct {
	// CryptAlgorithm is the archive-wide cipher the archive was
	// created with (WriteOptions.CryptAlgorithm); it is needed to
	// decrypt the SALT chunk's verifier before any entry has been
	// read to reveal it some other way, so the caller must already
	// know it (e.g. from a --crypt-algorithm flag, or by trying list
	// before restore).
	CryptAlgorithm   crypt.Algorithm
	PasswordCallback PasswordCallback
	PrivateKey       *rsa.PrivateKey   // unwraps a public-key-mode KEY envelope
	PublicKey        ed25519.PublicKey // verifies SIGN chunks; nil means "no key"

	SkipUnknownChunks     bool // §4.A SKIP_UNKNOWN
	ForceVerifySignatures bool // §4.B forceVerify
	SkipVerifySignatures  bool

	DeltaSources compress.SourceProvider
	Cancel       *bar.CancelFlag
}

// known is the set of chunk ids Reader recognizes at top level; used
// to drive chunk.Reader's UNKNOWN_CHUNK/SKIP_UNKNOWN behavior.
var known = map[chunk.ID]bool{
	idBAR0: true, idSALT: true, idKEY: true, idMETA: true,
	idFILE: true, idIMGE: true, idDIR0: true, idLINK: true,
	idHLNK: true, idSPEC: true, idSIGN: true,
}

// Reader is an archive handle in one of the read-side states of
// §4.E's state machine: reading, reading-entry, closed, or failed.
type Reader struct {
	mu      sync.Mutex
	volumes VolumeProvider
	volNum  int
	raw     ReadVolume
	chunkR  *chunk.Reader

	opts        ReadOptions
	archiveSalt []byte
	cryptKey    []byte
	sequence    uint64

	signStates []crypt.SignatureState
	signOffset int64 // byte offset in the current volume since the last SIGN chunk

	pending *pendingEntry
	closed  bool
	failed  error
}

// pendingEntry is the state nextEntry leaves for the following
// ReadEntry call: exactly one ReadEntry may follow one nextEntry
// (§4.E).
type pendingEntry struct {
	kind   bar.EntryKind
	rec    chunk.Record
	volNum int
}

// Cursor is the informational return value of NextEntry: enough for
// a caller to decide whether to read the entry now or hand it to a
// worker for out-of-order processing (§4.G's descriptor shape).
type Cursor struct {
	Kind       bar.EntryKind
	VolumeNum  int
	Offset     int64 // byte offset of the entry-start chunk's header within its volume
	CryptInfo  CryptInfo
}

// CryptInfo snapshots the crypt context in effect at the point
// nextEntry observed an entry-start: the per-entry IV and algorithm
// both travel in the entry-start body itself, so only the session key
// and archive salt need to survive a seek+reopen (§4.G).
type CryptInfo struct {
	Key         []byte
	ArchiveSalt []byte
}

// OpenArchive opens volume 1, validates the header, and derives or
// unwraps the session key, the [new]→[reading] transition of §4.E's
// state machine. It fails eagerly with WRONG_PASSWORD when a
// password is supplied but does not match the stored verifier,
// before any entry is visible to the caller (testable-property
// scenario 3).
func OpenArchive(volumes VolumeProvider, opts ReadOptions) (*Reader, error) {
	if opts.Cancel == nil {
		opts.Cancel = &bar.CancelFlag{}
	}
	r := &Reader{volumes: volumes, opts: opts}
	if err := r.openVolume(1); err != nil {
		return nil, err
	}

	rec, ok, err := r.chunkR.Next()
	if err != nil {
		return nil, err
	}
	if !ok || rec.ID != idBAR0 {
		return nil, bar.Errorf(bar.CorruptData, "archive does not begin with a BAR0 header")
	}
	body, err := io.ReadAll(r.chunkR.Body(rec))
	if err != nil {
		return nil, bar.Wrap(bar.IO, "reading BAR0 body", err)
	}
	if len(body) < 4 {
		return nil, bar.Errorf(bar.CorruptData, "truncated BAR0 body")
	}
	version := be16(body[0:2])
	flags := be16(body[2:4])
	if version > archiveVersion {
		return nil, bar.Errorf(bar.UnsupportedVersion, "archive version %d is newer than %d", version, archiveVersion)
	}

	if flags&flagHasSalt != 0 {
		rec, ok, err := r.chunkR.Next()
		if err != nil {
			return nil, err
		}
		if !ok || rec.ID != idSALT {
			return nil, bar.Errorf(bar.CorruptData, "BAR0 declares a salt but no SALT chunk follows")
		}
		saltBody, err := io.ReadAll(r.chunkR.Body(rec))
		if err != nil {
			return nil, bar.Wrap(bar.IO, "reading SALT body", err)
		}
		if len(saltBody) < crypt.SaltSize {
			return nil, bar.Errorf(bar.CorruptData, "truncated SALT body")
		}
		r.archiveSalt = saltBody[:crypt.SaltSize]
		verifier := saltBody[crypt.SaltSize:]

		password, haveKey, err := r.resolvePassword()
		if err != nil {
			return nil, err
		}
		if haveKey {
			for attempt := 0; ; attempt++ {
				key := crypt.DeriveKey(opts.CryptAlgorithm, password, r.archiveSalt)
				if verr := decryptVerifier(opts.CryptAlgorithm, key, verifier); verr == nil {
					r.cryptKey = key
					break
				}
				if r.opts.PasswordCallback == nil {
					return nil, bar.Errorf(bar.WrongPassword, "password does not match archive salt")
				}
				next, ok := r.opts.PasswordCallback("archive decryption", true)
				if !ok {
					return nil, bar.Errorf(bar.WrongPassword, "password does not match archive salt")
				}
				password = next
			}
		}
	}
	if flags&flagHasPublicKeyEnvelope != 0 {
		rec, ok, err := r.chunkR.Next()
		if err != nil {
			return nil, err
		}
		if !ok || rec.ID != idKEY {
			return nil, bar.Errorf(bar.CorruptData, "BAR0 declares a key envelope but no KEY chunk follows")
		}
		keyBody, err := io.ReadAll(r.chunkR.Body(rec))
		if err != nil {
			return nil, bar.Wrap(bar.IO, "reading KEY body", err)
		}
		wrapped, err := getBytes32(bytes.NewReader(keyBody))
		if err != nil {
			return nil, bar.Wrap(bar.CorruptData, "decoding KEY body", err)
		}
		if r.opts.PrivateKey == nil {
			return nil, bar.Errorf(bar.WrongPassword, "archive uses a public-key envelope but no private key was supplied")
		}
		key, err := crypt.UnwrapSessionKey(r.opts.PrivateKey, wrapped)
		if err != nil {
			return nil, err
		}
		r.cryptKey = key
	}
	return r, nil
}

func (r *Reader) resolvePassword() (string, bool, error) {
	if r.opts.PasswordCallback == nil {
		return "", false, bar.Errorf(bar.WrongPassword, "archive is password-protected but no password callback was supplied")
	}
	password, ok := r.opts.PasswordCallback("archive decryption", false)
	if !ok {
		return "", false, bar.Errorf(bar.WrongPassword, "password entry was cancelled")
	}
	return password, true, nil
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func (r *Reader) openVolume(n int) error {
	raw, err := r.volumes.OpenVolume(n)
	if err != nil {
		return err
	}
	cr, err := chunk.OpenRead(raw)
	if err != nil {
		raw.Close()
		return err
	}
	cr.SkipUnknown = r.opts.SkipUnknownChunks
	cr.Known = known
	if r.raw != nil {
		r.raw.Close()
	}
	r.volNum = n
	r.raw = raw
	r.chunkR = cr
	r.signOffset = 0
	return nil
}

// NextEntry advances to the next entry-start chunk, rolling over to
// the next volume when the current one is exhausted, and returns a
// Cursor describing it without reading its payload (§4.E nextEntry,
// §4.G "the iterator advances past each entry-start without reading
// its payload"). ok is false at genuine end of archive.
func (r *Reader) NextEntry() (Cursor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.opts.Cancel.Check(); err != nil {
		return Cursor{}, false, err
	}
	if r.failed != nil {
		return Cursor{}, false, r.failed
	}
	if r.pending != nil {
		return Cursor{}, false, bar.Errorf(bar.Internal, "NextEntry called again before consuming the pending entry via ReadEntry")
	}

	for {
		rec, ok, err := r.chunkR.Next()
		if err != nil {
			r.failed = err
			return Cursor{}, false, err
		}
		if !ok {
			if err := r.openVolume(r.volNum + 1); err != nil {
				if bar.KindOf(err) == bar.EndOfArchive {
					return Cursor{}, false, nil // genuine end of archive
				}
				return Cursor{}, false, err
			}
			continue
		}
		switch rec.ID {
		case idSIGN:
			if err := r.handleSignature(rec); err != nil {
				r.failed = err
				return Cursor{}, false, err
			}
			continue
		case idMETA:
			continue
		case idBAR0, idSALT, idKEY:
			continue // only ever appear before the first entry
		}
		kind, ok := kindForID(rec.ID)
		if !ok {
			continue // caller asked SkipUnknown; chunk.Reader already enforced UNKNOWN_CHUNK otherwise
		}
		r.pending = &pendingEntry{kind: kind, rec: rec, volNum: r.volNum}
		return Cursor{
			Kind:      kind,
			VolumeNum: r.volNum,
			Offset:    rec.BodyOffset - headerSizeConst,
			CryptInfo: CryptInfo{ArchiveSalt: r.archiveSalt, Key: r.cryptKey},
		}, true, nil
	}
}

const headerSizeConst = 12

func (r *Reader) handleSignature(rec chunk.Record) error {
	body, err := io.ReadAll(r.chunkR.Body(rec))
	if err != nil {
		return bar.Wrap(bar.IO, "reading SIGN body", err)
	}
	if len(body) < 2 {
		return bar.Errorf(bar.CorruptData, "truncated SIGN body")
	}
	sig := body[2:]

	signedStart := r.signOffset
	signedEnd := rec.BodyOffset - headerSizeConst
	h := sha512.New()
	if signedEnd > signedStart {
		if _, err := io.Copy(h, io.NewSectionReader(r.raw, signedStart, signedEnd-signedStart)); err != nil {
			return bar.Wrap(bar.IO, "hashing signed range", err)
		}
	}
	r.signOffset = rec.BodyOffset + int64(rec.Length)

	state := crypt.VerifyDigest(r.opts.PublicKey, h.Sum(nil), sig)
	if r.opts.SkipVerifySignatures {
		state = crypt.StateSkipped
	}
	r.signStates = append(r.signStates, state)
	if r.opts.ForceVerifySignatures && state == crypt.StateInvalid {
		return bar.Errorf(bar.InvalidSignature, "SIGN chunk at offset %d failed verification", rec.BodyOffset)
	}
	return nil
}

// VerifySignatures reports the aggregate signature state across every
// SIGN chunk observed so far by NextEntry (§4.B, §4.E
// verifySignatures). Call it after iterating the whole archive for a
// final answer, or at any point for a partial one.
func (r *Reader) VerifySignatures() crypt.SignatureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return crypt.Aggregate(r.signStates, r.opts.ForceVerifySignatures)
}

// ReadEntry decodes the entry-start chunk NextEntry most recently
// returned and, for payload-bearing kinds, opens its payload reader
// (§4.E readXxxEntry). Exactly one ReadEntry call may follow each
// NextEntry call.
func (r *Reader) ReadEntry() (bar.Entry, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return bar.Entry{}, nil, bar.Errorf(bar.Internal, "ReadEntry called with no pending entry from NextEntry")
	}
	p := r.pending
	r.pending = nil
	if p.volNum != r.volNum {
		return bar.Entry{}, nil, bar.Errorf(bar.Internal, "ReadEntry called after the reader advanced past its pending entry's volume")
	}

	// The fixed prefix (name, fileInfo, kind-specific tail) is decoded
	// by reading sequentially off a section reader positioned at the
	// entry-start body's first byte; it is never more than a few
	// hundred bytes. What follows — HNAM/DATA sub-chunks, the DATA one
	// potentially gigabytes — is scanned chunk-framed directly against
	// r.raw via chunk.OpenSection, so the payload is never buffered in
	// memory just to find it.
	bodyStart := p.rec.BodyOffset
	bodyR := io.NewSectionReader(r.raw, bodyStart, int64(p.rec.Length))
	hdr, err := decodeEntryStartPrefix(bodyR, p.kind)
	if err != nil {
		return bar.Entry{}, nil, err
	}
	prefixLen, err := bodyR.Seek(0, io.SeekCurrent)
	if err != nil {
		return bar.Entry{}, nil, bar.Wrap(bar.IO, "seeking past entry-start prefix", err)
	}

	entry := bar.Entry{
		Kind:               p.kind,
		Name:               hdr.Name,
		Info:               hdr.Info,
		ExtendedAttributes: hdr.ExtAttrs,
		FragmentOffset:     hdr.FragmentOffset,
		FragmentSize:       hdr.FragmentSize,
	}

	restReader := chunk.OpenSection(r.raw, bodyStart+prefixLen, int64(p.rec.Length)-prefixLen)

	var dataRec chunk.Record
	var haveData bool
	for {
		rec, ok, err := restReader.Next()
		if err != nil {
			return bar.Entry{}, nil, err
		}
		if !ok {
			break
		}
		switch rec.ID {
		case idHNAM:
			nameBytes, err := io.ReadAll(restReader.Body(rec))
			if err != nil {
				return bar.Entry{}, nil, bar.Wrap(bar.IO, "reading hardlink name", err)
			}
			entry.HardlinkNames = append(entry.HardlinkNames, string(nameBytes))
		case idDATA:
			dataRec = rec
			haveData = true
		}
	}

	if !hasPayload(p.kind) || !haveData {
		return entry, eofReader{}, nil
	}

	var deltaSource compress.Source
	if hdr.HasDelta && r.opts.DeltaSources != nil {
		if s, err := r.opts.DeltaSources.Open(hdr.Name); err == nil {
			deltaSource = s
		}
	}
	payload, err := pipeline.OpenPayload(restReader.Body(dataRec), pipeline.ReadSpec{
		DeltaSource:    deltaSource,
		ByteAlgorithm:  hdr.ByteAlgorithm,
		CryptAlgorithm: hdr.CryptAlgorithm,
		CryptKey:       r.cryptKey,
		CryptIV:        hdr.CryptSalt[:],
		PlaintextSize:  int64(hdr.FragmentSize),
		HasDelta:       hdr.HasDelta,
	})
	if err != nil {
		return bar.Entry{}, nil, err
	}
	return entry, payload, nil
}

type eofReader struct{}

func (eofReader) Read(p []byte) (int, error) { return 0, io.EOF }
func (eofReader) Close() error                { return nil }

// CloseArchive releases the current volume. Safe to call more than
// once.
func (r *Reader) CloseArchive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.raw.Close()
}

// Seek opens an independent read view of volume volNum positioned at
// offset, for the worker pool's "open its own read view by seek+
// reopen" pattern (§4.G). The returned Reader shares no mutable state
// with r; ci is the crypt context captured by the Cursor the worker
// was handed.
func (r *Reader) Seek(volNum int, offset int64, ci CryptInfo) (*Reader, error) {
	raw, err := r.volumes.OpenVolume(volNum)
	if err != nil {
		return nil, err
	}
	cr, err := chunk.OpenRead(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	cr.SkipUnknown = r.opts.SkipUnknownChunks
	cr.Known = known

	rec, ok, err := cr.Next()
	for ok && err == nil && rec.BodyOffset-headerSizeConst != offset {
		rec, ok, err = cr.Next()
	}
	if err != nil {
		raw.Close()
		return nil, err
	}
	if !ok {
		raw.Close()
		return nil, bar.Errorf(bar.CorruptData, "no chunk at offset %d in volume %d", offset, volNum)
	}
	kind, isEntry := kindForID(rec.ID)
	if !isEntry {
		raw.Close()
		return nil, bar.Errorf(bar.WrongEntryType, "chunk at offset %d is not an entry-start", offset)
	}
	view := &Reader{
		volumes:     r.volumes,
		volNum:      volNum,
		raw:         raw,
		chunkR:      cr,
		opts:        r.opts,
		archiveSalt: ci.ArchiveSalt,
		cryptKey:    ci.Key,
		pending:     &pendingEntry{kind: kind, rec: rec, volNum: volNum},
	}
	return view, nil
}
