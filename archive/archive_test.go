package archive

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/baresque/bar"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

// memVolumes is an in-memory VolumeProvider for tests: volume n's
// bytes live in a map slot instead of a file, exercising the same
// CreateVolume/OpenVolume contract DirVolumes satisfies against disk.
type memVolumes struct {
	mu   sync.Mutex
	data map[int][]byte
}

func newMemVolumes() *memVolumes { return &memVolumes{data: map[int][]byte{}} }

func (m *memVolumes) CreateVolume(n int) (WriteVolume, error) {
	return &memWriteVolume{m: m, n: n}, nil
}

func (m *memVolumes) OpenVolume(n int) (ReadVolume, error) {
	m.mu.Lock()
	b, ok := m.data[n]
	m.mu.Unlock()
	if !ok {
		return nil, bar.Wrap(bar.EndOfArchive, "opening archive volume", io.EOF)
	}
	return &memReadVolume{b: b}, nil
}

type memWriteVolume struct {
	m   *memVolumes
	n   int
	buf bytes.Buffer
}

func (v *memWriteVolume) Write(p []byte) (int, error) { return v.buf.Write(p) }

func (v *memWriteVolume) Close() error {
	v.m.mu.Lock()
	v.m.data[v.n] = append([]byte(nil), v.buf.Bytes()...)
	v.m.mu.Unlock()
	return nil
}

type memReadVolume struct{ b []byte }

func (v *memReadVolume) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(v.b)) {
		return 0, io.EOF
	}
	n := copy(p, v.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (v *memReadVolume) Close() error         { return nil }
func (v *memReadVolume) Size() (int64, error) { return int64(len(v.b)), nil }

// byteSource is a minimal compress.Source for delta tests.
type byteSource []byte

func (b byteSource) Size() int64 { return int64(len(b)) }
func (b byteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type mapSources map[string][]byte

func (m mapSources) Open(name string) (compress.Source, error) {
	b, ok := m[name]
	if !ok {
		return nil, bar.Errorf(bar.DeltaSourceNotFound, "no delta source for %q", name)
	}
	return byteSource(b), nil
}

func fileEntry(name string, size uint64) bar.Entry {
	return bar.Entry{
		Kind: bar.KindFile,
		Name: name,
		Info: bar.FileInfo{
			Size:  size,
			MTime: time.Unix(1700000000, 0),
			Mode:  0o644,
		},
	}
}

func TestRoundTripSimpleFile(t *testing.T) {
	vols := newMemVolumes()
	payload := []byte("hello, archive\n")

	w, err := CreateArchive(vols, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("hello.txt", uint64(len(payload))), bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	cur, ok, err := r.NextEntry()
	if err != nil || !ok {
		t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
	}
	if cur.Kind != bar.KindFile || cur.VolumeNum != 1 {
		t.Fatalf("unexpected cursor %+v", cur)
	}
	entry, body, err := r.ReadEntry()
	if err != nil {
		t.Fatal(err)
	}
	if entry.Name != "hello.txt" {
		t.Fatalf("got name %q", entry.Name)
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	_, ok, err = r.NextEntry()
	if err != nil || ok {
		t.Fatalf("expected end of archive, got ok=%v err=%v", ok, err)
	}
	if err := r.CloseArchive(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTripDirectoryLinkSpecial(t *testing.T) {
	vols := newMemVolumes()

	w, err := CreateArchive(vols, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	dir := bar.Entry{Kind: bar.KindDirectory, Name: "etc", Info: bar.FileInfo{Mode: 0o755}}
	link := bar.Entry{Kind: bar.KindLink, Name: "etc/link", Info: bar.FileInfo{LinkTarget: "/etc/real"}}
	special := bar.Entry{Kind: bar.KindSpecial, Name: "dev/null", Info: bar.FileInfo{
		Special: bar.SpecialCharacterDevice, Major: 1, Minor: 3,
	}}
	for _, e := range []bar.Entry{dir, link, special} {
		if err := w.WriteEntry(e, nil); err != nil {
			t.Fatalf("WriteEntry(%s): %v", e.Name, err)
		}
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		kind bar.EntryKind
		name string
	}{
		{bar.KindDirectory, "etc"},
		{bar.KindLink, "etc/link"},
		{bar.KindSpecial, "dev/null"},
	}
	for _, wantEntry := range want {
		_, ok, err := r.NextEntry()
		if err != nil || !ok {
			t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
		}
		entry, body, err := r.ReadEntry()
		if err != nil {
			t.Fatal(err)
		}
		if entry.Kind != wantEntry.kind || entry.Name != wantEntry.name {
			t.Fatalf("got %v %q, want %v %q", entry.Kind, entry.Name, wantEntry.kind, wantEntry.name)
		}
		if n, _ := io.Copy(io.Discard, body); n != 0 {
			t.Fatalf("bodyless entry produced %d bytes of payload", n)
		}
	}
}

func TestRoundTripHardlinkGroup(t *testing.T) {
	vols := newMemVolumes()
	payload := []byte("shared content")

	w, err := CreateArchive(vols, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	e := bar.Entry{
		Kind:          bar.KindHardlink,
		Name:          "a/first",
		HardlinkNames: []string{"a/first", "a/second", "a/third"},
		Info: bar.FileInfo{
			Size:         uint64(len(payload)),
			HardlinkPeer: 3,
		},
	}
	if err := w.WriteEntry(e, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.NextEntry(); err != nil || !ok {
		t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
	}
	got, body, err := r.ReadEntry()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.HardlinkNames) != 3 {
		t.Fatalf("got %d hardlink names, want 3: %v", len(got.HardlinkNames), got.HardlinkNames)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}
}

func TestRoundTripPasswordProtected(t *testing.T) {
	vols := newMemVolumes()
	payload := bytes.Repeat([]byte("secret-bytes"), 1024)

	w, err := CreateArchive(vols, WriteOptions{
		CryptAlgorithm: crypt.AES256CTR,
		Password:       "hunter2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("vault.bin", uint64(len(payload))), bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	// Right password decrypts cleanly.
	r, err := OpenArchive(vols, ReadOptions{
		CryptAlgorithm:   crypt.AES256CTR,
		PasswordCallback: func(purpose string, retry bool) (string, bool) { return "hunter2", true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.NextEntry(); err != nil || !ok {
		t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
	}
	_, body, err := r.ReadEntry()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("decrypted payload mismatch")
	}

	// Wrong password, no retry offered: OpenArchive fails eagerly
	// before any entry is visible (testable-property scenario 3).
	_, err = OpenArchive(vols, ReadOptions{
		CryptAlgorithm:   crypt.AES256CTR,
		PasswordCallback: func(purpose string, retry bool) (string, bool) { return "wrong", !retry },
	})
	if bar.KindOf(err) != bar.WrongPassword {
		t.Fatalf("got %v, want WRONG_PASSWORD", err)
	}

	// Wrong password then right password on retry succeeds.
	attempt := 0
	r2, err := OpenArchive(vols, ReadOptions{
		CryptAlgorithm: crypt.AES256CTR,
		PasswordCallback: func(purpose string, retry bool) (string, bool) {
			attempt++
			if attempt == 1 {
				return "wrong", true
			}
			return "hunter2", true
		},
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	r2.CloseArchive()
}

func TestMultiVolumeSplitReassembly(t *testing.T) {
	vols := newMemVolumes()
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16) // 1 MiB

	w, err := CreateArchive(vols, WriteOptions{
		ByteAlgorithm: compress.ByteNone,
		PartSize:      256 * 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("big.bin", uint64(len(payload))), bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}
	if len(vols.data) < 2 {
		t.Fatalf("expected the entry to split across volumes, got %d volume(s)", len(vols.data))
	}

	r, err := OpenArchive(vols, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var reassembled bytes.Buffer
	for {
		_, ok, err := r.NextEntry()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		entry, body, err := r.ReadEntry()
		if err != nil {
			t.Fatal(err)
		}
		if entry.Name != "big.bin" {
			t.Fatalf("unexpected entry %q", entry.Name)
		}
		if _, err := io.Copy(&reassembled, body); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(reassembled.Bytes(), payload) {
		t.Fatalf("reassembled %d bytes, want %d, mismatch", reassembled.Len(), len(payload))
	}
}

func TestSignaturesVerifyAndRejectWrongKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	vols := newMemVolumes()
	w, err := CreateArchive(vols, WriteOptions{Signer: crypt.NewSigner(priv)})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("signed.txt", 5), bytes.NewReader([]byte("abcde"))); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(true); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{PublicKey: pub})
	if err != nil {
		t.Fatal(err)
	}
	for {
		_, ok, err := r.NextEntry()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if _, _, err := r.ReadEntry(); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.VerifySignatures(); got != crypt.StateOK {
		t.Fatalf("got %v, want StateOK", got)
	}

	// A different public key must not verify.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := OpenArchive(vols, ReadOptions{PublicKey: otherPub})
	if err != nil {
		t.Fatal(err)
	}
	for {
		_, ok, err := r2.NextEntry()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if _, _, err := r2.ReadEntry(); err != nil {
			t.Fatal(err)
		}
	}
	if got := r2.VerifySignatures(); got != crypt.StateInvalid {
		t.Fatalf("got %v, want StateInvalid", got)
	}
}

func TestSignaturesCoverEveryVolume(t *testing.T) {
	// A signed, multi-volume archive must still verify OK: appendSignature
	// is called at every split, not just at final close, so each
	// volume's bytes are actually covered (see writer.go's split()).
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	vols := newMemVolumes()
	payload := bytes.Repeat([]byte("z"), 512*1024)

	w, err := CreateArchive(vols, WriteOptions{
		Signer:   crypt.NewSigner(priv),
		PartSize: 128 * 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("big.bin", uint64(len(payload))), bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(true); err != nil {
		t.Fatal(err)
	}
	if len(vols.data) < 2 {
		t.Fatalf("expected multiple volumes, got %d", len(vols.data))
	}

	r, err := OpenArchive(vols, ReadOptions{PublicKey: pub, ForceVerifySignatures: true})
	if err != nil {
		t.Fatal(err)
	}
	for {
		_, ok, err := r.NextEntry()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if _, _, err := r.ReadEntry(); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.VerifySignatures(); got != crypt.StateOK {
		t.Fatalf("got %v, want StateOK", got)
	}
}

func TestDeltaSourceRoundTrip(t *testing.T) {
	vols := newMemVolumes()
	base := bytes.Repeat([]byte("ABCDEFGH"), 8192) // 64 KiB, one delta block
	updated := append(append([]byte(nil), base...), []byte("-appended-tail")...)

	sources := mapSources{"doc.bin": base}

	w, err := CreateArchive(vols, WriteOptions{DeltaSources: sources})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("doc.bin", uint64(len(updated))), bytes.NewReader(updated)); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{DeltaSources: sources})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.NextEntry(); err != nil || !ok {
		t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
	}
	_, body, err := r.ReadEntry()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, updated) {
		t.Fatalf("delta round trip mismatch: got %d bytes, want %d", len(got), len(updated))
	}
}

func TestDeltaSourceMissingIsFatalUnlessDegraded(t *testing.T) {
	vols := newMemVolumes()
	payload := []byte("no source for this one")

	w, err := CreateArchive(vols, WriteOptions{DeltaSources: mapSources{}})
	if err != nil {
		t.Fatal(err)
	}
	err = w.WriteEntry(fileEntry("orphan.bin", uint64(len(payload))), bytes.NewReader(payload))
	if bar.KindOf(err) != bar.DeltaSourceNotFound {
		t.Fatalf("got %v, want DELTA_SOURCE_NOT_FOUND", err)
	}

	w2, err := CreateArchive(newMemVolumes(), WriteOptions{
		DeltaSources:      mapSources{},
		AllowDegradeDelta: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.WriteEntry(fileEntry("orphan.bin", uint64(len(payload))), bytes.NewReader(payload)); err != nil {
		t.Fatalf("expected degrade-to-no-delta to succeed, got %v", err)
	}
}

func TestStateMachineGuardsAgainstMisuse(t *testing.T) {
	vols := newMemVolumes()
	w, err := CreateArchive(vols, WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEntry(fileEntry("only.txt", 3), bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseArchive(false); err != nil {
		t.Fatal(err)
	}

	r, err := OpenArchive(vols, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ReadEntry(); bar.KindOf(err) != bar.Internal {
		t.Fatalf("ReadEntry with nothing pending: got %v, want INTERNAL", err)
	}
	if _, ok, err := r.NextEntry(); err != nil || !ok {
		t.Fatalf("NextEntry: ok=%v err=%v", ok, err)
	}
	if _, _, err := r.NextEntry(); bar.KindOf(err) != bar.Internal {
		t.Fatalf("NextEntry before consuming pending entry: got %v, want INTERNAL", err)
	}
	if _, _, err := r.ReadEntry(); err != nil {
		t.Fatal(err)
	}
}
