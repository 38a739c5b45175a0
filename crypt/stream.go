package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/baresque/bar"
)

// EntryIV derives the IV/counter seed for one entry. CTR-mode
// algorithms reset the counter per entry to (archive salt ‖ entry
// sequence number); CBC-mode algorithms use a fresh random IV per
// entry instead, generated by NewCBCIV and stored in the entry
// header — EntryIV is only meaningful for CTR algorithms.
func EntryIV(blockSize int, archiveSalt []byte, sequence uint64) []byte {
	iv := make([]byte, blockSize)
	n := copy(iv, archiveSalt)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	for i, b := range seq {
		iv[(n+i)%blockSize] ^= b
	}
	return iv
}

// NewCBCIV returns a fresh random IV sized for the given cipher.
func NewCBCIV(block cipher.Block) ([]byte, error) {
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, bar.Wrap(bar.IO, "generating CBC IV", err)
	}
	return iv, nil
}

// RandomIV returns a fresh random IV sized for a's block size,
// without requiring the caller to construct a cipher.Block first —
// archive's entry-start writer calls this for CBC algorithms since it
// only ever holds the raw key, never a cipher.Block.
func RandomIV(a Algorithm) ([]byte, error) {
	iv := make([]byte, a.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, bar.Wrap(bar.IO, "generating IV", err)
	}
	return iv, nil
}

// Encryptor wraps an io.Writer, encrypting everything written to it
// and, in CBC mode, PKCS#7-padding the final block on Close. The pad
// length is not written to the entry header; the padding bytes
// themselves carry it, and DecryptBlocks reads it back from them.
type Encryptor struct {
	w         io.Writer
	stream    cipher.Stream // CTR mode
	block     cipher.Block  // CBC mode
	iv        []byte        // CBC mode, mutated as chaining state
	mode      mode
	blockSize int
	buf       []byte // CBC-mode partial-block accumulator
	PadLen    byte   // set on Close
}

// NewEncryptor builds the encrypt side of the pipeline's crypt stage
// for algorithm a. For CTR algorithms iv is the per-entry IV from
// EntryIV; for CBC algorithms iv is a fresh IV from NewCBCIV.
func NewEncryptor(w io.Writer, a Algorithm, key, iv []byte) (*Encryptor, error) {
	if a == None {
		return &Encryptor{w: w, mode: ctrMode, blockSize: 1}, nil
	}
	block, err := newBlockCipher(a, key)
	if err != nil {
		return nil, err
	}
	e := &Encryptor{w: w, mode: a.blockMode(), blockSize: block.BlockSize()}
	switch e.mode {
	case ctrMode:
		e.stream = cipher.NewCTR(block, iv[:block.BlockSize()])
	case cbc:
		e.block = block
		e.iv = append([]byte(nil), iv[:block.BlockSize()]...)
	}
	return e, nil
}

func (e *Encryptor) Write(p []byte) (int, error) {
	if e.mode == ctrMode {
		if e.stream == nil { // None algorithm
			return e.w.Write(p)
		}
		out := make([]byte, len(p))
		e.stream.XORKeyStream(out, p)
		return e.w.Write(out)
	}
	// CBC: buffer until we have whole blocks, encrypt those, keep the
	// remainder for Close to pad.
	e.buf = append(e.buf, p...)
	n := len(e.buf) - len(e.buf)%e.blockSize
	if n > 0 {
		out := make([]byte, n)
		mode := cipher.NewCBCEncrypter(e.block, e.iv)
		mode.CryptBlocks(out, e.buf[:n])
		e.iv = out[n-e.blockSize:]
		if _, err := e.w.Write(out); err != nil {
			return 0, bar.Wrap(bar.IO, "writing ciphertext", err)
		}
		e.buf = e.buf[n:]
	}
	return len(p), nil
}

// Close flushes the final, PKCS#7-padded block (CBC only; CTR and
// None need no trailing block). PadLen records how much padding was
// added; it is informational only and is not stored in the archive.
func (e *Encryptor) Close() error {
	if e.mode != cbc {
		return nil
	}
	pad := e.blockSize - len(e.buf)%e.blockSize
	if pad == 0 {
		pad = e.blockSize
	}
	e.PadLen = byte(pad)
	final := make([]byte, len(e.buf)+pad)
	copy(final, e.buf)
	for i := len(e.buf); i < len(final); i++ {
		final[i] = byte(pad)
	}
	out := make([]byte, len(final))
	cipher.NewCBCEncrypter(e.block, e.iv).CryptBlocks(out, final)
	_, err := e.w.Write(out)
	return err
}

// Decryptor is the inverse of Encryptor: CTR mode decrypts through
// Read, CBC mode through DecryptBlocks, which also strips the PKCS#7
// padding using the pad length stored in the last plaintext byte.
type Decryptor struct {
	r      io.Reader
	stream cipher.Stream
	block  cipher.Block
	iv     []byte
	mode   mode
}

func NewDecryptor(r io.Reader, a Algorithm, key, iv []byte) (*Decryptor, error) {
	if a == None {
		return &Decryptor{r: r, mode: ctrMode}, nil
	}
	block, err := newBlockCipher(a, key)
	if err != nil {
		return nil, err
	}
	d := &Decryptor{r: r, mode: a.blockMode()}
	switch d.mode {
	case ctrMode:
		d.stream = cipher.NewCTR(block, iv[:block.BlockSize()])
	case cbc:
		d.block = block
		d.iv = append([]byte(nil), iv[:block.BlockSize()]...)
	}
	return d, nil
}

// Read decrypts CTR-mode ciphertext transparently. CBC-mode callers
// must use DecryptBlocks instead, since CBC decryption only makes
// sense on whole blocks; the caller (pipeline) reads the whole
// ciphertext first and DecryptBlocks strips the padding.
func (d *Decryptor) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		if d.mode == ctrMode && d.stream != nil {
			d.stream.XORKeyStream(p[:n], p[:n])
		} else if d.mode != ctrMode {
			return 0, bar.Errorf(bar.Internal, "Read called on CBC decryptor; use DecryptBlocks")
		}
	}
	return n, err
}

// DecryptBlocks decrypts a whole ciphertext (CBC mode) in one shot
// and strips PKCS#7 padding, returning plaintext. ciphertext length
// must be a multiple of the block size.
func (d *Decryptor) DecryptBlocks(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%d.block.BlockSize() != 0 {
		return nil, bar.Errorf(bar.DecryptFail, "ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(d.block, d.iv).CryptBlocks(out, ciphertext)
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > d.block.BlockSize() || pad > len(out) {
		return nil, bar.Errorf(bar.DecryptFail, "invalid padding")
	}
	return out[:len(out)-pad], nil
}
