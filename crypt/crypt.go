// Package crypt implements the keyed symmetric ciphers, key
// derivation and digital signatures of §4.B. Algorithms are a closed
// enumeration identified on the wire by a 16-bit code (§6); key
// derivation and the AES/CTR streaming shape follow the
// nonce-derivation idiom used by every chunked-encryption reference
// in the retrieval pack (see
// other_examples/16215166_gobeaver-filekit__encryption.go.go), adapted
// from GCM chunking to the spec's CTR/CBC whole-entry streaming model
// since bar frames ciphertext inside chunk sub-chunks rather than its
// own length-prefixed records.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"io"

	"github.com/baresque/bar"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/twofish"
)

// Algorithm is the closed set of symmetric ciphers bar can use to
// encrypt entry payloads. The concrete membership is data-driven by
// the build (§4.B); this enumeration lists the algorithms this
// implementation ships.
type Algorithm uint16

const (
	None Algorithm = iota
	AES128CTR
	AES256CTR
	Twofish256CTR
	BlowfishCBC
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case AES128CTR:
		return "aes128-ctr"
	case AES256CTR:
		return "aes256-ctr"
	case Twofish256CTR:
		return "twofish256-ctr"
	case BlowfishCBC:
		return "blowfish-cbc"
	default:
		return "unknown"
	}
}

func (a Algorithm) blockMode() mode {
	switch a {
	case BlowfishCBC:
		return cbc
	default:
		return ctrMode
	}
}

// IsBlockChained reports whether a uses CBC chaining (decrypt must
// happen over the whole ciphertext at once via DecryptBlocks) rather
// than CTR streaming (decrypt is a transparent Read filter).
func (a Algorithm) IsBlockChained() bool { return a.blockMode() == cbc }

// BlockSize returns the underlying cipher's block size in bytes, or 1
// for None (which has no block structure). Callers that must generate
// or truncate an IV use this instead of constructing a cipher.Block
// themselves.
func (a Algorithm) BlockSize() int {
	switch a {
	case AES128CTR, AES256CTR, Twofish256CTR:
		return 16
	case BlowfishCBC:
		return 8
	default:
		return 1
	}
}

func (a Algorithm) keySize() int {
	switch a {
	case AES128CTR:
		return 16
	case AES256CTR, Twofish256CTR:
		return 32
	case BlowfishCBC:
		return 16
	default:
		return 0
	}
}

type mode int

const (
	ctrMode mode = iota
	cbc
)

func newBlockCipher(a Algorithm, key []byte) (cipher.Block, error) {
	switch a {
	case AES128CTR, AES256CTR:
		return aes.NewCipher(key)
	case Twofish256CTR:
		return twofish.NewCipher(key)
	case BlowfishCBC:
		return blowfish.NewCipher(key)
	default:
		return nil, bar.Errorf(bar.Internal, "no block cipher for algorithm %s", a)
	}
}

// PBKDF2Iterations and SaltSize are the password-based key derivation
// parameters mandated by §4.B.
const (
	PBKDF2Iterations = 100000
	SaltSize         = 64
)

// DeriveKey derives a session key of the given algorithm's key size
// from password and salt using PBKDF2-SHA512.
func DeriveKey(a Algorithm, password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, a.keySize(), sha512.New)
}

// NewSalt returns a fresh random 64-byte salt for the SALT chunk.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, bar.Wrap(bar.IO, "generating salt", err)
	}
	return salt, nil
}

// WrapSessionKey encrypts a per-archive random session key under an
// RSA-OAEP envelope for public-key mode, for storage in the KEY
// chunk.
func WrapSessionKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, bar.Wrap(bar.Internal, "wrapping session key", err)
	}
	return out, nil
}

// UnwrapSessionKey decrypts the KEY chunk's envelope with the
// archive's private key.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha512.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, bar.Wrap(bar.WrongPassword, "unwrapping session key", err)
	}
	return key, nil
}

// NewSessionKey returns a fresh random session key sized for a,
// for public-key mode (where the key isn't password-derived).
func NewSessionKey(a Algorithm) ([]byte, error) {
	key := make([]byte, a.keySize())
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, bar.Wrap(bar.IO, "generating session key", err)
	}
	return key, nil
}
