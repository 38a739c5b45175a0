package crypt

import (
	"crypto/ed25519"
	"crypto/sha512"
	"io"

	"github.com/baresque/bar"
)

// SignatureState is the aggregate result of verifying every SIGN
// chunk in an archive (§4.B).
type SignatureState int

const (
	StateOK SignatureState = iota
	StateInvalid
	StateSkipped
	StateNoKey
)

func (s SignatureState) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateInvalid:
		return "invalid"
	case StateSkipped:
		return "skipped"
	case StateNoKey:
		return "no-key"
	default:
		return "unknown"
	}
}

// Signer signs the SHA-512 digest of the byte range since the
// previous signature (or archive start) with an ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer { return &Signer{priv: priv} }

// Sign digests r (the unsigned byte range) and returns the ed25519
// signature to store in the SIGN chunk body.
func (s *Signer) Sign(r io.Reader) ([]byte, error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, bar.Wrap(bar.IO, "digesting signed range", err)
	}
	return ed25519.Sign(s.priv, h.Sum(nil)), nil
}

// SignDigest signs a pre-computed SHA-512 digest directly, for
// callers (the archive writer) that hash a byte range read back from
// storage rather than handing Sign a live io.Reader.
func (s *Signer) SignDigest(sum []byte) []byte {
	return ed25519.Sign(s.priv, sum)
}

// VerifyDigest is the digest-first counterpart to VerifyOne.
func VerifyDigest(pub ed25519.PublicKey, sum, sig []byte) SignatureState {
	if pub == nil {
		return StateNoKey
	}
	if !ed25519.Verify(pub, sum, sig) {
		return StateInvalid
	}
	return StateOK
}

// VerifyOne checks a single SIGN chunk's signature against the byte
// range it claims to cover. pub may be nil, meaning no public key was
// supplied.
func VerifyOne(pub ed25519.PublicKey, r io.Reader, sig []byte) (SignatureState, error) {
	if pub == nil {
		return StateNoKey, nil
	}
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return StateInvalid, bar.Wrap(bar.IO, "digesting signed range", err)
	}
	if !ed25519.Verify(pub, h.Sum(nil), sig) {
		return StateInvalid, nil
	}
	return StateOK, nil
}

// Aggregate combines per-signature states into the archive-wide
// result (§4.B): skipped is valid unless forceVerify is set; any
// invalid state dominates once forceVerify is set, and stops the read
// immediately at the call site rather than being aggregated further.
func Aggregate(states []SignatureState, forceVerify bool) SignatureState {
	if len(states) == 0 {
		if forceVerify {
			return StateNoKey
		}
		return StateSkipped
	}
	sawNoKey := false
	sawSkipped := false
	for _, s := range states {
		switch s {
		case StateInvalid:
			return StateInvalid
		case StateNoKey:
			sawNoKey = true
		case StateSkipped:
			sawSkipped = true
		}
	}
	if sawNoKey {
		if forceVerify {
			return StateNoKey
		}
		return StateSkipped
	}
	if sawSkipped {
		return StateSkipped
	}
	return StateOK
}
