package crypt

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"testing"
)

func TestCTRRoundTrip(t *testing.T) {
	key := DeriveKey(AES256CTR, "sekret", bytes.Repeat([]byte{0x42}, SaltSize))
	iv := EntryIV(16, bytes.Repeat([]byte{0x42}, SaltSize), 7)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	var ciphertext bytes.Buffer
	enc, err := NewEncryptor(&ciphertext, AES256CTR, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	dec, err := NewDecryptor(bytes.NewReader(ciphertext.Bytes()), AES256CTR, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestCBCRoundTripWithPadding(t *testing.T) {
	key := DeriveKey(BlowfishCBC, "sekret", bytes.Repeat([]byte{0x11}, SaltSize))
	block, err := newBlockCipher(BlowfishCBC, key)
	if err != nil {
		t.Fatal(err)
	}
	iv, err := NewCBCIV(block)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("short msg")
	var ciphertext bytes.Buffer
	enc, err := NewEncryptor(&ciphertext, BlowfishCBC, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if enc.PadLen == 0 {
		t.Fatal("expected non-zero padding")
	}

	dec, err := NewDecryptor(nil, BlowfishCBC, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.DecryptBlocks(ciphertext.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestSignatureAggregate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSigner(priv)
	sig, err := signer.Sign(bytes.NewReader([]byte("covered range")))
	if err != nil {
		t.Fatal(err)
	}
	state, err := VerifyOne(pub, bytes.NewReader([]byte("covered range")), sig)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateOK {
		t.Fatalf("got %v, want ok", state)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	state, _ = VerifyOne(otherPub, bytes.NewReader([]byte("covered range")), sig)
	if state != StateInvalid {
		t.Fatalf("got %v, want invalid", state)
	}

	if got := Aggregate([]SignatureState{StateOK, StateOK}, false); got != StateOK {
		t.Fatalf("got %v, want ok", got)
	}
	if got := Aggregate([]SignatureState{StateNoKey}, true); got != StateNoKey {
		t.Fatalf("got %v, want no-key", got)
	}
	if got := Aggregate([]SignatureState{StateNoKey}, false); got != StateSkipped {
		t.Fatalf("got %v, want skipped", got)
	}
	if got := Aggregate([]SignatureState{StateOK, StateInvalid}, false); got != StateInvalid {
		t.Fatalf("got %v, want invalid", got)
	}
}
