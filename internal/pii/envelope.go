// Package pii implements envelope encryption for taxpayer identifiers.
//
// Each value is sealed under a fresh data-encryption key (DEK); the DEK is sealed
// under the static master key. Both layers use AES-256-GCM with 16-byte nonces and
// 16-byte tags, and the output is the fixed-width concatenation
//
//	[DEK-nonce 16 | DEK-tag 16 | enc-DEK 32 | data-nonce 16 | data-tag 16 | enc-data ...]
//
// so no length prefix is needed.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
)

const (
	keySize   = 32
	nonceSize = 16
	tagSize   = 16

	// headerSize is everything in front of the encrypted data.
	headerSize = nonceSize + tagSize + keySize + nonceSize + tagSize
)

// Envelope encrypts and decrypts PII values under a master key.
// It is safe for concurrent use.
type Envelope struct {
	master cipher.AEAD
	rand   io.Reader
}

// New builds an Envelope from a hex-encoded 32-byte master key.
// A missing or malformed key is a configuration error, never a silent no-op.
func New(masterKeyHex string) (*Envelope, error) {
	if masterKeyHex == "" {
		return nil, errordefs.New(errordefs.ERI_CONFIGURATION, "crypto master key not configured", "")
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CONFIGURATION, "crypto master key is not valid hex", err)
	}
	if len(key) != keySize {
		return nil, errordefs.New(errordefs.ERI_CONFIGURATION,
			fmt.Sprintf("crypto master key must be %d bytes, got %d", keySize, len(key)), "")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CONFIGURATION, "crypto master key rejected", err)
	}
	return &Envelope{master: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh DEK.
func (e *Envelope) Encrypt(plaintext []byte) ([]byte, error) {
	dek := make([]byte, keySize)
	dekNonce := make([]byte, nonceSize)
	dataNonce := make([]byte, nonceSize)
	for _, b := range [][]byte{dek, dekNonce, dataNonce} {
		if _, err := io.ReadFull(e.rand, b); err != nil {
			return nil, errordefs.Wrap(errordefs.ERI_CRYPTO, "reading random bytes", err)
		}
	}

	data, err := newGCM(dek)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CRYPTO, "building data cipher", err)
	}

	// Seal appends the tag; split it off to get the fixed layout.
	sealedDEK := e.master.Seal(nil, dekNonce, dek, nil)
	encDEK, dekTag := sealedDEK[:keySize], sealedDEK[keySize:]

	sealedData := data.Seal(nil, dataNonce, plaintext, nil)
	n := len(sealedData) - tagSize
	encData, dataTag := sealedData[:n], sealedData[n:]

	out := make([]byte, 0, headerSize+len(encData))
	out = append(out, dekNonce...)
	out = append(out, dekTag...)
	out = append(out, encDEK...)
	out = append(out, dataNonce...)
	out = append(out, dataTag...)
	out = append(out, encData...)
	return out, nil
}

// Decrypt reverses Encrypt. Short input, tampering, or a wrong master key
// all fail with ERI_CRYPTO.
func (e *Envelope) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < headerSize {
		return nil, errordefs.New(errordefs.ERI_CRYPTO,
			fmt.Sprintf("ciphertext too short: %d bytes", len(ciphertext)), "")
	}

	off := 0
	next := func(n int) []byte {
		b := ciphertext[off : off+n]
		off += n
		return b
	}
	dekNonce := next(nonceSize)
	dekTag := next(tagSize)
	encDEK := next(keySize)
	dataNonce := next(nonceSize)
	dataTag := next(tagSize)
	encData := ciphertext[off:]

	dek, err := e.master.Open(nil, dekNonce, join(encDEK, dekTag), nil)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CRYPTO, "unwrapping data key", err)
	}
	data, err := newGCM(dek)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CRYPTO, "building data cipher", err)
	}
	plaintext, err := data.Open(nil, dataNonce, join(encData, dataTag), nil)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting value", err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for UTF-8 text.
func (e *Envelope) EncryptString(s string) ([]byte, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString is Decrypt for UTF-8 text.
func (e *Envelope) DecryptString(ciphertext []byte) (string, error) {
	b, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash is the hex SHA-256 of s, used for lookups without comparing plaintext.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

func join(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
