package utilities

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealedTooShort is returned by Open when a sealed blob cannot even hold
// a nonce.
var ErrSealedTooShort = errors.New("sealed blob too short")

// Encryptor seals cached events at rest using XChaCha20-Poly1305.
//
// The key is derived deterministically from a seed, so a cache database
// written with one seed can be reopened with the same seed and nothing else.
type Encryptor struct {
	symmetricKey []byte // 32-byte key for XChaCha20-Poly1305
}

// NewEncryptor creates an encryptor from a 32-byte seed.
func NewEncryptor(seed []byte) *Encryptor {
	if len(seed) != 32 {
		panic("encryptor seed must be 32 bytes")
	}

	// Salt: "relaycache:sqlite:v1" (domain separation)
	// Info: "event-at-rest" (key purpose)
	hkdfReader := hkdf.New(sha256.New, seed, []byte("relaycache:sqlite:v1"), []byte("event-at-rest"))

	symmetricKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, symmetricKey); err != nil {
		// This should never happen with HKDF
		panic("hkdf failed: " + err.Error())
	}

	return &Encryptor{
		symmetricKey: symmetricKey,
	}
}

// NewEncryptorFromPassphrase stretches an arbitrary string into a seed.
func NewEncryptorFromPassphrase(passphrase string) *Encryptor {
	seed := sha256.Sum256([]byte(passphrase))
	return NewEncryptor(seed[:])
}

// Seal encrypts plaintext with a random nonce and returns nonce||ciphertext.
// aad is authenticated but not stored; the event id is a good choice, so a
// row cannot be swapped for another.
func (e *Encryptor) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, err
	}

	// Generate random nonce (24 bytes for XChaCha20)
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. It fails if the blob was sealed with a different key
// or different aad.
func (e *Encryptor) Open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.New("decryption failed: invalid ciphertext or wrong key")
	}

	return plaintext, nil
}
