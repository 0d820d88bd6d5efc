// Package sirr implements the core of the sirr secret store: the master-key
// encrypter, the license gate, the webhook fan-out, and the background
// sweeper. The transactional state store lives in sirr/state.
package sirr

import (
	"crypto/cipher"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/secretdrop/sirr/helper/crypto"
)

const (
	// KeySize is the length of the raw master key in sirr.key.
	KeySize = 32

	// KeyFileMode keeps the key file readable by the daemon user only.
	KeyFileMode = 0o600
)

// Encrypter seals and opens secret values under a single 32-byte master key
// using ChaCha20-Poly1305 with a fresh random 96-bit nonce per encryption.
// The same Encrypter is shared read-only across all request tasks; Zero must
// be called exactly once when the key goes out of service.
type Encrypter struct {
	key     []byte
	version uint32
	aead    cipher.AEAD

	zeroOnce sync.Once
}

// NewEncrypter builds an Encrypter from raw key material. It fails unless
// the key is exactly 32 bytes. The Encrypter takes ownership of the slice
// and scrubs it on Zero.
func NewEncrypter(key []byte, version uint32) (*Encrypter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid master key: expected %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("could not create cipher: %v", err)
	}
	return &Encrypter{key: key, version: version, aead: aead}, nil
}

// GenerateEncrypter creates an Encrypter with a fresh random master key.
func GenerateEncrypter(version uint32) (*Encrypter, error) {
	key, err := crypto.Bytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %v", err)
	}
	return NewEncrypter(key, version)
}

// LoadKeyFile reads the raw 32-byte key file written by WriteKeyFile and
// returns an Encrypter for it.
func LoadKeyFile(path string, version uint32) (*Encrypter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read key file %s: %w", path, err)
	}
	e, err := NewEncrypter(raw, version)
	if err != nil {
		return nil, fmt.Errorf("key file %s is corrupt: %w", path, err)
	}
	return e, nil
}

// WriteKeyFile persists the raw key material. The caller sequences this
// after a successful rotation so a crash mid-rotate never strands the data
// behind a key that was not committed.
func (e *Encrypter) WriteKeyFile(path string) error {
	if err := os.WriteFile(path, e.key, KeyFileMode); err != nil {
		return fmt.Errorf("could not write key file %s: %w", path, err)
	}
	return nil
}

// Encrypt seals the plaintext under the master key with a fresh random
// nonce. The returned ciphertext includes the Poly1305 tag and is never
// empty, even for an empty plaintext.
func (e *Encrypter) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	if e.aead == nil {
		return nil, nil, fmt.Errorf("master key has been released")
	}
	nonce, err = crypto.Bytes(e.aead.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %v", err)
	}
	ciphertext = e.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any tampering with the
// nonce or ciphertext fails closed.
func (e *Encrypter) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, fmt.Errorf("master key has been released")
	}
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Version returns the key version tag stamped on records encrypted by this
// Encrypter.
func (e *Encrypter) Version() uint32 {
	return e.version
}

// SetVersion aligns the version tag with the store's current maximum key
// version. Called once at startup before the daemon begins serving; rotation
// always uses a fresh Encrypter instead.
func (e *Encrypter) SetVersion(version uint32) {
	e.version = version
}

// Zero scrubs the backing key material and drops the cipher. Safe to call
// more than once; any Encrypt or Decrypt after Zero returns an error.
func (e *Encrypter) Zero() {
	e.zeroOnce.Do(func() {
		for i := range e.key {
			e.key[i] = 0
		}
		e.aead = nil
	})
}
