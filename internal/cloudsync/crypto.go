package cloudsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/kioku/internal/model"
)

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// NewSalt returns a fresh random salt for key derivation. The salt is not
// secret and travels in the manifest.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cloudsync: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a passphrase into an AES-256 key with argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Crypter seals and opens sync objects with AES-256-GCM. The object name
// is bound into the additional data together with the project id, so a
// payload moved between objects or projects fails authentication.
type Crypter struct {
	aead      cipher.AEAD
	projectID string
}

// NewCrypter builds a crypter from a raw 32-byte key.
func NewCrypter(key []byte, projectID string) (*Crypter, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("cloudsync: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: init gcm: %w", err)
	}
	return &Crypter{aead: aead, projectID: projectID}, nil
}

func (c *Crypter) aad(object string) []byte {
	return []byte(c.projectID + ":" + object)
}

// Seal encrypts plaintext for one named object. Output layout is
// nonce(12) || ciphertext || tag.
func (c *Crypter) Seal(object string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cloudsync: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, c.aad(object)), nil
}

// Open decrypts a sealed object. Any tampering, wrong key, or wrong object
// name surfaces as model.ErrDecrypt; no partial plaintext escapes.
func (c *Crypter) Open(object string, sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("cloudsync: %s is too short to be a sealed object: %w", object, model.ErrDecrypt)
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], c.aad(object))
	if err != nil {
		return nil, fmt.Errorf("cloudsync: open %s: %w", object, model.ErrDecrypt)
	}
	return plaintext, nil
}
