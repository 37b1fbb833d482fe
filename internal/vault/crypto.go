package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// Cipher wraps AES-256-GCM for token record payloads. Nonces are prepended
// to the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the process secret and builds the
// AEAD. An empty secret is rejected: the vault never runs unkeyed.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty vault secret")
	}
	key := sha256.Sum256(append([]byte("airms-vault-enc:"), secret...))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal output, authenticating it.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

// KeyedHasher produces the dedup hash over (kind, original). The key is
// derived independently from the cipher key so a leaked hash key cannot
// decrypt records.
type KeyedHasher struct {
	key []byte
}

// NewKeyedHasher derives the HMAC key from the process secret.
func NewKeyedHasher(secret []byte) *KeyedHasher {
	key := sha256.Sum256(append([]byte("airms-vault-hash:"), secret...))
	return &KeyedHasher{key: key[:]}
}

// Sum returns the hex HMAC-SHA256 of kind and value.
func (h *KeyedHasher) Sum(kind, value string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
