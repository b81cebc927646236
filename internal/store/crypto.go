package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// apiKeyCipher encrypts Printer.APIKey at rest. Unlike a password, an API
// key must be read back to authenticate against the printer's firmware, so
// this is reversible symmetric encryption rather than a one-way hash.
type apiKeyCipher struct {
	aead [32]byte
}

func newAPIKeyCipher(key [32]byte) *apiKeyCipher {
	return &apiKeyCipher{aead: key}
}

// encrypt encrypts plaintext and returns a base64 string storing the
// nonce alongside the ciphertext.
func (c *apiKeyCipher) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.New(c.aead[:])
	if err != nil {
		return "", fmt.Errorf("crypto: build cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. An empty input decrypts to an empty string
// (printers may have no API key configured).
func (c *apiKeyCipher) decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}

	aead, err := chacha20poly1305.New(c.aead[:])
	if err != nil {
		return "", fmt.Errorf("crypto: build cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return "", errors.New("crypto: ciphertext too short")
	}
	nonce, data := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DeriveKeyFromPassphrase turns an operator-supplied secret into a
// fixed-size key suitable for chacha20poly1305, via HKDF-SHA256 so the same
// passphrase always yields the same key across restarts.
func DeriveKeyFromPassphrase(passphrase string) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("controlplane-printer-api-key"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}
