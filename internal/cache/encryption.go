package cache

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the size in bytes of the randomly generated nonce that
	// prefixes every encrypted entry.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the size in bytes of the authentication tag appended by
	// ChaCha20-Poly1305.
	TagSize = chacha20poly1305.Overhead
)

func deriveKey(seed []byte) [chacha20poly1305.KeySize]byte {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte("constprot-cache-encryption-v1"))
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Encrypt protects data with ChaCha20-Poly1305 under a key derived from
// seed. The result is nonce || ciphertext || tag.
func Encrypt(data, seed []byte) ([]byte, error) {
	key := deriveKey(seed)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cache: create aead: %w", err)
	}
	nonce := make([]byte, NonceSize, NonceSize+len(data)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %v", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt verifies and opens an entry produced by Encrypt.
func Decrypt(encrypted, seed []byte) ([]byte, error) {
	if len(encrypted) < NonceSize+TagSize {
		return nil, fmt.Errorf("invalid encrypted cache: payload too short (%d bytes)", len(encrypted))
	}
	key := deriveKey(seed)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cache: create aead: %w", err)
	}
	plain, err := aead.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (cache tampered or wrong key)")
	}
	return plain, nil
}

// DeriveKey exposes the deterministic key derivation for testing and diagnostics.
func DeriveKey(seed []byte) [chacha20poly1305.KeySize]byte {
	return deriveKey(seed)
}
