package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the sealing key from a passphrase.
// Mobile-friendly: one pass over 64 MiB keeps unlock under a second on
// mid-range hardware while still resisting offline guessing.
const (
	sealKDFTime    = 1
	sealKDFMemory  = 64 * 1024
	sealKDFThreads = 4
	sealKeySize    = 32

	// SealSaltSize is the size of the random KDF salt persisted alongside
	// the sealed values.
	SealSaltSize = 16
)

// DeriveSealKey derives a 32-byte AES-256 key from a passphrase and salt
// using argon2id.
func DeriveSealKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, sealKDFTime, sealKDFMemory, sealKDFThreads, sealKeySize)
}

// Seal encrypts data using AES-256-GCM with the given key.
// The output format is: [12-byte nonce][encrypted data][16-byte auth tag],
// a random nonce per encryption.
func Seal(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: failed to generate nonce: %w", err)
	}

	// gcm.Seal appends the ciphertext and auth tag to nonce
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Open decrypts data encrypted with Seal.
// Expects format: [12-byte nonce][encrypted data][16-byte auth tag]
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("cryptox: ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create GCM: %w", err)
	}
	return gcm, nil
}
