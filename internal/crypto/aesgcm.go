// Package crypto implements the two payload encryption variants spoken on
// the relay channel, plus the key derivation and token helpers around them.
//
// Variant selection is a wire-compat concern: blobs starting with version
// byte 0x00 are AES-256-GCM under the session data key; everything else is
// the legacy NaCl secretbox format under the master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// gcmVersionByte marks an AES-GCM blob on the wire.
	gcmVersionByte = 0x00
	gcmNonceSize   = 12
	gcmTagSize     = 16
)

// EncryptAESGCM encrypts plaintext using AES-256-GCM.
// Format: [version (1 byte)][nonce (12 bytes)][ciphertext + tag (16 bytes)].
func EncryptAESGCM(plaintext, dataKey []byte) ([]byte, error) {
	if len(dataKey) != 32 {
		return nil, fmt.Errorf("data key must be 32 bytes, got %d", len(dataKey))
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 1+gcmNonceSize+len(ciphertext))
	out[0] = gcmVersionByte
	copy(out[1:1+gcmNonceSize], nonce)
	copy(out[1+gcmNonceSize:], ciphertext)
	return out, nil
}

// DecryptAESGCM decrypts a blob produced by EncryptAESGCM.
func DecryptAESGCM(encrypted, dataKey []byte) ([]byte, error) {
	if len(dataKey) != 32 {
		return nil, fmt.Errorf("data key must be 32 bytes, got %d", len(dataKey))
	}
	if len(encrypted) < 1+gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(encrypted))
	}
	if encrypted[0] != gcmVersionByte {
		return nil, fmt.Errorf("unsupported encryption version: %d", encrypted[0])
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, encrypted[1:1+gcmNonceSize], encrypted[1+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// IsAESGCM reports whether an encrypted blob uses the AES-GCM variant.
func IsAESGCM(encrypted []byte) bool {
	return len(encrypted) >= 1+gcmNonceSize+gcmTagSize && encrypted[0] == gcmVersionByte
}
