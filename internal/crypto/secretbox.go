package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const secretboxNonceSize = 24

// EncryptSecretBox encrypts plaintext using NaCl SecretBox
// (XSalsa20-Poly1305). Format: [nonce (24 bytes)][ciphertext + tag].
// This is the legacy variant used before a session data key is granted.
func EncryptSecretBox(plaintext []byte, secret *[32]byte) ([]byte, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, secret)

	out := make([]byte, secretboxNonceSize+len(sealed))
	copy(out[:secretboxNonceSize], nonce[:])
	copy(out[secretboxNonceSize:], sealed)
	return out, nil
}

// DecryptSecretBox decrypts a blob produced by EncryptSecretBox.
func DecryptSecretBox(encrypted []byte, secret *[32]byte) ([]byte, error) {
	if len(encrypted) < secretboxNonceSize {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(encrypted))
	}

	var nonce [secretboxNonceSize]byte
	copy(nonce[:], encrypted[:secretboxNonceSize])

	plaintext, ok := secretbox.Open(nil, encrypted[secretboxNonceSize:], &nonce, secret)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}
