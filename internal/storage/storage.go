// Package storage persists the small pieces of local state the bridge
// needs across restarts: the account master secret and the stable machine
// identifier.
package storage

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreateMasterSecret loads the base64-encoded 32-byte master secret
// from path, generating and persisting a fresh one when absent.
func GetOrCreateMasterSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode master secret: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid master secret length: %d (expected 32)", len(key))
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to write master secret: %w", err)
	}
	return key, nil
}

// GetOrCreateMachineID loads the stable machine id from path, generating a
// UUIDv4 when absent.
func GetOrCreateMachineID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save machine id: %w", err)
	}
	return id, nil
}
