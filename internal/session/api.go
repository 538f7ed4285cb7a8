package session

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tavrael/tether/internal/crypto"
	"github.com/tavrael/tether/internal/wire"
	"github.com/tavrael/tether/pkg/logger"
	"github.com/tavrael/tether/pkg/types"
)

// CreateResult is the outcome of registering a session with the relay.
type CreateResult struct {
	SessionID string
	// DataKey is the unwrapped session data encryption key; nil when the
	// relay did not return one.
	DataKey []byte

	MetadataVersion   int64
	AgentStateVersion int64
}

// StableSessionTag derives a deterministic tag from the machine id and
// working directory so restarting the bridge in the same place resumes the
// same relay session.
func StableSessionTag(machineID, path string) string {
	sum := sha256.Sum256([]byte(machineID + "\x00" + path))
	return fmt.Sprintf("tether-%x", sum[:12])
}

// CreateSession registers a session with the relay HTTP API.
//
// The metadata travels as base64(JSON); the proposed data encryption key is
// wrapped to the content keypair derived from the master secret. The relay
// echoes back the authoritative wrapped key (a previous one when the tag
// resumes an existing session), which is unwrapped locally.
func CreateSession(serverURL, token, tag string, masterSecret []byte, metadata types.Metadata, initialState types.AgentState) (*CreateResult, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	encodedMeta := base64.StdEncoding.EncodeToString(metaJSON)

	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent state: %w", err)
	}
	stateString := string(stateJSON)

	proposedKey := make([]byte, 32)
	if _, err := rand.Read(proposedKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrappedKey, err := crypto.WrapDataKey(proposedKey, masterSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	body, err := json.Marshal(wire.CreateSessionRequest{
		Tag:               tag,
		MachineID:         metadata.MachineID,
		Metadata:          encodedMeta,
		AgentState:        &stateString,
		DataEncryptionKey: &wrappedKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sessions", serverURL)
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create session failed: %s - %s", resp.Status, string(respBody))
	}

	var result wire.CreateSessionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Session.ID == "" {
		return nil, fmt.Errorf("invalid response: missing session id")
	}

	out := &CreateResult{
		SessionID:         result.Session.ID,
		MetadataVersion:   result.Session.MetadataVersion,
		AgentStateVersion: result.Session.AgentStateVersion,
	}

	// The relay returns the authoritative wrapped key. A legacy session may
	// not have one; the channel then stays on the secretbox variant.
	if result.Session.DataEncryptionKey != "" {
		key, err := crypto.UnwrapDataKey(result.Session.DataEncryptionKey, masterSecret)
		if err != nil {
			logger.Warnf("session %s: cannot unwrap data key: %v", result.Session.ID, err)
		} else {
			out.DataKey = key
		}
	}

	return out, nil
}
