package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tavrael/tether/internal/crypto"
	"github.com/tavrael/tether/internal/relay"
	"github.com/tavrael/tether/pkg/types"
)

// fakeRelay is an in-memory relay with real CAS semantics on the versioned
// blobs.
type fakeRelay struct {
	mu sync.Mutex

	metadata        string
	metadataVersion int64
	agentState      string
	stateVersion    int64

	// conflictMeta, when set, is returned once as the server value for a
	// forced metadata mismatch.
	conflictMeta string

	// stateDelay slows every UpdateState call to simulate a slow relay.
	stateDelay time.Duration

	messages  []map[string]interface{}
	alive     []bool
	ended     bool
	rawEvents []string
}

func (f *fakeRelay) UpdateMetadata(sessionID, metadata string, version int64) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictMeta != "" {
		f.metadata = f.conflictMeta
		f.metadataVersion++
		f.conflictMeta = ""
		return f.metadataVersion, f.metadata, relay.ErrVersionMismatch
	}
	if version != f.metadataVersion {
		return f.metadataVersion, f.metadata, relay.ErrVersionMismatch
	}
	f.metadata = metadata
	f.metadataVersion++
	return f.metadataVersion, "", nil
}

func (f *fakeRelay) UpdateState(sessionID, agentState string, version int64) (int64, string, error) {
	f.mu.Lock()
	delay := f.stateDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if version != f.stateVersion {
		return f.stateVersion, f.agentState, relay.ErrVersionMismatch
	}
	f.agentState = agentState
	f.stateVersion++
	return f.stateVersion, "", nil
}

func (f *fakeRelay) EmitMessage(data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeRelay) KeepSessionAlive(sessionID string, thinking bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = append(f.alive, thinking)
	return nil
}

func (f *fakeRelay) SessionEnd(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *fakeRelay) EmitRaw(event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawEvents = append(f.rawEvents, event)
	return nil
}

func (f *fakeRelay) IsConnected() bool { return true }

func (f *fakeRelay) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeRelay) agentStateBlob() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentState
}

func (f *fakeRelay) sessionEnded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func testMasterSecret() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestChannel(t *testing.T, fr *fakeRelay) *Channel {
	t.Helper()
	ch, err := NewChannel(fr, ChannelConfig{
		SessionID:    "s1",
		MasterSecret: testMasterSecret(),
	})
	require.NoError(t, err)
	return ch
}

func TestChannelSecretboxRoundTrip(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	enc, err := ch.Encrypt([]byte(`{"hello":"world"}`))
	require.NoError(t, err)

	dec, err := ch.Decrypt(enc)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(dec))
}

func TestChannelAESGCMRoundTrip(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})
	require.NoError(t, ch.SetDataKey(bytes.Repeat([]byte{0x07}, 32)))

	enc, err := ch.Encrypt([]byte(`{"hello":"world"}`))
	require.NoError(t, err)

	dec, err := ch.Decrypt(enc)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(dec))
}

func TestChannelDecryptsLegacyAfterKeyGrant(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	legacy, err := ch.Encrypt([]byte(`{"v":1}`))
	require.NoError(t, err)

	require.NoError(t, ch.SetDataKey(bytes.Repeat([]byte{0x07}, 32)))

	dec, err := ch.Decrypt(legacy)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(dec))
}

func TestUpdateMetadataSuccess(t *testing.T) {
	fr := &fakeRelay{}
	ch := newTestChannel(t, fr)

	err := ch.UpdateMetadata(func(m *types.Metadata) {
		m.Path = "/work"
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), ch.MetadataVersion())
	require.Equal(t, "/work", ch.Metadata().Path)

	// The stored blob decrypts back to the written value.
	dec, err := ch.Decrypt(fr.metadata)
	require.NoError(t, err)
	var stored types.Metadata
	require.NoError(t, json.Unmarshal(dec, &stored))
	require.Equal(t, "/work", stored.Path)
}

func TestUpdateMetadataAdoptsServerValueOnMismatch(t *testing.T) {
	fr := &fakeRelay{}
	ch := newTestChannel(t, fr)

	// A remote writer set the host field behind our back.
	serverMeta, err := json.Marshal(types.Metadata{Host: "phone"})
	require.NoError(t, err)
	enc, err := ch.Encrypt(serverMeta)
	require.NoError(t, err)
	fr.conflictMeta = enc

	err = ch.UpdateMetadata(func(m *types.Metadata) {
		m.Path = "/work"
	})
	require.NoError(t, err)

	// The mutation re-applied on top of the adopted server value.
	got := ch.Metadata()
	require.Equal(t, "/work", got.Path)
	require.Equal(t, "phone", got.Host)
	require.Equal(t, int64(2), ch.MetadataVersion())
}

func TestUpdateAgentStateInterleavedWritersLoseNothing(t *testing.T) {
	fr := &fakeRelay{}
	ch := newTestChannel(t, fr)

	const writers = 2
	const perWriter = 10

	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				errs <- ch.UpdateAgentState(func(s *types.AgentState) {
					if s.Requests == nil {
						s.Requests = make(map[string]types.PendingRequest)
					}
					s.Requests[key] = types.PendingRequest{ToolName: key}
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(writers*perWriter), ch.AgentStateVersion())
	require.Len(t, ch.AgentState().Requests, writers*perWriter)

	// The relay's blob matches the channel's view.
	dec, err := ch.Decrypt(fr.agentState)
	require.NoError(t, err)
	var stored types.AgentState
	require.NoError(t, json.Unmarshal(dec, &stored))
	require.Len(t, stored.Requests, writers*perWriter)
}

func updateSessionPayload(t *testing.T, ch *Channel, version int64, meta types.Metadata) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	enc, err := ch.Encrypt(raw)
	require.NoError(t, err)
	return map[string]interface{}{
		"body": map[string]interface{}{
			"t":  "update-session",
			"id": "s1",
			"metadata": map[string]interface{}{
				"value":   enc,
				"version": version,
			},
		},
	}
}

func TestHandleUpdateSessionAppliesNewer(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	ch.HandleUpdate(updateSessionPayload(t, ch, 3, types.Metadata{Host: "phone"}))
	require.Equal(t, int64(3), ch.MetadataVersion())
	require.Equal(t, "phone", ch.Metadata().Host)
}

func TestHandleUpdateSessionDiscardsStale(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	ch.HandleUpdate(updateSessionPayload(t, ch, 5, types.Metadata{Host: "phone"}))
	ch.HandleUpdate(updateSessionPayload(t, ch, 3, types.Metadata{Host: "stale"}))
	require.Equal(t, int64(5), ch.MetadataVersion())
	require.Equal(t, "phone", ch.Metadata().Host)

	// Equal version is stale too.
	ch.HandleUpdate(updateSessionPayload(t, ch, 5, types.Metadata{Host: "same"}))
	require.Equal(t, "phone", ch.Metadata().Host)
}

func newMessagePayload(t *testing.T, ch *Channel, text, localID string) map[string]interface{} {
	t.Helper()
	rec := map[string]interface{}{
		"role": "user",
		"content": map[string]interface{}{
			"type": "text",
			"text": text,
		},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	enc, err := ch.Encrypt(raw)
	require.NoError(t, err)

	msg := map[string]interface{}{
		"content": map[string]interface{}{"t": "encrypted", "c": enc},
	}
	if localID != "" {
		msg["localId"] = localID
	}
	return map[string]interface{}{
		"body": map[string]interface{}{
			"t":       "new-message",
			"sid":     "s1",
			"message": msg,
		},
	}
}

func TestInboundMessagesBufferedInReceiptOrder(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	ch.HandleUpdate(newMessagePayload(t, ch, "first", ""))
	ch.HandleUpdate(newMessagePayload(t, ch, "second", ""))

	var got []string
	ch.OnUserMessage(func(msg types.UserMessage) {
		got = append(got, msg.Content.Text)
	})
	require.Equal(t, []string{"first", "second"}, got)

	// Later messages go straight through.
	ch.HandleUpdate(newMessagePayload(t, ch, "third", ""))
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestInboundSkipsOwnEchoes(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	localID, err := ch.PostRecord(map[string]string{"role": "agent"})
	require.NoError(t, err)

	var got []string
	ch.OnUserMessage(func(msg types.UserMessage) {
		got = append(got, msg.Content.Text)
	})

	ch.HandleUpdate(newMessagePayload(t, ch, "echo", localID))
	require.Empty(t, got)

	// A foreign localId is not an echo.
	ch.HandleUpdate(newMessagePayload(t, ch, "mobile", "mobile-local-1"))
	require.Equal(t, []string{"mobile"}, got)
}

func TestHandleNewSessionHydratesDataKey(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})
	require.False(t, ch.HasDataKey())

	key := bytes.Repeat([]byte{0x09}, 32)
	wrapped, err := crypto.WrapDataKey(key, testMasterSecret())
	require.NoError(t, err)

	ch.HandleUpdate(map[string]interface{}{
		"body": map[string]interface{}{
			"t":                 "new-session",
			"id":                "s1",
			"dataEncryptionKey": wrapped,
		},
	})
	require.True(t, ch.HasDataKey())

	enc, err := ch.Encrypt([]byte(`{"k":1}`))
	require.NoError(t, err)
	raw, err := ch.Decrypt(enc)
	require.NoError(t, err)
	require.JSONEq(t, `{"k":1}`, string(raw))
}

func TestHandleUpdateIgnoresOtherSessions(t *testing.T) {
	ch := newTestChannel(t, &fakeRelay{})

	payload := updateSessionPayload(t, ch, 9, types.Metadata{Host: "other"})
	payload["body"].(map[string]interface{})["id"] = "someone-else"
	ch.HandleUpdate(payload)
	require.Equal(t, int64(0), ch.MetadataVersion())
}

func TestPostRecordEncryptsPayload(t *testing.T) {
	fr := &fakeRelay{}
	ch := newTestChannel(t, fr)

	_, err := ch.PostRecord(map[string]string{"role": "agent"})
	require.NoError(t, err)
	require.Equal(t, 1, fr.messageCount())

	msg := fr.messages[0]
	require.Equal(t, "s1", msg["sid"])
	require.NotEmpty(t, msg["localId"])

	dec, err := ch.Decrypt(msg["message"].(string))
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"agent"}`, string(dec))
}
