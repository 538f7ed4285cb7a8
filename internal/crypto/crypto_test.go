package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)

	encrypted, err := EncryptAESGCM([]byte("hello world"), key)
	require.NoError(t, err)
	require.True(t, IsAESGCM(encrypted))

	plaintext, err := DecryptAESGCM(encrypted, key)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(plaintext))
}

func TestAESGCMRejectsWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	other := bytes.Repeat([]byte{0x22}, 32)

	encrypted, err := EncryptAESGCM([]byte("secret"), key)
	require.NoError(t, err)

	_, err = DecryptAESGCM(encrypted, other)
	require.Error(t, err)
}

func TestAESGCMRejectsShortKey(t *testing.T) {
	_, err := EncryptAESGCM([]byte("x"), []byte("short"))
	require.Error(t, err)
}

func TestSecretBoxRoundTrip(t *testing.T) {
	var secret [32]byte
	copy(secret[:], bytes.Repeat([]byte{0x33}, 32))

	encrypted, err := EncryptSecretBox([]byte("hello"), &secret)
	require.NoError(t, err)
	require.False(t, IsAESGCM(encrypted))

	plaintext, err := DecryptSecretBox(encrypted, &secret)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))
}

func TestSecretBoxRejectsTamper(t *testing.T) {
	var secret [32]byte
	copy(secret[:], bytes.Repeat([]byte{0x33}, 32))

	encrypted, err := EncryptSecretBox([]byte("hello"), &secret)
	require.NoError(t, err)
	encrypted[len(encrypted)-1] ^= 0xff

	_, err = DecryptSecretBox(encrypted, &secret)
	require.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x44}, 32)

	a, err := DeriveKey(master, "Tether EnCoder", []string{"session", "s1"})
	require.NoError(t, err)
	b, err := DeriveKey(master, "Tether EnCoder", []string{"session", "s1"})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	// Different path, different key.
	c, err := DeriveKey(master, "Tether EnCoder", []string{"session", "s2"})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestWrapUnwrapDataKey(t *testing.T) {
	master := bytes.Repeat([]byte{0x55}, 32)
	dataKey := bytes.Repeat([]byte{0x66}, 32)

	wrapped, err := WrapDataKey(dataKey, master)
	require.NoError(t, err)

	unwrapped, err := UnwrapDataKey(wrapped, master)
	require.NoError(t, err)
	require.Equal(t, dataKey, unwrapped)
}

func TestUnwrapDataKeyWrongMaster(t *testing.T) {
	master := bytes.Repeat([]byte{0x55}, 32)
	dataKey := bytes.Repeat([]byte{0x66}, 32)

	wrapped, err := WrapDataKey(dataKey, master)
	require.NoError(t, err)

	_, err = UnwrapDataKey(wrapped, bytes.Repeat([]byte{0x77}, 32))
	require.Error(t, err)
}

func TestTokenSignVerify(t *testing.T) {
	master := bytes.Repeat([]byte{0x88}, 32)
	verifier := NewTokenVerifier(master)

	token, err := verifier.Sign("machine-1", map[string]any{"machineId": "machine-1"})
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "machine-1", claims.UserID)
}

func TestTokenVerifyRejectsForeignSigner(t *testing.T) {
	signer := NewTokenVerifier(bytes.Repeat([]byte{0x88}, 32))
	verifier := NewTokenVerifier(bytes.Repeat([]byte{0x99}, 32))

	token, err := signer.Sign("machine-1", nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}
