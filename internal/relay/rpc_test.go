package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tavrael/tether/internal/wire"
)

// reversible toy cipher so the test can verify both directions without
// real keys.
func testEncrypt(plain []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(plain), nil
}

func testDecrypt(cipher string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(cipher)
}

func callRPC(t *testing.T, m *RPCManager, method, params string) any {
	t.Helper()
	respCh := make(chan any, 1)
	m.handleRPCCall(map[string]interface{}{
		"method": method,
		"params": params,
	}, func(resp ...any) {
		if len(resp) > 0 {
			respCh <- resp[0]
		} else {
			respCh <- nil
		}
	})
	select {
	case resp := <-respCh:
		return resp
	case <-time.After(time.Second):
		t.Fatal("rpc callback not invoked")
		return nil
	}
}

func TestRPCDispatchEncrypted(t *testing.T) {
	m := NewRPCManager(nil)
	m.SetEncryption(testEncrypt, testDecrypt)

	var got wire.PermissionResponseRequest
	m.handlers["sess-1:permission"] = func(params json.RawMessage) (json.RawMessage, error) {
		if err := json.Unmarshal(params, &got); err != nil {
			return nil, err
		}
		return json.Marshal(wire.RPCResult{OK: true})
	}

	paramsPlain, _ := json.Marshal(wire.PermissionResponseRequest{
		RequestID: "call_1",
		Allow:     true,
	})
	encParams, _ := testEncrypt(paramsPlain)

	resp := callRPC(t, m, "sess-1:permission", encParams)

	require.Equal(t, "call_1", got.RequestID)
	require.True(t, got.Allow)

	encResp, ok := resp.(string)
	require.True(t, ok, "encrypted response expected, got %T", resp)
	plain, err := testDecrypt(encResp)
	require.NoError(t, err)

	var result wire.RPCResult
	require.NoError(t, json.Unmarshal(plain, &result))
	require.True(t, result.OK)
}

func TestRPCUnknownMethod(t *testing.T) {
	m := NewRPCManager(nil)

	resp := callRPC(t, m, "sess-1:nope", "")
	errResp, ok := resp.(wire.ErrorResponse)
	require.True(t, ok)
	require.Contains(t, errResp.Error, "unknown method")
}

func TestRPCPlainParamsFallback(t *testing.T) {
	m := NewRPCManager(nil)
	m.SetEncryption(testEncrypt, func(string) ([]byte, error) {
		return nil, fmt.Errorf("bad cipher")
	})

	m.handlers["sess-1:mode"] = func(params json.RawMessage) (json.RawMessage, error) {
		var req wire.SetModeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return json.Marshal(wire.RPCResult{OK: req.PermissionMode == "yolo"})
	}

	// Valid JSON that fails decryption is accepted as plaintext, and the
	// response stays plaintext too.
	resp := callRPC(t, m, "sess-1:mode", `{"permissionMode":"yolo"}`)
	raw, ok := resp.(json.RawMessage)
	require.True(t, ok, "plaintext response expected, got %T", resp)

	var result wire.RPCResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.True(t, result.OK)
}

func TestRPCHandlerError(t *testing.T) {
	m := NewRPCManager(nil)
	m.handlers["sess-1:abort"] = func(params json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("nothing in flight")
	}

	resp := callRPC(t, m, "sess-1:abort", "")
	errResp, ok := resp.(wire.ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "nothing in flight", errResp.Error)
}

func TestRegisterUnregister(t *testing.T) {
	m := NewRPCManager(nil)
	m.RegisterHandler("sess-1:abort", func(json.RawMessage) (json.RawMessage, error) { return nil, nil })
	require.Contains(t, m.handlers, "sess-1:abort")

	m.UnregisterHandler("sess-1:abort")
	require.NotContains(t, m.handlers, "sess-1:abort")
}
