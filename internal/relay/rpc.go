package relay

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/tavrael/tether/internal/wire"
	"github.com/tavrael/tether/pkg/logger"
)

// RPCHandler handles a decrypted RPC call and returns a plaintext response.
type RPCHandler func(params json.RawMessage) (json.RawMessage, error)

// RPCManager registers session-scoped RPC methods with the relay and
// dispatches incoming rpc-request events to their handlers.
type RPCManager struct {
	client   *Client
	handlers map[string]RPCHandler
	mu       sync.RWMutex

	encryptFunc func([]byte) (string, error)
	decryptFunc func(string) ([]byte, error)
}

// NewRPCManager creates an RPC manager bound to a relay client.
func NewRPCManager(client *Client) *RPCManager {
	return &RPCManager{
		client:   client,
		handlers: make(map[string]RPCHandler),
	}
}

// SetEncryption sets the encryption/decryption functions for RPC bodies.
func (m *RPCManager) SetEncryption(
	encryptFunc func([]byte) (string, error),
	decryptFunc func(string) ([]byte, error),
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encryptFunc = encryptFunc
	m.decryptFunc = decryptFunc
}

// RegisterHandler registers an RPC handler for a method.
// Method names include a scope prefix like "sessionId:methodName".
func (m *RPCManager) RegisterHandler(method string, handler RPCHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
	logger.Debugf("relay: registered RPC handler %s", method)
	if m.client != nil && m.client.IsConnected() {
		_ = m.client.EmitRaw("rpc-register", wire.RPCRegisterPayload{Method: method})
	}
}

// RegisterAll re-registers all handlers for the current connection.
func (m *RPCManager) RegisterAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.client == nil || !m.client.IsConnected() {
		return
	}
	for method := range m.handlers {
		_ = m.client.EmitRaw("rpc-register", wire.RPCRegisterPayload{Method: method})
	}
}

// UnregisterHandler removes an RPC handler.
func (m *RPCManager) UnregisterHandler(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, method)
}

// SetupSocketHandlers installs the rpc-request listener and re-registers
// handlers on reconnect.
func (m *RPCManager) SetupSocketHandlers(sock interface{}) {
	s, ok := sock.(interface {
		On(types.EventName, ...types.EventListener) error
	})
	if !ok {
		logger.Warnf("relay: failed to set up RPC handlers: invalid socket type")
		return
	}

	_ = s.On(types.EventName("connect"), func(args ...any) {
		m.RegisterAll()
	})

	_ = s.On(types.EventName("rpc-request"), func(args ...any) {
		if len(args) < 2 {
			logger.Debugf("relay: invalid RPC call: not enough arguments")
			return
		}

		data, ok := args[0].(map[string]interface{})
		if !ok {
			logger.Debugf("relay: invalid RPC call: data is not a map (%T)", args[0])
			return
		}

		var callback func(...any)
		if cb, ok := args[len(args)-1].(func(...any)); ok {
			callback = cb
		} else if cb, ok := args[len(args)-1].(func([]any, error)); ok {
			callback = func(resp ...any) {
				cb(resp, nil)
			}
		} else {
			cbVal := reflect.ValueOf(args[len(args)-1])
			cbType := cbVal.Type()
			errorType := reflect.TypeOf((*error)(nil)).Elem()
			if cbVal.IsValid() && cbVal.Kind() == reflect.Func &&
				cbType.NumIn() == 2 &&
				cbType.In(0).Kind() == reflect.Slice &&
				cbType.In(0).Elem().Kind() == reflect.Interface &&
				cbType.In(1) == errorType {
				callback = func(resp ...any) {
					cbVal.Call([]reflect.Value{
						reflect.ValueOf(resp),
						reflect.Zero(errorType),
					})
				}
			} else {
				logger.Debugf("relay: invalid RPC call: no callback function")
				return
			}
		}

		go m.handleRPCCall(data, callback)
	})
}

func (m *RPCManager) handleRPCCall(data map[string]interface{}, callback func(...any)) {
	method, _ := data["method"].(string)
	params, _ := data["params"].(string)

	logger.Debugf("relay: RPC call %s", method)

	m.mu.RLock()
	handler, ok := m.handlers[method]
	decryptFunc := m.decryptFunc
	encryptFunc := m.encryptFunc
	m.mu.RUnlock()

	if !ok {
		callback(wire.ErrorResponse{Error: fmt.Sprintf("unknown method: %s", method)})
		return
	}

	var paramsJSON json.RawMessage
	usedPlainParams := false
	if params != "" && decryptFunc != nil {
		decrypted, err := decryptFunc(params)
		if err != nil {
			if json.Valid([]byte(params)) {
				// Accept plain JSON for legacy/test clients.
				paramsJSON = json.RawMessage(params)
				usedPlainParams = true
			} else {
				logger.Debugf("relay: failed to decrypt RPC params: %v", err)
				callback(wire.ErrorResponse{Error: "decryption failed"})
				return
			}
		}
		if paramsJSON == nil {
			paramsJSON = json.RawMessage(decrypted)
		}
	} else if params != "" {
		paramsJSON = json.RawMessage(params)
	}

	result, err := handler(paramsJSON)
	if err != nil {
		logger.Debugf("relay: RPC handler error: %v", err)
		callback(wire.ErrorResponse{Error: err.Error()})
		return
	}

	var response interface{}
	if encryptFunc != nil && result != nil && !usedPlainParams {
		encrypted, err := encryptFunc(result)
		if err != nil {
			callback(wire.ErrorResponse{Error: "encryption failed"})
			return
		}
		response = encrypted
	} else {
		response = result
	}

	callback(response)
}
