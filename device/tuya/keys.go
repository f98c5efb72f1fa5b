package tuya

import (
  "sync"

  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

// keyState holds the key material of one connection. The static key is fixed at construction;
// the session key is set at most once, when the handshake reaches the paired state.
type keyState struct {
  mu sync.RWMutex
  static []byte
  session []byte
}

func newKeyState(localKey []byte) *keyState {
  return &keyState{
    static: protocol.DeriveStaticKey(localKey),
  }
}

func (k *keyState) Static() []byte {
  return k.static
}

// Session returns the negotiated session key, or nil while unpaired.
func (k *keyState) Session() []byte {
  k.mu.RLock()
  defer k.mu.RUnlock()

  return k.session
}

// Active returns the key outbound encrypted payloads use.
func (k *keyState) Active() []byte {
  if session := k.Session(); session != nil {
    return session
  }

  return k.static
}

func (k *keyState) adoptSession(key []byte) {
  k.mu.Lock()
  defer k.mu.Unlock()

  k.session = make([]byte, protocol.KeySize)
  copy(k.session, key)
}

func (k *keyState) clear() {
  k.mu.Lock()
  defer k.mu.Unlock()

  k.session = nil
}
