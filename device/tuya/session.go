package tuya

import (
  "context"
  "crypto/rand"
  "errors"
  "fmt"
  "io"
  "net"
  "sync"
  "sync/atomic"
  "time"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
  "github.com/rs/zerolog"
)

// GATT profile of the Tuya BLE service.
var LinkProfile = ble.LinkProfile{
  Service: 0x1910,
  Write: 0x2b11,
  Notify: 0x2b10,
}

const (
  DefaultConnectTimeout = 30 * time.Second
  DefaultHandshakeTimeout = 10 * time.Second
  DefaultQueryTimeout = 10 * time.Second
  DefaultTriggerTimeout = 5 * time.Second
)

type SessionConfig struct {
  Address net.HardwareAddr
  DeviceID string
  LocalKey string
  // Connection identifier sent during pairing. Defaults to DeviceID.
  UUID string
  ProductID string
  // Defaults to the model matching ProductID.
  Model *Model

  ConnectTimeout time.Duration
  HandshakeTimeout time.Duration
  QueryTimeout time.Duration
  TriggerTimeout time.Duration

  // Drop frames whose checksum trailer is missing or does not match.
  StrictChecksum bool

  // Defaults to a no-op logger.
  Logger *zerolog.Logger
  // Source of the pairing nonce. Defaults to crypto/rand.
  Rand io.Reader
}

func (c SessionConfig) withDefaults() (SessionConfig, error) {
  if c.ConnectTimeout <= 0 {
    c.ConnectTimeout = DefaultConnectTimeout
  }

  if c.HandshakeTimeout <= 0 {
    c.HandshakeTimeout = DefaultHandshakeTimeout
  }

  if c.QueryTimeout <= 0 {
    c.QueryTimeout = DefaultQueryTimeout
  }

  if c.TriggerTimeout <= 0 {
    c.TriggerTimeout = DefaultTriggerTimeout
  }

  if c.Rand == nil {
    c.Rand = rand.Reader
  }

  if c.Logger == nil {
    nop := zerolog.Nop()
    c.Logger = &nop
  }

  if c.Model == nil {
    m, err := LookupModel("", c.ProductID)

    if err != nil {
      return c, err
    }

    c.Model = m
  }

  return c, nil
}

func (c SessionConfig) connectionIdentifier() string {
  if c.UUID != "" {
    return c.UUID
  }

  return c.DeviceID
}

// Session is one connection to one device. Key material and accumulated data points belong to
// the session and are discarded on Disconnect.
type Session struct {
  cfg SessionConfig
  log zerolog.Logger

  link ble.Link
  keys *keyState
  router *Router
  handshake *handshake

  // serializes exchanges issued through the session.
  mu sync.Mutex

  disconnectOnce sync.Once
  disconnectErr error
  closed atomic.Bool
}

// Connect dials the device, subscribes to its notifications and attempts pairing. A pairing
// timeout or rejection is not fatal: the session then keeps using the static key.
func Connect(ctx context.Context, dialer ble.Dialer, cfg SessionConfig) (*Session, error) {
  cfg, err := cfg.withDefaults()

  if err != nil {
    return nil, err
  }

  log := cfg.Logger.With().Stringer("Addr", cfg.Address).Logger()

  dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
  defer cancel()

  log.Debug().Dur("ConnectTimeout", cfg.ConnectTimeout).Msg("tuya: dialing device")

  link, err := dialer.DialLink(dialCtx, cfg.Address, LinkProfile)

  if err != nil {
    return nil, fmt.Errorf("%w: dial %v: %w", ErrLink, cfg.Address, err)
  }

  keys := newKeyState([]byte(cfg.LocalKey))
  router := newRouter(link, keys, log, cfg.StrictChecksum)

  s := &Session{
    cfg: cfg,
    log: log,
    link: link,
    keys: keys,
    router: router,
    handshake: newHandshake(router, keys, log, cfg.connectionIdentifier(), cfg.Rand, cfg.HandshakeTimeout),
  }

  if err := link.Subscribe(router.HandleNotification); err != nil {
    s.Disconnect()
    return nil, fmt.Errorf("%w: subscribe: %w", ErrLink, err)
  }

  if err := s.handshake.Pair(ctx); err != nil {
    if errors.Is(err, ErrLink) || ctx.Err() != nil {
      s.Disconnect()
      return nil, fmt.Errorf("pairing failed: %w", err)
    }

    log.Warn().Err(err).Msg("tuya: pairing failed, continuing with the static key")
  }

  return s, nil
}

func (s *Session) HandshakeState() HandshakeState {
  return s.handshake.State()
}

func (s *Session) Paired() bool {
  return s.HandshakeState() == HandshakeStatePaired
}

// ReadReading queries the device and projects whatever data points arrived through the model's
// table. Timeouts degrade to a partial or empty reading; a nil reading is only returned alongside
// an error.
func (s *Session) ReadReading(ctx context.Context) (*device.Reading, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.closed.Load() {
    return nil, ErrNotConnected
  }

  if err := s.runQuery(ctx); err != nil {
    return nil, err
  }

  reading := MapToReading(s.router.DataPoints(), s.cfg.Model.Table, s.log)

  return &reading, nil
}

type DeviceInfo struct {
  Payload []byte
  // Payload was decrypted with the active key.
  Decrypted bool
}

// DeviceInfo requests the device information record. The payload is decrypted with the active key
// when possible and returned as received otherwise.
func (s *Session) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.closed.Load() {
    return nil, ErrNotConnected
  }

  resp, err := s.router.SendAndAwait(
    ctx,
    protocol.CommandDeviceInfoRequest,
    nil,
    []protocol.Command{protocol.CommandDeviceInfoResponse},
    s.cfg.QueryTimeout,
  )

  if err != nil {
    return nil, fmt.Errorf("device info: %w", err)
  }

  if decrypted, err := protocol.Decrypt(s.keys.Active(), resp); err == nil {
    return &DeviceInfo{Payload: decrypted, Decrypted: true}, nil
  }

  return &DeviceInfo{Payload: resp}, nil
}

// Disconnect releases the link and drops the session's key material. Safe to call more than once.
func (s *Session) Disconnect() error {
  s.disconnectOnce.Do(func() {
    s.closed.Store(true)
    s.keys.clear()
    s.router.ResetDataPoints()

    s.log.Debug().Msg("tuya: disconnecting")

    if err := s.link.Disconnect(); err != nil {
      s.disconnectErr = fmt.Errorf("%w: disconnect: %w", ErrLink, err)
    }
  })

  return s.disconnectErr
}
