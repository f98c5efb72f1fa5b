package tuya

import (
  "context"
  "fmt"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/device"
)

type backendActive struct {
  cfg SessionConfig
}

// Read opens a session, reads once and disconnects. An empty reading is reported as invalid data
// so that the collector retries the device.
func (b *backendActive) Read(ctx context.Context, dialer ble.Dialer) (r device.Reading, err error) {
  session, err := Connect(ctx, dialer, b.cfg)

  if err != nil {
    return r, err
  }

  defer func() {
    if dErr := session.Disconnect(); dErr != nil {
      session.log.Debug().Err(dErr).Msg("tuya: disconnect failed")
    }
  }()

  reading, err := session.ReadReading(ctx)

  if err != nil {
    return r, fmt.Errorf("failed to read data points: %w", err)
  }

  if reading.IsEmpty() {
    return *reading, fmt.Errorf("%w: no data points received (handshake state: %v)",
      device.ErrInvalidData, session.HandshakeState())
  }

  return *reading, nil
}
