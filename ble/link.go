package ble

import (
  "context"
  "errors"
  "fmt"
  "net"

  "github.com/go-ble/ble"
  "github.com/rs/zerolog/log"
)

var (
  ErrServiceNotFound = errors.New("service not found")
  ErrCharacteristicNotFound = errors.New("characteristic not found")
  ErrDeviceNotFound = errors.New("device not found while scanning")
)

// LinkProfile identifies the GATT service and characteristics an application protocol runs on.
type LinkProfile struct {
  Service uint16
  Write uint16
  Notify uint16
}

func (p LinkProfile) String() string {
  return fmt.Sprintf("LinkProfile[Service=%04x,Write=%04x,Notify=%04x]", p.Service, p.Write, p.Notify)
}

// Link is a bidirectional byte pipe to a peripheral: writes go to one characteristic, notifications
// come from another. Notification callbacks run on the BLE stack's goroutine.
type Link interface {
  Write(data []byte) error
  Subscribe(onNotification func(data []byte)) error
  Disconnect() error
}

// Dialer establishes links to peripherals.
type Dialer interface {
  DialLink(ctx context.Context, addr net.HardwareAddr, profile LinkProfile) (Link, error)
}

type gattLink struct {
  client Client
  write *Characteristic
  notify *Characteristic

  // pooled connections outlive the link, so Disconnect only drops the subscription.
  pooled bool
}

// DialLink connects to the device (through the connection pool, if enabled), discovers its profile
// and binds the characteristics of the requested link profile.
func (h *Handle) DialLink(ctx context.Context, addr net.HardwareAddr, p LinkProfile) (Link, error) {
  if h.scanBeforeDial {
    found := false

    err := h.ScanAddresses(ctx, []net.HardwareAddr{addr}, func(a Advertisement) bool {
      found = true
      return true
    })

    if !found {
      if err == nil {
        err = ctx.Err()
      }

      return nil, fmt.Errorf("%w: %v: %v", ErrDeviceNotFound, addr, err)
    }
  }

  client, err := h.Connect(ctx, addr)

  if err != nil {
    return nil, fmt.Errorf("failed to connect to %v: %w", addr, err)
  }

  link, err := bindLink(client, p)

  if err != nil {
    // a half-bound connection is useless, do not leave it in the pool.
    h.dropConnection(addr)
    client.CancelConnection()

    return nil, err
  }

  link.pooled = h.connPool != nil

  return link, nil
}

func bindLink(client Client, p LinkProfile) (*gattLink, error) {
  profile, err := client.DiscoverProfile(false)

  if err != nil {
    return nil, fmt.Errorf("cannot discover profile for device: %w", err)
  }

  link := &gattLink{client: client}
  foundService := false

  for _, svc := range profile.Services {
    if !svc.UUID.Equal(ble.UUID16(p.Service)) {
      continue
    }

    foundService = true

    for _, char := range svc.Characteristics {
      switch {
      case char.UUID.Equal(ble.UUID16(p.Write)):
        link.write = char
      case char.UUID.Equal(ble.UUID16(p.Notify)):
        link.notify = char
      }
    }
  }

  if !foundService {
    return nil, fmt.Errorf("%w: %04x", ErrServiceNotFound, p.Service)
  }

  if link.write == nil || link.notify == nil {
    return nil, fmt.Errorf("%w: %v", ErrCharacteristicNotFound, p)
  }

  log.Trace().
    Str("Addr", client.Addr().String()).
    Stringer("Profile", p).
    Msg("ble: link characteristics bound")

  return link, nil
}

func (l *gattLink) Write(data []byte) error {
  return l.client.WriteCharacteristic(l.write, data, true)
}

func (l *gattLink) Subscribe(onNotification func([]byte)) error {
  return l.client.Subscribe(l.notify, false, func(req []byte) {
    data := make([]byte, len(req))
    copy(data, req)

    onNotification(data)
  })
}

func (l *gattLink) Disconnect() error {
  if l.pooled {
    return l.client.Unsubscribe(l.notify, false)
  }

  return l.client.CancelConnection()
}

var _ Dialer = (*Handle)(nil)
