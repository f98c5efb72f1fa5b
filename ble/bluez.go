package ble

import (
  "context"
  "fmt"
  "net"
  "strings"
  "sync"

  "github.com/rs/zerolog/log"
  "tinygo.org/x/bluetooth"
)

// BluezAdapter dials links through BlueZ over D-Bus rather than a raw HCI socket, which allows
// sharing the adapter with bluetoothd.
type BluezAdapter struct {
  adapter *bluetooth.Adapter

  enableOnce sync.Once
  enableErr error
}

func NewBluezAdapter() *BluezAdapter {
  return &BluezAdapter{
    adapter: bluetooth.DefaultAdapter,
  }
}

func (a *BluezAdapter) enable() error {
  a.enableOnce.Do(func() {
    a.enableErr = a.adapter.Enable()
  })

  return a.enableErr
}

type bluezLink struct {
  device bluetooth.Device
  write bluetooth.DeviceCharacteristic
  notify bluetooth.DeviceCharacteristic
}

func (a *BluezAdapter) DialLink(ctx context.Context, addr net.HardwareAddr, p LinkProfile) (Link, error) {
  if err := a.enable(); err != nil {
    return nil, fmt.Errorf("failed to enable bluez adapter: %w", err)
  }

  mac, err := bluetooth.ParseMAC(addr.String())

  if err != nil {
    return nil, fmt.Errorf("invalid address %v: %w", addr, err)
  }

  // Connect blocks with its own timeout, so race it against the context.
  type connectResult struct {
    device bluetooth.Device
    err error
  }

  ch := make(chan connectResult, 1)

  go func() {
    device, err := a.adapter.Connect(
      bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}},
      bluetooth.ConnectionParams{},
    )
    ch <- connectResult{device, err}
  }()

  var device bluetooth.Device

  select {
  case <-ctx.Done():
    failedConnectionsCounter.Inc()

    // reap the connection if it eventually succeeds.
    go func() {
      if res := <-ch; res.err == nil {
        res.device.Disconnect()
      }
    }()

    return nil, fmt.Errorf("failed to connect to %v: %w", addr, ctx.Err())
  case res := <-ch:
    if res.err != nil {
      failedConnectionsCounter.Inc()
      return nil, fmt.Errorf("failed to connect to %v: %w", addr, res.err)
    }

    device = res.device
  }

  successfulConnectionsCounter.Inc()

  link, err := bindBluezLink(device, p)

  if err != nil {
    device.Disconnect()
    return nil, err
  }

  log.Trace().
    Stringer("Addr", addr).
    Stringer("Profile", p).
    Msg("ble: bluez link characteristics bound")

  return link, nil
}

func bindBluezLink(device bluetooth.Device, p LinkProfile) (*bluezLink, error) {
  svcs, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(p.Service)})

  if err != nil {
    return nil, fmt.Errorf("cannot discover services for device: %w", err)
  }

  if len(svcs) == 0 {
    return nil, fmt.Errorf("%w: %04x", ErrServiceNotFound, p.Service)
  }

  chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{
    bluetooth.New16BitUUID(p.Write),
    bluetooth.New16BitUUID(p.Notify),
  })

  if err != nil {
    return nil, fmt.Errorf("cannot discover characteristics for device: %w", err)
  }

  link := &bluezLink{device: device}
  foundWrite, foundNotify := false, false

  for _, char := range chars {
    switch char.UUID() {
    case bluetooth.New16BitUUID(p.Write):
      link.write = char
      foundWrite = true
    case bluetooth.New16BitUUID(p.Notify):
      link.notify = char
      foundNotify = true
    }
  }

  if !foundWrite || !foundNotify {
    return nil, fmt.Errorf("%w: %v", ErrCharacteristicNotFound, p)
  }

  return link, nil
}

func (l *bluezLink) Write(data []byte) error {
  _, err := l.write.WriteWithoutResponse(data)
  return err
}

func (l *bluezLink) Subscribe(onNotification func([]byte)) error {
  return l.notify.EnableNotifications(func(buf []byte) {
    data := make([]byte, len(buf))
    copy(data, buf)

    onNotification(data)
  })
}

func (l *bluezLink) Disconnect() error {
  disconnectsCounter.Inc()
  return l.device.Disconnect()
}

func (a *BluezAdapter) ScanService(ctx context.Context, service uint16, onDevice func(Sighting)) error {
  if err := a.enable(); err != nil {
    return fmt.Errorf("failed to enable bluez adapter: %w", err)
  }

  uuid := bluetooth.New16BitUUID(service)
  done := make(chan struct{})
  defer close(done)

  // Scan blocks until StopScan.
  go func() {
    select {
    case <-ctx.Done():
      a.adapter.StopScan()
    case <-done:
    }
  }()

  err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
    if !r.HasServiceUUID(uuid) {
      return
    }

    onDevice(Sighting{
      Addr: strings.ToLower(r.Address.String()),
      Name: r.LocalName(),
      RSSI: int(r.RSSI),
    })
  })

  if err != nil {
    return fmt.Errorf("failed to scan: %w", err)
  }

  return nil
}

var (
  _ Dialer = (*BluezAdapter)(nil)
  _ Scanner = (*BluezAdapter)(nil)
)
