package tuya

import (
  "fmt"
  "net"

  "github.com/robertof/go-tuya-ble-exporter/device"
)

type Device struct {
  name string
  id string
  addr net.HardwareAddr
  flags device.Flags

  deviceID string
  model *Model

  backend *backendActive
}

func (d *Device) Name() string {
  return d.name
}

func (d *Device) ID() string {
  return d.id
}

func (d *Device) Addr() net.HardwareAddr {
  return d.addr
}

func (d *Device) Flags() device.Flags {
  return d.flags
}

func (d *Device) Backend() device.ActiveBackend {
  return d.backend
}

func (d *Device) Model() *Model {
  return d.model
}

func (d *Device) DeviceID() string {
  return d.deviceID
}

func (d *Device) String() string {
  return fmt.Sprintf("tuya[name=%q, addr=%v, model=%v]", d.name, d.addr.String(), d.model)
}
