package device

import (
	"errors"
	"net"
)

var (
  ErrInvalidData = errors.New("invalid data")
  ErrInvalidSpec = errors.New("invalid device spec")
)

type Flags uint8

const (
  FlagRequiresBleActiveScan Flags = 1 << iota
  // The device must advertise before a connection is attempted.
  FlagRequiresScanBeforeDial
)

type Device interface {
  Name() string
  // Stable identifier used by consumers (e.g. Home Assistant unique IDs).
  ID() string
  Addr() net.HardwareAddr
  Flags() Flags
  Backend() ActiveBackend
  String() string
}
