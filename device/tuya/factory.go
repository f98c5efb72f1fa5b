package tuya

import (
  "fmt"
  "net"
  "strings"

  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

const (
  specFieldDeviceID = "device_id"
  specFieldLocalKey = "local_key"
  specFieldUUID = "uuid"
  specFieldProductID = "product_id"
  specFieldModel = "model"
  specFieldStrictChecksum = "strict_checksum"
  specFieldScan = "scan"
)

type Factory struct {
  // Template for every device's session: timeouts, checksum mode and logger.
  Defaults SessionConfig
}

func (f *Factory) FromSpec(spec device.DeviceSpec) (device.Device, error) {
  addr := spec.Addr()

  hwAddr, err := net.ParseMAC(addr)
  if err != nil {
    return nil, fmt.Errorf("%w: invalid addr: %w", device.ErrInvalidSpec, err)
  }

  for _, field := range []string{specFieldDeviceID, specFieldLocalKey} {
    if spec[field] == "" {
      return nil, fmt.Errorf("%w: %q is required", device.ErrInvalidSpec, field)
    }
  }

  model, err := LookupModel(spec[specFieldModel], spec[specFieldProductID])
  if err != nil {
    return nil, fmt.Errorf("%w: %w", device.ErrInvalidSpec, err)
  }

  d := Device{
    addr: hwAddr,
    deviceID: spec[specFieldDeviceID],
    model: model,
  }

  suffix := strings.ToLower(strings.ReplaceAll(addr, ":", ""))

  if name := spec.Name(); name != "" {
    d.name = name
  } else {
    d.name = model.Name + "-" + suffix
  }

  if id := spec.ID(); id != "" {
    d.id = id
  } else {
    d.id = model.Name + "_" + suffix
  }

  if spec.Bool(specFieldScan) {
    d.flags |= device.FlagRequiresScanBeforeDial
  }

  cfg := f.Defaults
  cfg.Address = hwAddr
  cfg.DeviceID = spec[specFieldDeviceID]
  cfg.LocalKey = spec[specFieldLocalKey]
  cfg.UUID = spec[specFieldUUID]
  cfg.ProductID = spec[specFieldProductID]
  cfg.Model = model
  cfg.StrictChecksum = cfg.StrictChecksum || spec.Bool(specFieldStrictChecksum)

  var logger zerolog.Logger

  if cfg.Logger != nil {
    logger = *cfg.Logger
  } else {
    logger = log.Logger
  }

  logger = logger.With().Str("Device", d.name).Logger()
  cfg.Logger = &logger

  d.backend = &backendActive{cfg: cfg}

  log.Debug().Stringer("Device", &d).Msg("tuya: configured device")

  return &d, nil
}

func (f *Factory) Help() string {
  return `Supported parameters:
addr (string, required): MAC address of this Tuya BLE device
device_id (string, required): Tuya device ID
local_key (string, required): Tuya local key
uuid (string): Connection identifier used for pairing. Defaults to device_id
product_id (string): Tuya product ID, used to select the data point table
model (string): Data point table to use (` + strings.Join(ModelNames(), ", ") + `)
name (string): Name of this device
unique_id (string): Stable identifier used for MQTT topics
scan (bool): Wait for an advertisement before connecting
strict_checksum (bool): Drop frames with a missing or invalid checksum`
}
