package tuya

import (
  "fmt"
  "sort"
  "strings"

  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
  "github.com/rs/zerolog"
)

// Transform stores a decoded data point value into its reading field.
type Transform func(r *device.Reading, value any) error

type PointMapping struct {
  Name string
  Type protocol.DataPointType
  Apply Transform
}

// PointTable maps data point IDs to reading fields for one device model.
type PointTable map[uint8]PointMapping

type Model struct {
  Name string
  ProductIDs []string
  Table PointTable

  // Written when a query yields no data points, to make the device report. Nil disables the
  // fallback.
  TriggerUpdate *protocol.DataPoint
}

func (m *Model) String() string {
  return m.Name
}

var batteryStates = []device.BatteryState{
  device.BatteryStateLow,
  device.BatteryStateMedium,
  device.BatteryStateHigh,
}

func asInt32(id uint8, v any) (int32, error) {
  i, ok := v.(int32)

  if !ok {
    return 0, fmt.Errorf("dp %d: expected integer, got %T", id, v)
  }

  return i, nil
}

func asEnum(id uint8, v any) (uint8, error) {
  e, ok := v.(uint8)

  if !ok {
    return 0, fmt.Errorf("dp %d: expected enum, got %T", id, v)
  }

  return e, nil
}

// SGS01 is the soil moisture and temperature sensor.
var SGS01 = &Model{
  Name: "sgs01",
  TriggerUpdate: &protocol.DataPoint{ID: 9, Type: protocol.DataPointTypeEnum, Value: uint8(0)},
  Table: PointTable{
    3: {
      Name: "temperature",
      Type: protocol.DataPointTypeValue,
      Apply: func(r *device.Reading, v any) error {
        i, err := asInt32(3, v)

        if err != nil {
          return err
        }

        // reported in tenths of a degree
        r.Temperature = float32(i) / 10
        r.HasTemperature = true

        return nil
      },
    },
    4: {
      Name: "moisture",
      Type: protocol.DataPointTypeValue,
      Apply: func(r *device.Reading, v any) (err error) {
        r.Moisture, err = asInt32(4, v)
        r.HasMoisture = err == nil

        return err
      },
    },
    15: {
      Name: "battery",
      Type: protocol.DataPointTypeValue,
      Apply: func(r *device.Reading, v any) (err error) {
        r.BatteryLevel, err = asInt32(15, v)
        r.HasBatteryLevel = err == nil

        return err
      },
    },
    14: {
      Name: "battery_state",
      Type: protocol.DataPointTypeEnum,
      Apply: func(r *device.Reading, v any) error {
        e, err := asEnum(14, v)

        if err != nil {
          return err
        }

        r.BatteryState = device.BatteryStateUnknown

        if int(e) < len(batteryStates) {
          r.BatteryState = batteryStates[e]
        }

        r.HasBatteryState = true

        return nil
      },
    },
    9: {
      Name: "temp_unit",
      Type: protocol.DataPointTypeEnum,
      Apply: func(r *device.Reading, v any) error {
        e, err := asEnum(9, v)

        if err != nil {
          return err
        }

        r.TemperatureUnit = device.TemperatureUnitFahrenheit

        if e == 0 {
          r.TemperatureUnit = device.TemperatureUnitCelsius
        }

        r.HasTemperatureUnit = true

        return nil
      },
    },
  },
}

var models = []*Model{SGS01}

// LookupModel finds a model by name or, failing that, by product ID. With neither given, the
// first registered model is returned.
func LookupModel(name, productID string) (*Model, error) {
  if name == "" && productID == "" {
    return models[0], nil
  }

  for _, m := range models {
    if name != "" && strings.EqualFold(m.Name, name) {
      return m, nil
    }

    for _, id := range m.ProductIDs {
      if productID != "" && id == productID {
        return m, nil
      }
    }
  }

  if name == "" {
    // unknown product IDs fall back to the default table.
    return models[0], nil
  }

  return nil, fmt.Errorf("unknown model %q", name)
}

func ModelNames() []string {
  names := make([]string, len(models))

  for i, m := range models {
    names[i] = m.Name
  }

  return names
}

// MapToReading projects accumulated data points through a table. Transform failures are logged and
// leave the field unset; unmapped points only end up in RawDataPoints.
func MapToReading(points map[uint8]any, table PointTable, log zerolog.Logger) device.Reading {
  r := device.Reading{
    RawDataPoints: make(map[uint8]any, len(points)),
  }

  ids := make([]int, 0, len(points))

  for id, v := range points {
    r.RawDataPoints[id] = v
    ids = append(ids, int(id))
  }

  sort.Ints(ids)

  for _, id := range ids {
    mapping, ok := table[uint8(id)]

    if !ok {
      continue
    }

    if err := mapping.Apply(&r, points[uint8(id)]); err != nil {
      log.Warn().
        Err(err).
        Int("DataPoint", id).
        Str("Field", mapping.Name).
        Msg("tuya: failed to map data point")
    }
  }

  return r
}
