package tuya

import (
  "reflect"
  "testing"

  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

func TestMapToReading_SGS01(t *testing.T) {
  tests := []struct {
    name string
    points map[uint8]any
    want device.Reading
  }{
    {
      name: "sample report",
      points: map[uint8]any{3: int32(215), 4: int32(42), 15: int32(88)},
      want: device.Reading{
        Temperature: 21.5,
        Moisture: 42,
        BatteryLevel: 88,
        HasTemperature: true,
        HasMoisture: true,
        HasBatteryLevel: true,
      },
    },
    {
      name: "negative temperature",
      points: map[uint8]any{3: int32(-35)},
      want: device.Reading{
        Temperature: -3.5,
        HasTemperature: true,
      },
    },
    {
      name: "battery state and unit",
      points: map[uint8]any{14: uint8(1), 9: uint8(1)},
      want: device.Reading{
        BatteryState: device.BatteryStateMedium,
        TemperatureUnit: device.TemperatureUnitFahrenheit,
        HasBatteryState: true,
        HasTemperatureUnit: true,
      },
    },
    {
      name: "unknown battery state",
      points: map[uint8]any{14: uint8(7), 9: uint8(0)},
      want: device.Reading{
        BatteryState: device.BatteryStateUnknown,
        TemperatureUnit: device.TemperatureUnitCelsius,
        HasBatteryState: true,
        HasTemperatureUnit: true,
      },
    },
    {
      name: "transform failure leaves field unset",
      points: map[uint8]any{3: "hot", 4: int32(50)},
      want: device.Reading{
        Moisture: 50,
        HasMoisture: true,
      },
    },
    {
      name: "unmapped points are kept raw",
      points: map[uint8]any{101: protocol.RawValue{0xca, 0xfe}},
      want: device.Reading{},
    },
  }

  for _, tt := range tests {
    tt.want.RawDataPoints = tt.points

    got := MapToReading(tt.points, SGS01.Table, nopLogger())

    if !reflect.DeepEqual(got, tt.want) {
      t.Fatalf("%s: MapToReading(%v): got %+#v, wanted %+#v", tt.name, tt.points, got, tt.want)
    }
  }
}

func TestMapToReading_EmptyInput(t *testing.T) {
  got := MapToReading(nil, SGS01.Table, nopLogger())

  if !got.IsEmpty() || got.HasTemperature || got.HasMoisture || got.HasBatteryLevel {
    t.Fatalf("MapToReading(nil): got %+#v, wanted an empty reading", got)
  }
}

func TestLookupModel(t *testing.T) {
  tests := []struct {
    name, productID string
    want *Model
    wantErr bool
  }{
    {name: "", productID: "", want: SGS01},
    {name: "SGS01", want: SGS01},
    {productID: "unknown-product", want: SGS01},
    {name: "thermostat", wantErr: true},
  }

  for _, tt := range tests {
    got, err := LookupModel(tt.name, tt.productID)

    if (err != nil) != tt.wantErr {
      t.Fatalf("LookupModel(%q, %q): got error %v, wanted error: %v", tt.name, tt.productID, err, tt.wantErr)
    }

    if got != tt.want {
      t.Fatalf("LookupModel(%q, %q): got %v, wanted %v", tt.name, tt.productID, got, tt.want)
    }
  }
}
