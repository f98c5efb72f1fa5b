package device_test

import (
  "reflect"
  "testing"

  "github.com/robertof/go-tuya-ble-exporter/device"
)

func TestReading_Fields(t *testing.T) {
  r := device.Reading{
    Temperature: 21.549999,
    Moisture: 42,
    BatteryLevel: 88,
    BatteryState: device.BatteryStateHigh,
    HasTemperature: true,
    HasMoisture: true,
    HasBatteryLevel: true,
    HasBatteryState: true,
  }

  got := r.Fields()
  want := map[string]any{
    "temperature": 21.5,
    "moisture": int32(42),
    "battery": int32(88),
    "battery_state": "high",
  }

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("Fields(): got %+#v, wanted %+#v", got, want)
  }
}

func TestReading_FieldsOnlySet(t *testing.T) {
  r := device.Reading{
    Moisture: 42,
    HasMoisture: true,
    // the unit is not published.
    TemperatureUnit: device.TemperatureUnitCelsius,
    HasTemperatureUnit: true,
  }

  got := r.Fields()
  want := map[string]any{"moisture": int32(42)}

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("Fields(): got %+#v, wanted %+#v", got, want)
  }
}

func TestReading_String(t *testing.T) {
  r := device.Reading{
    Temperature: 70.2,
    TemperatureUnit: device.TemperatureUnitFahrenheit,
    HasTemperature: true,
    HasTemperatureUnit: true,
    RawDataPoints: map[uint8]any{9: uint8(1), 3: int32(702)},
  }

  want := "Reading[Temperature=70.2F,DataPoints=[3 9]]"

  if got := r.String(); got != want {
    t.Fatalf("String(): got %q, wanted %q", got, want)
  }
}

func TestNewDeviceSpec(t *testing.T) {
  got := device.NewDeviceSpec(" addr = dc:23:4d:aa:bb:cc ,broken, local_key=a=b,scan=YES")
  want := device.DeviceSpec{
    "addr": "dc:23:4d:aa:bb:cc",
    "local_key": "a=b",
    "scan": "YES",
  }

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("NewDeviceSpec(): got %+#v, wanted %+#v", got, want)
  }

  if !got.Bool("scan") || got.Bool("strict_checksum") {
    t.Fatalf("Bool(): got scan=%v strict_checksum=%v, wanted true false",
      got.Bool("scan"), got.Bool("strict_checksum"))
  }
}
