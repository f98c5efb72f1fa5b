package metrics_test

import (
  "net"
  "testing"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/testutil"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/metrics"
)

type fakeDevice struct{}

func (fakeDevice) Name() string { return "basil" }
func (fakeDevice) ID() string { return "sgs01_basil" }
func (fakeDevice) Addr() net.HardwareAddr { return nil }
func (fakeDevice) Flags() device.Flags { return 0 }
func (fakeDevice) Backend() device.ActiveBackend { return nil }
func (fakeDevice) String() string { return "fake" }

func TestRegisterCollector(t *testing.T) {
  reading := device.Reading{
    Temperature: 21.5,
    Moisture: 42,
    BatteryLevel: 88,
    BatteryState: device.BatteryStateUnknown,
    HasTemperature: true,
    HasMoisture: true,
    HasBatteryLevel: true,
    HasBatteryState: true,
    RawDataPoints: map[uint8]any{3: int32(215), 4: int32(42), 15: int32(88), 14: uint8(9)},
  }

  reg := prometheus.NewPedanticRegistry()
  metrics.RegisterCollector(func() (map[device.Device]device.Reading, time.Time) {
    return map[device.Device]device.Reading{fakeDevice{}: reading}, time.Now()
  }, reg)

  count, err := testutil.GatherAndCount(reg)

  if err != nil {
    t.Fatalf("GatherAndCount(): got error: %v", err)
  }

  if count != 5 {
    t.Fatalf("GatherAndCount(): got %d metrics, wanted 5", count)
  }

  families, err := reg.Gather()

  if err != nil {
    t.Fatalf("Gather(): got error: %v", err)
  }

  want := map[string]float64{
    "sensor_temperature_degrees": 21.5,
    "sensor_soil_moisture_ratio": 0.42,
    "sensor_battery_ratio": 0.88,
    "sensor_battery_state_info": -1,
    "sensor_data_points": 4,
  }

  for _, mf := range families {
    wantValue, ok := want[mf.GetName()]

    if !ok {
      t.Fatalf("unexpected metric %q", mf.GetName())
    }

    if got := mf.GetMetric()[0].GetGauge().GetValue(); got != wantValue {
      t.Fatalf("%s: got %v, wanted %v", mf.GetName(), got, wantValue)
    }
  }
}

func TestRegisterCollector_PartialReading(t *testing.T) {
  reading := device.Reading{
    Moisture: 10,
    HasMoisture: true,
    RawDataPoints: map[uint8]any{4: int32(10)},
  }

  reg := prometheus.NewPedanticRegistry()
  metrics.RegisterCollector(func() (map[device.Device]device.Reading, time.Time) {
    return map[device.Device]device.Reading{fakeDevice{}: reading}, time.Now()
  }, reg)

  count, err := testutil.GatherAndCount(reg, "sensor_temperature_degrees", "sensor_soil_moisture_ratio")

  if err != nil {
    t.Fatalf("GatherAndCount(): got error: %v", err)
  }

  if count != 1 {
    t.Fatalf("GatherAndCount(): got %d metrics, wanted 1", count)
  }
}
