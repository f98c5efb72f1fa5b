package device

import (
  "fmt"
  "math"
  "sort"
  "strings"
)

type BatteryState string

const (
  BatteryStateLow BatteryState = "low"
  BatteryStateMedium BatteryState = "medium"
  BatteryStateHigh BatteryState = "high"
  BatteryStateUnknown BatteryState = "unknown"
)

type TemperatureUnit string

const (
  TemperatureUnitCelsius TemperatureUnit = "celsius"
  TemperatureUnitFahrenheit TemperatureUnit = "fahrenheit"
)

type Reading struct {
  Temperature float32
  Moisture int32
  BatteryLevel int32
  BatteryState
  TemperatureUnit

  HasTemperature bool
  HasMoisture bool
  HasBatteryLevel bool
  HasBatteryState bool
  HasTemperatureUnit bool

  // Every data point received from the device, mapped or not, keyed by data point ID.
  RawDataPoints map[uint8]any
}

// IsEmpty returns true when the device reported no data points at all.
func (r Reading) IsEmpty() bool {
  return len(r.RawDataPoints) == 0
}

// Fields returns the named sensor values which are set, as published to consumers. The temperature
// is rounded to one decimal place.
func (r Reading) Fields() map[string]any {
  fields := make(map[string]any)

  if r.HasTemperature {
    fields["temperature"] = math.Round(float64(r.Temperature) * 10) / 10
  }

  if r.HasMoisture {
    fields["moisture"] = r.Moisture
  }

  if r.HasBatteryLevel {
    fields["battery"] = r.BatteryLevel
  }

  if r.HasBatteryState {
    fields["battery_state"] = string(r.BatteryState)
  }

  return fields
}

func (r Reading) String() string {
  var fields []string

  if r.HasTemperature {
    unit := "C"

    if r.HasTemperatureUnit && r.TemperatureUnit == TemperatureUnitFahrenheit {
      unit = "F"
    }

    fields = append(fields, fmt.Sprintf("Temperature=%.1f%s", r.Temperature, unit))
  }

  if r.HasMoisture {
    fields = append(fields, fmt.Sprintf("Moisture=%d%%", r.Moisture))
  }

  if r.HasBatteryLevel {
    fields = append(fields, fmt.Sprintf("Battery=%d%%", r.BatteryLevel))
  }

  if r.HasBatteryState {
    fields = append(fields, fmt.Sprintf("BatteryState=%v", r.BatteryState))
  }

  ids := make([]int, 0, len(r.RawDataPoints))

  for id := range r.RawDataPoints {
    ids = append(ids, int(id))
  }

  sort.Ints(ids)

  return fmt.Sprintf("Reading[%v,DataPoints=%v]", strings.Join(fields, ","), ids)
}
