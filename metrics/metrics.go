package metrics

import (
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-tuya-ble-exporter/device"
)

var (
  descTemperature = prometheus.NewDesc(
    "sensor_temperature_degrees",
    "Temperature reported by the sensor, in the unit the sensor is configured for.",
    []string{"name", "id", "unit"},
    nil,
  )

  descMoisture = prometheus.NewDesc(
    "sensor_soil_moisture_ratio",
    "Soil moisture reported by the sensor.",
    []string{"name", "id"},
    nil,
  )

  descBattery = prometheus.NewDesc(
    "sensor_battery_ratio",
    "Battery percentage reported by the sensor.",
    []string{"name", "id"},
    nil,
  )

  descBatteryState = prometheus.NewDesc(
    "sensor_battery_state_info",
    "Battery state reported by the sensor. 0 = low, 1 = medium, 2 = high, -1 = unknown.",
    []string{"name", "id", "state"},
    nil,
  )

  descDataPoints = prometheus.NewDesc(
    "sensor_data_points",
    "Number of data points received from the sensor in the last collection.",
    []string{"name", "id"},
    nil,
  )
)

var batteryStateValues = map[device.BatteryState]float64{
  device.BatteryStateLow: 0,
  device.BatteryStateMedium: 1,
  device.BatteryStateHigh: 2,
}

type CollectFunc func() (map[device.Device]device.Reading, time.Time)

type collector struct {
  CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  out, ts := c.CollectFunc()

  if out == nil {
    panic("collector got empty data!")
  }

  for dev, reading := range out {
    labels := []string{dev.Name(), dev.ID()}

    if reading.HasTemperature {
      unit := device.TemperatureUnitCelsius

      if reading.HasTemperatureUnit {
        unit = reading.TemperatureUnit
      }

      temperature := prometheus.MustNewConstMetric(
        descTemperature,
        prometheus.GaugeValue,
        float64(reading.Temperature),
        append(labels, string(unit))...,
      )

      ch <- prometheus.NewMetricWithTimestamp(ts, temperature)
    }

    if reading.HasMoisture {
      moisture := prometheus.MustNewConstMetric(
        descMoisture,
        prometheus.GaugeValue,
        float64(reading.Moisture) / 100,
        labels...,
      )

      ch <- prometheus.NewMetricWithTimestamp(ts, moisture)
    }

    if reading.HasBatteryLevel {
      battery := prometheus.MustNewConstMetric(
        descBattery,
        prometheus.GaugeValue,
        float64(reading.BatteryLevel) / 100,
        labels...,
      )

      ch <- prometheus.NewMetricWithTimestamp(ts, battery)
    }

    if reading.HasBatteryState {
      value, ok := batteryStateValues[reading.BatteryState]

      if !ok {
        value = -1
      }

      batteryState := prometheus.MustNewConstMetric(
        descBatteryState,
        prometheus.GaugeValue,
        value,
        append(labels, string(reading.BatteryState))...,
      )

      ch <- prometheus.NewMetricWithTimestamp(ts, batteryState)
    }

    dataPoints := prometheus.MustNewConstMetric(
      descDataPoints,
      prometheus.GaugeValue,
      float64(len(reading.RawDataPoints)),
      labels...,
    )

    ch <- prometheus.NewMetricWithTimestamp(ts, dataPoints)
  }
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}
