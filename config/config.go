package config

import (
  "fmt"
  "os"
  "strings"
  "time"

  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/rs/zerolog"
  "gopkg.in/yaml.v3"
)

// Config mirrors the poller's config.yaml. Everything but the sensor list is optional.
type Config struct {
  MQTT MQTTConfig `yaml:"mqtt"`
  HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
  Sensors []SensorConfig `yaml:"sensors"`
  Polling PollingConfig `yaml:"polling"`
  Logging LoggingConfig `yaml:"logging"`
}

type MQTTConfig struct {
  // Empty disables publishing.
  Host string `yaml:"host"`
  Port int `yaml:"port"`
  Username string `yaml:"username"`
  Password string `yaml:"password"`
  TLS bool `yaml:"tls"`
  CACert string `yaml:"ca_cert"`
}

type HomeAssistantConfig struct {
  DiscoveryPrefix string `yaml:"discovery_prefix"`
  NodeID string `yaml:"node_id"`
}

type SensorConfig struct {
  Name string `yaml:"name"`
  UniqueID string `yaml:"unique_id"`
  MACAddress string `yaml:"mac_address"`
  DeviceID string `yaml:"device_id"`
  LocalKey string `yaml:"local_key"`
  UUID string `yaml:"uuid"`
  ProductID string `yaml:"product_id"`
  Model string `yaml:"model"`
  Scan bool `yaml:"scan"`
}

type PollingConfig struct {
  IntervalSeconds int `yaml:"interval_seconds"`
  ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
  RetryAttempts int `yaml:"retry_attempts"`
  RetryDelaySeconds int `yaml:"retry_delay_seconds"`
  StrictChecksum bool `yaml:"strict_checksum"`
}

type LoggingConfig struct {
  Level string `yaml:"level"`
}

func Default() *Config {
  return &Config{
    MQTT: MQTTConfig{
      Port: 1883,
    },
    HomeAssistant: HomeAssistantConfig{
      DiscoveryPrefix: "homeassistant",
      NodeID: "ble_proxy",
    },
    Polling: PollingConfig{
      IntervalSeconds: 900,
      ConnectTimeoutSeconds: 30,
      RetryAttempts: 3,
      RetryDelaySeconds: 30,
    },
    Logging: LoggingConfig{
      Level: "info",
    },
  }
}

// Load reads and parses a YAML config file on top of Default(). The result is not validated.
func Load(path string) (*Config, error) {
  data, err := os.ReadFile(path)
  if err != nil {
    return nil, fmt.Errorf("reading config file: %w", err)
  }

  return Parse(data)
}

func Parse(data []byte) (*Config, error) {
  cfg := Default()

  if err := yaml.Unmarshal(data, cfg); err != nil {
    return nil, fmt.Errorf("parsing config file: %w", err)
  }

  return cfg, nil
}

func (c *Config) Validate() error {
  if c.MQTT.Host != "" && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
    return fmt.Errorf("mqtt.port must be between 1 and 65535, got %d", c.MQTT.Port)
  }

  if c.MQTT.CACert != "" && !c.MQTT.TLS {
    return fmt.Errorf("mqtt.ca_cert requires mqtt.tls")
  }

  if c.MQTT.Host != "" && (c.HomeAssistant.DiscoveryPrefix == "" || c.HomeAssistant.NodeID == "") {
    return fmt.Errorf("homeassistant.discovery_prefix and homeassistant.node_id must not be empty")
  }

  seen := make(map[string]int)

  for i, s := range c.Sensors {
    for key, value := range map[string]string{
      "mac_address": s.MACAddress,
      "device_id": s.DeviceID,
      "local_key": s.LocalKey,
    } {
      if value == "" {
        return fmt.Errorf("sensor %d (%q) missing required key %q", i, s.Name, key)
      }
    }

    mac := strings.ToLower(s.MACAddress)

    if j, ok := seen[mac]; ok {
      return fmt.Errorf("sensor %d (%q) has the same mac_address as sensor %d", i, s.Name, j)
    }

    seen[mac] = i
  }

  if c.Polling.IntervalSeconds <= 0 {
    return fmt.Errorf("polling.interval_seconds must be > 0")
  }

  if c.Polling.ConnectTimeoutSeconds <= 0 {
    return fmt.Errorf("polling.connect_timeout_seconds must be > 0")
  }

  if c.Polling.RetryAttempts < 1 {
    return fmt.Errorf("polling.retry_attempts must be >= 1")
  }

  if c.Polling.RetryDelaySeconds < 0 {
    return fmt.Errorf("polling.retry_delay_seconds must be >= 0")
  }

  if _, err := c.Logging.ZerologLevel(); err != nil {
    return err
  }

  return nil
}

// ZerologLevel maps logging.level to a zerolog level. "warning" and "critical" are accepted as aliases.
func (l LoggingConfig) ZerologLevel() (zerolog.Level, error) {
  switch strings.ToLower(l.Level) {
  case "warning":
    return zerolog.WarnLevel, nil
  case "critical":
    return zerolog.FatalLevel, nil
  }

  level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
  if err != nil || level == zerolog.NoLevel {
    return zerolog.NoLevel, fmt.Errorf("logging.level: unknown level %q", l.Level)
  }

  return level, nil
}

func (p PollingConfig) Interval() time.Duration {
  return time.Duration(p.IntervalSeconds) * time.Second
}

func (p PollingConfig) ConnectTimeout() time.Duration {
  return time.Duration(p.ConnectTimeoutSeconds) * time.Second
}

func (p PollingConfig) RetryDelay() time.Duration {
  return time.Duration(p.RetryDelaySeconds) * time.Second
}

// Spec converts a sensor entry into the spec understood by the tuya device factory.
func (s SensorConfig) Spec() device.DeviceSpec {
  spec := device.DeviceSpec{
    device.DeviceSpecFieldAddress: s.MACAddress,
    "device_id": s.DeviceID,
    "local_key": s.LocalKey,
  }

  optional := map[string]string{
    device.DeviceSpecFieldName: s.Name,
    device.DeviceSpecFieldID: s.UniqueID,
    "uuid": s.UUID,
    "product_id": s.ProductID,
    "model": s.Model,
  }

  for k, v := range optional {
    if v != "" {
      spec[k] = v
    }
  }

  if s.Scan {
    spec["scan"] = "true"
  }

  return spec
}
