package publish

import (
  "encoding/json"
  "fmt"
  "sort"
  "sync"
  "time"

  mqtt "github.com/eclipse/paho.mqtt.golang"
  "github.com/pkg/errors"
  "github.com/robertof/go-tuya-ble-exporter/collector/model"
  "github.com/robertof/go-tuya-ble-exporter/config"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/rs/zerolog/log"
)

const (
  qos = 1
  payloadOnline = "online"
  payloadOffline = "offline"

  DefaultPublishTimeout = 5 * time.Second
)

var ErrPublishTimeout = errors.New("mqtt: publish timed out")

// Client is the subset of mqtt.Client used for publishing.
type Client interface {
  Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher announces sensors to Home Assistant through MQTT discovery and publishes their
// readings. All messages are retained and sent with QoS 1.
type Publisher struct {
  Timeout time.Duration

  client Client
  discoveryPrefix string
  nodeID string

  mu sync.Mutex
  announced map[string]bool
}

func New(client Client, ha config.HomeAssistantConfig) *Publisher {
  return &Publisher{
    Timeout: DefaultPublishTimeout,
    client: client,
    discoveryPrefix: ha.DiscoveryPrefix,
    nodeID: ha.NodeID,
    announced: make(map[string]bool),
  }
}

func StateTopic(dev device.Device) string {
  return fmt.Sprintf("sgs01/%s/state", dev.ID())
}

func AvailabilityTopic(dev device.Device) string {
  return fmt.Sprintf("sgs01/%s/availability", dev.ID())
}

func ProxyStatusTopic(nodeID string) string {
  return fmt.Sprintf("ble_proxy/%s/status", nodeID)
}

type deviceInfo struct {
  Identifiers []string `json:"identifiers"`
  Name string `json:"name"`
  Manufacturer string `json:"manufacturer"`
  Model string `json:"model"`
  SWVersion string `json:"sw_version,omitempty"`
  ViaDevice string `json:"via_device,omitempty"`
}

type entityConfig struct {
  Name string `json:"name"`
  UniqueID string `json:"unique_id"`
  StateTopic string `json:"state_topic"`
  AvailabilityTopic string `json:"availability_topic,omitempty"`
  PayloadAvailable string `json:"payload_available,omitempty"`
  PayloadNotAvailable string `json:"payload_not_available,omitempty"`
  PayloadOn string `json:"payload_on,omitempty"`
  PayloadOff string `json:"payload_off,omitempty"`
  Device deviceInfo `json:"device"`
  ValueTemplate string `json:"value_template,omitempty"`
  DeviceClass string `json:"device_class,omitempty"`
  UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
  Icon string `json:"icon,omitempty"`
  EntityCategory string `json:"entity_category,omitempty"`
}

type entity struct {
  objectID string
  name string
  deviceClass string
  unit string
  icon string
  entityCategory string
}

func sensorEntities(unit device.TemperatureUnit) []entity {
  temperatureUnit := "°C"

  if unit == device.TemperatureUnitFahrenheit {
    temperatureUnit = "°F"
  }

  return []entity{
    {objectID: "moisture", name: "Soil Moisture", deviceClass: "moisture", unit: "%", icon: "mdi:water-percent"},
    {objectID: "temperature", name: "Temperature", deviceClass: "temperature", unit: temperatureUnit},
    {objectID: "battery", name: "Battery", deviceClass: "battery", unit: "%", entityCategory: "diagnostic"},
  }
}

func (p *Publisher) publish(topic string, payload any) error {
  var data []byte

  switch v := payload.(type) {
  case string:
    data = []byte(v)
  default:
    var err error

    if data, err = json.Marshal(v); err != nil {
      return errors.Wrapf(err, "mqtt: cannot encode payload for %s", topic)
    }
  }

  log.Trace().Str("Topic", topic).Bytes("Payload", data).Msg("mqtt: publishing")

  token := p.client.Publish(topic, qos, true, data)

  if !token.WaitTimeout(p.Timeout) {
    return errors.Wrapf(ErrPublishTimeout, "topic %s", topic)
  }

  if err := token.Error(); err != nil {
    return errors.Wrapf(err, "mqtt: publish to %s failed", topic)
  }

  return nil
}

// PublishDiscovery announces the moisture, temperature and battery entities of a sensor. It is a
// no-op once it succeeded for the same device ID.
func (p *Publisher) PublishDiscovery(dev device.Device, unit device.TemperatureUnit) error {
  p.mu.Lock()
  defer p.mu.Unlock()

  if p.announced[dev.ID()] {
    return nil
  }

  info := deviceInfo{
    Identifiers: []string{dev.ID()},
    Name: dev.Name(),
    Manufacturer: "Tuya / Smart Life",
    Model: "SGS01 Plant Sensor",
    SWVersion: "1.0",
    ViaDevice: p.nodeID,
  }

  for _, e := range sensorEntities(unit) {
    uid := dev.ID() + "_" + e.objectID
    topic := fmt.Sprintf("%s/sensor/%s/config", p.discoveryPrefix, uid)

    err := p.publish(topic, entityConfig{
      Name: e.name,
      UniqueID: uid,
      StateTopic: StateTopic(dev),
      AvailabilityTopic: AvailabilityTopic(dev),
      PayloadAvailable: payloadOnline,
      PayloadNotAvailable: payloadOffline,
      Device: info,
      ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", e.objectID),
      DeviceClass: e.deviceClass,
      UnitOfMeasurement: e.unit,
      Icon: e.icon,
      EntityCategory: e.entityCategory,
    })

    if err != nil {
      return err
    }
  }

  p.announced[dev.ID()] = true

  log.Info().Stringer("Device", dev).Msg("mqtt: published discovery config")

  return nil
}

func (p *Publisher) PublishState(dev device.Device, reading device.Reading) error {
  return p.publish(StateTopic(dev), reading.Fields())
}

func (p *Publisher) PublishAvailability(dev device.Device, online bool) error {
  return p.publish(AvailabilityTopic(dev), onlineString(online))
}

// PublishProxyStatus announces this exporter as a connectivity binary sensor and sets its state.
func (p *Publisher) PublishProxyStatus(online bool) error {
  topic := ProxyStatusTopic(p.nodeID)

  err := p.publish(
    fmt.Sprintf("%s/binary_sensor/%s_status/config", p.discoveryPrefix, p.nodeID),
    entityConfig{
      Name: "BLE Proxy Status",
      UniqueID: p.nodeID + "_status",
      StateTopic: topic,
      DeviceClass: "connectivity",
      PayloadOn: payloadOnline,
      PayloadOff: payloadOffline,
      EntityCategory: "diagnostic",
      Device: deviceInfo{
        Identifiers: []string{p.nodeID},
        Name: fmt.Sprintf("BLE Proxy (%s)", p.nodeID),
        Manufacturer: "Custom",
        Model: "Raspberry Pi BLE Proxy",
      },
    },
  )

  if err != nil {
    return err
  }

  return p.publish(topic, onlineString(online))
}

// HandleUpdate publishes the outcome of a collection: discovery for devices seen for the first
// time, then either the reading and "online", or "offline" for failed devices.
func (p *Publisher) HandleUpdate(results map[device.Device]model.Result, ts time.Time) {
  devices := make([]device.Device, 0, len(results))

  for dev := range results {
    devices = append(devices, dev)
  }

  sort.Slice(devices, func(i, j int) bool {
    return devices[i].ID() < devices[j].ID()
  })

  for _, dev := range devices {
    res := results[dev]

    unit := device.TemperatureUnitCelsius

    if res.Error == nil && res.Reading.HasTemperatureUnit {
      unit = res.Reading.TemperatureUnit
    }

    if err := p.PublishDiscovery(dev, unit); err != nil {
      log.Error().Stringer("Device", dev).Err(err).Msg("mqtt: failed to publish discovery config")
    }

    var err error

    if res.Error != nil {
      err = p.PublishAvailability(dev, false)
    } else if err = p.PublishAvailability(dev, true); err == nil {
      err = p.PublishState(dev, res.Reading)
    }

    if err != nil {
      log.Error().Stringer("Device", dev).Err(err).Msg("mqtt: failed to publish reading")
      continue
    }

    log.Debug().
      Stringer("Device", dev).
      Bool("Online", res.Error == nil).
      Time("CollectedAt", ts).
      Msg("mqtt: published reading")
  }
}

func onlineString(online bool) string {
  if online {
    return payloadOnline
  }

  return payloadOffline
}
