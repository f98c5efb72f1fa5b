package publish_test

import (
  "encoding/json"
  "errors"
  "net"
  "reflect"
  "sync"
  "testing"
  "time"

  mqtt "github.com/eclipse/paho.mqtt.golang"
  "github.com/robertof/go-tuya-ble-exporter/collector/model"
  "github.com/robertof/go-tuya-ble-exporter/config"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/publish"
)

type fakeToken struct {
  err error
  done chan struct{}
}

func newFakeToken(err error) *fakeToken {
  done := make(chan struct{})
  close(done)

  return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type message struct {
  topic string
  qos byte
  retained bool
  payload string
}

type fakeClient struct {
  mu sync.Mutex
  messages []message
  err error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
  c.mu.Lock()
  defer c.mu.Unlock()

  c.messages = append(c.messages, message{topic, qos, retained, string(payload.([]byte))})

  return newFakeToken(c.err)
}

func (c *fakeClient) byTopic() map[string]message {
  c.mu.Lock()
  defer c.mu.Unlock()

  out := make(map[string]message)

  for _, m := range c.messages {
    out[m.topic] = m
  }

  return out
}

type fakeDevice struct {
  name, id string
}

func (d fakeDevice) Name() string { return d.name }
func (d fakeDevice) ID() string { return d.id }
func (d fakeDevice) Addr() net.HardwareAddr { return nil }
func (d fakeDevice) Flags() device.Flags { return 0 }
func (d fakeDevice) Backend() device.ActiveBackend { return nil }
func (d fakeDevice) String() string { return d.name }

var ha = config.HomeAssistantConfig{DiscoveryPrefix: "homeassistant", NodeID: "greenhouse"}

func decode(t *testing.T, m message) map[string]any {
  var out map[string]any

  if err := json.Unmarshal([]byte(m.payload), &out); err != nil {
    t.Fatalf("json.Unmarshal(%q): got error: %v", m.payload, err)
  }

  return out
}

func TestPublisher_HandleUpdate(t *testing.T) {
  client := &fakeClient{}
  p := publish.New(client, ha)

  basil := fakeDevice{"Basil", "sgs01_basil"}
  fern := fakeDevice{"Fern", "sgs01_fern"}

  p.HandleUpdate(map[device.Device]model.Result{
    basil: {Reading: device.Reading{
      Temperature: 21.54,
      Moisture: 42,
      BatteryLevel: 88,
      HasTemperature: true,
      HasMoisture: true,
      HasBatteryLevel: true,
    }},
    fern: {Error: device.ErrInvalidData},
  }, time.Now())

  got := client.byTopic()

  for _, m := range got {
    if m.qos != 1 || !m.retained {
      t.Fatalf("%s: got qos=%d retained=%v, wanted qos=1 retained=true", m.topic, m.qos, m.retained)
    }
  }

  // 3 discovery configs per device, availability for both and state for basil.
  if len(got) != 9 {
    t.Fatalf("HandleUpdate(): got %d topics, wanted 9: %v", len(got), got)
  }

  if m := got["sgs01/sgs01_basil/availability"]; m.payload != "online" {
    t.Fatalf("basil availability: got %q, wanted online", m.payload)
  }

  if m := got["sgs01/sgs01_fern/availability"]; m.payload != "offline" {
    t.Fatalf("fern availability: got %q, wanted offline", m.payload)
  }

  if _, ok := got["sgs01/sgs01_fern/state"]; ok {
    t.Fatalf("fern state: published for a failed device")
  }

  state := decode(t, got["sgs01/sgs01_basil/state"])
  wantState := map[string]any{"temperature": 21.5, "moisture": float64(42), "battery": float64(88)}

  if !reflect.DeepEqual(state, wantState) {
    t.Fatalf("basil state: got %+#v, wanted %+#v", state, wantState)
  }

  moisture := decode(t, got["homeassistant/sensor/sgs01_basil_moisture/config"])
  wantMoisture := map[string]any{
    "name": "Soil Moisture",
    "unique_id": "sgs01_basil_moisture",
    "state_topic": "sgs01/sgs01_basil/state",
    "availability_topic": "sgs01/sgs01_basil/availability",
    "payload_available": "online",
    "payload_not_available": "offline",
    "value_template": "{{ value_json.moisture }}",
    "device_class": "moisture",
    "unit_of_measurement": "%",
    "icon": "mdi:water-percent",
    "device": map[string]any{
      "identifiers": []any{"sgs01_basil"},
      "name": "Basil",
      "manufacturer": "Tuya / Smart Life",
      "model": "SGS01 Plant Sensor",
      "sw_version": "1.0",
      "via_device": "greenhouse",
    },
  }

  if !reflect.DeepEqual(moisture, wantMoisture) {
    t.Fatalf("moisture config: got %+#v, wanted %+#v", moisture, wantMoisture)
  }

  battery := decode(t, got["homeassistant/sensor/sgs01_fern_battery/config"])

  if battery["entity_category"] != "diagnostic" {
    t.Fatalf("battery config: got entity_category %v, wanted diagnostic", battery["entity_category"])
  }
}

func TestPublisher_DiscoveryOnce(t *testing.T) {
  client := &fakeClient{}
  p := publish.New(client, ha)
  basil := fakeDevice{"Basil", "sgs01_basil"}

  for i := 0; i < 3; i++ {
    if err := p.PublishDiscovery(basil, device.TemperatureUnitCelsius); err != nil {
      t.Fatalf("PublishDiscovery(): got error: %v", err)
    }
  }

  if got := len(client.messages); got != 3 {
    t.Fatalf("PublishDiscovery() x3: got %d messages, wanted 3", got)
  }
}

func TestPublisher_DiscoveryRetriedAfterFailure(t *testing.T) {
  client := &fakeClient{err: errors.New("broker unavailable")}
  p := publish.New(client, ha)
  basil := fakeDevice{"Basil", "sgs01_basil"}

  if err := p.PublishDiscovery(basil, device.TemperatureUnitCelsius); err == nil {
    t.Fatalf("PublishDiscovery(): got no error with a failing broker")
  }

  client.err = nil

  if err := p.PublishDiscovery(basil, device.TemperatureUnitCelsius); err != nil {
    t.Fatalf("PublishDiscovery(): got error: %v", err)
  }

  // one failed attempt, then the full set.
  if got := len(client.messages); got != 4 {
    t.Fatalf("got %d messages, wanted 4", got)
  }
}

func TestPublisher_FahrenheitUnit(t *testing.T) {
  client := &fakeClient{}
  p := publish.New(client, ha)

  if err := p.PublishDiscovery(fakeDevice{"Basil", "b"}, device.TemperatureUnitFahrenheit); err != nil {
    t.Fatalf("PublishDiscovery(): got error: %v", err)
  }

  cfg := decode(t, client.byTopic()["homeassistant/sensor/b_temperature/config"])

  if cfg["unit_of_measurement"] != "°F" {
    t.Fatalf("temperature config: got unit %v, wanted °F", cfg["unit_of_measurement"])
  }
}

func TestPublisher_ProxyStatus(t *testing.T) {
  client := &fakeClient{}
  p := publish.New(client, ha)

  if err := p.PublishProxyStatus(false); err != nil {
    t.Fatalf("PublishProxyStatus(): got error: %v", err)
  }

  got := client.byTopic()

  if m := got["ble_proxy/greenhouse/status"]; m.payload != "offline" {
    t.Fatalf("proxy status: got %q, wanted offline", m.payload)
  }

  cfg := decode(t, got["homeassistant/binary_sensor/greenhouse_status/config"])

  want := map[string]any{
    "name": "BLE Proxy Status",
    "unique_id": "greenhouse_status",
    "state_topic": "ble_proxy/greenhouse/status",
    "device_class": "connectivity",
    "payload_on": "online",
    "payload_off": "offline",
    "entity_category": "diagnostic",
    "device": map[string]any{
      "identifiers": []any{"greenhouse"},
      "name": "BLE Proxy (greenhouse)",
      "manufacturer": "Custom",
      "model": "Raspberry Pi BLE Proxy",
    },
  }

  if !reflect.DeepEqual(cfg, want) {
    t.Fatalf("proxy config: got %+#v, wanted %+#v", cfg, want)
  }
}

func TestNewClientOptions(t *testing.T) {
  opts, err := publish.NewClientOptions(config.MQTTConfig{Host: "broker.lan", Port: 8883, TLS: true}, ha)

  if err != nil {
    t.Fatalf("NewClientOptions(): got error: %v", err)
  }

  if got := opts.Servers[0].String(); got != "ssl://broker.lan:8883" {
    t.Fatalf("broker: got %q, wanted ssl://broker.lan:8883", got)
  }

  if opts.ClientID != "greenhouse_publisher" {
    t.Fatalf("client id: got %q, wanted greenhouse_publisher", opts.ClientID)
  }

  if !opts.WillEnabled || opts.WillTopic != "ble_proxy/greenhouse/status" || string(opts.WillPayload) != "offline" {
    t.Fatalf("will: got %v %q %q, wanted the offline proxy status", opts.WillEnabled, opts.WillTopic, opts.WillPayload)
  }

  if _, err := publish.NewClientOptions(config.MQTTConfig{Host: "b", Port: 1, TLS: true, CACert: "/nonexistent"}, ha); err == nil {
    t.Fatalf("NewClientOptions(): got no error for a missing ca_cert")
  }
}
