package publish

import (
  "crypto/tls"
  "crypto/x509"
  "fmt"
  "net"
  "os"
  "strconv"
  "time"

  mqtt "github.com/eclipse/paho.mqtt.golang"
  "github.com/pkg/errors"
  "github.com/robertof/go-tuya-ble-exporter/config"
  "github.com/rs/zerolog/log"
)

const (
  keepAlive = 60 * time.Second
  connectTimeout = 5 * time.Second
  disconnectQuiesceMs = 250
)

var ErrConnectTimeout = errors.New("mqtt: connection timed out")

func brokerURL(cfg config.MQTTConfig) string {
  scheme := "tcp"

  if cfg.TLS {
    scheme = "ssl"
  }

  return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
  tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

  if cfg.CACert == "" {
    return tlsCfg, nil
  }

  pem, err := os.ReadFile(cfg.CACert)
  if err != nil {
    return nil, errors.Wrap(err, "mqtt: cannot read ca_cert")
  }

  pool := x509.NewCertPool()

  if !pool.AppendCertsFromPEM(pem) {
    return nil, fmt.Errorf("mqtt: no certificates found in %s", cfg.CACert)
  }

  tlsCfg.RootCAs = pool

  return tlsCfg, nil
}

// NewClientOptions prepares the broker connection. The proxy status topic doubles as the last will,
// so the broker reports the proxy offline if the exporter vanishes.
func NewClientOptions(cfg config.MQTTConfig, ha config.HomeAssistantConfig) (*mqtt.ClientOptions, error) {
  opts := mqtt.NewClientOptions()
  opts.AddBroker(brokerURL(cfg))
  opts.SetClientID(ha.NodeID + "_publisher")
  opts.SetKeepAlive(keepAlive)
  opts.SetConnectTimeout(connectTimeout)
  opts.SetAutoReconnect(true)
  opts.SetWill(ProxyStatusTopic(ha.NodeID), payloadOffline, qos, true)

  if cfg.Username != "" {
    opts.SetUsername(cfg.Username)
    opts.SetPassword(cfg.Password)
  }

  if cfg.TLS {
    tlsCfg, err := tlsConfig(cfg)
    if err != nil {
      return nil, err
    }

    opts.SetTLSConfig(tlsCfg)
  }

  opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
    log.Warn().Err(err).Msg("mqtt: connection to broker lost")
  })

  return opts, nil
}

// Connection owns the broker connection and its Publisher.
type Connection struct {
  *Publisher
  client mqtt.Client
}

// Dial connects to the broker. The proxy is announced online on every (re)connection.
func Dial(cfg config.MQTTConfig, ha config.HomeAssistantConfig) (*Connection, error) {
  opts, err := NewClientOptions(cfg, ha)
  if err != nil {
    return nil, err
  }

  conn := &Connection{}

  opts.SetOnConnectHandler(func(mqtt.Client) {
    log.Info().Str("Broker", brokerURL(cfg)).Msg("mqtt: connected to broker")

    // publishing blocks until acknowledged, which cannot happen inside the handler.
    go func() {
      if err := conn.PublishProxyStatus(true); err != nil {
        log.Error().Err(err).Msg("mqtt: failed to publish proxy status")
      }
    }()
  })

  conn.client = mqtt.NewClient(opts)
  conn.Publisher = New(conn.client, ha)

  log.Info().Str("Broker", brokerURL(cfg)).Msg("mqtt: connecting to broker")

  token := conn.client.Connect()

  if !token.WaitTimeout(connectTimeout) {
    return nil, ErrConnectTimeout
  }

  if err := token.Error(); err != nil {
    return nil, errors.Wrap(err, "mqtt: cannot connect to broker")
  }

  return conn, nil
}

// Close announces the proxy offline and disconnects.
func (c *Connection) Close() {
  if err := c.PublishProxyStatus(false); err != nil {
    log.Warn().Err(err).Msg("mqtt: failed to publish offline status")
  }

  c.client.Disconnect(disconnectQuiesceMs)
}
