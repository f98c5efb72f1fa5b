package main

import (
  "fmt"
  "os"
  "strings"
  "time"

  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "github.com/spf13/cobra"
  "github.com/spf13/pflag"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/collector"
  "github.com/robertof/go-tuya-ble-exporter/config"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya"
)

const (
  bleBackendHCI = "hci"
  bleBackendBluez = "bluez"
)

type cliConfig struct {
  Debug, Trace bool
  ConfigPath string
  BindAddress string
  EnableMetamonitoring bool
  BleBackend string
  BluetoothDeviceId int
  BluetoothConnParams ble.ConnParams
  PersistConnections bool
  StrictChecksum bool
  MaxRetries int
  MaxConcurrentConnections int
  ConnectTimeout time.Duration
  InitialCollectionTimeout, CollectionTimeout time.Duration
  CollectionInterval, CollectionIdleTimeout time.Duration
  Backoff time.Duration
  DiscoveryTimeout time.Duration

  // populated by resolve().
  File *config.Config
  Devices []device.Device

  specs map[string][]device.DeviceSpec
}

type boundDeviceList struct {
  name string
  specs map[string][]device.DeviceSpec
}

var deviceFactories = map[string]func(cfg *cliConfig) device.Factory {
  "tuya": func(cfg *cliConfig) device.Factory {
    return &tuya.Factory{
      Defaults: tuya.SessionConfig{
        ConnectTimeout: cfg.ConnectTimeout,
        StrictChecksum: cfg.StrictChecksum,
      },
    }
  },
}

func (d *boundDeviceList) String() string {
  return ""
}

func (d *boundDeviceList) Type() string {
  return "deviceSpec"
}

// Devices are only built once every flag is known, as factory defaults depend on other flags.
func (d *boundDeviceList) Set(v string) error {
  d.specs[d.name] = append(d.specs[d.name], device.NewDeviceSpec(v))

  return nil
}

func bindFlags(cfg *cliConfig, flags *pflag.FlagSet) {
  cfg.BluetoothConnParams = ble.ConnParamsDefault
  cfg.specs = make(map[string][]device.DeviceSpec)

  flags.StringVar(&cfg.ConfigPath, "config", "", "Path to a YAML config file (sensors, MQTT, polling)")
  flags.StringVar(&cfg.BindAddress, "bind", "localhost:9102", "Where the exporter will bind to")
  flags.StringVar(&cfg.BleBackend, "ble-backend", bleBackendHCI, "Bluetooth stack to use (one of 'hci' or 'bluez')")
  flags.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flags.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  flags.BoolVar(&cfg.PersistConnections, "persist-connections", false, "Persist Bluetooth connections between collections")
  flags.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
  flags.BoolVar(&cfg.StrictChecksum, "strict-checksum", false, "Drop frames with a missing or invalid checksum")
  flags.IntVar(&cfg.MaxRetries, "max-retries", collector.DefaultMaxRetries, "Max number of retries")
  flags.IntVar(&cfg.MaxConcurrentConnections, "max-concurrent-connections", collector.DefaultMaxConcurrentConnections,
    "Max number of devices connected to at the same time (0 for unlimited)")
  flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", tuya.DefaultConnectTimeout, "Timeout for establishing a connection")
  flags.DurationVar(&cfg.InitialCollectionTimeout, "initial-timeout", collector.DefaultTimeoutPerAttempt,
    "Timeout for the collection done on start (per retry attempt)")
  flags.DurationVar(&cfg.CollectionTimeout, "timeout", collector.DefaultTimeoutPerAttempt,
    "Timeout for the periodic collections (per retry attempt)")
  flags.DurationVar(&cfg.CollectionInterval, "interval", 900 * time.Second,
    "How frequently data collection happens")
  flags.DurationVar(&cfg.CollectionIdleTimeout, "idle-timeout", -1,
    "Timeout after which the collector is shut down if no data is read. Defaults to 3 * CollectionInterval, disabled with MQTT")
  flags.DurationVar(&cfg.Backoff, "backoff", collector.DefaultBackoffFactor,
    "Exponential backoff factor for retries")
  flags.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flags.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  for deviceName, newFactory := range deviceFactories {
    help := "Device spec for this device in the form of `key=value,key=value`."

    if docs, ok := newFactory(cfg).(device.FactoryDocs); ok {
      help += "\n" + docs.Help()
    }

    flags.Var(&boundDeviceList{name: deviceName, specs: cfg.specs}, deviceName, help)
  }
}

func setupLogLevel(cfg *cliConfig) {
  level := zerolog.InfoLevel

  if cfg.File != nil {
    if l, err := cfg.File.Logging.ZerologLevel(); err == nil {
      level = l
    }
  }

  if cfg.Trace || os.Getenv("TRACE") != "" {
    level = zerolog.TraceLevel
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
    level = zerolog.DebugLevel
  }

  zerolog.SetGlobalLevel(level)
}

// applyFile lets the config file fill in whatever was not set explicitly on the command line.
func applyFile(cfg *cliConfig, flags *pflag.FlagSet) {
  polling := cfg.File.Polling

  if !flags.Changed("interval") {
    cfg.CollectionInterval = polling.Interval()
  }

  if !flags.Changed("connect-timeout") {
    cfg.ConnectTimeout = polling.ConnectTimeout()
  }

  if !flags.Changed("max-retries") {
    cfg.MaxRetries = polling.RetryAttempts - 1
  }

  if !flags.Changed("backoff") {
    cfg.Backoff = polling.RetryDelay()
  }

  if !flags.Changed("strict-checksum") {
    cfg.StrictChecksum = polling.StrictChecksum
  }

  for _, sensor := range cfg.File.Sensors {
    cfg.specs["tuya"] = append(cfg.specs["tuya"], sensor.Spec())
  }
}

func resolve(cfg *cliConfig, flags *pflag.FlagSet, requireDevices bool) error {
  if cfg.ConfigPath != "" {
    file, err := config.Load(cfg.ConfigPath)
    if err != nil {
      return err
    }

    if err := file.Validate(); err != nil {
      return fmt.Errorf("invalid config file %s: %w", cfg.ConfigPath, err)
    }

    cfg.File = file
  }

  setupLogLevel(cfg)

  if cfg.File != nil {
    applyFile(cfg, flags)

    log.Info().
      Str("Path", cfg.ConfigPath).
      Int("Sensors", len(cfg.File.Sensors)).
      Msg("Loaded config file")
  }

  switch cfg.BleBackend {
  case bleBackendHCI, bleBackendBluez:
  default:
    return fmt.Errorf("--ble-backend must be %q or %q, got %q", bleBackendHCI, bleBackendBluez, cfg.BleBackend)
  }

  if cfg.CollectionIdleTimeout < 0 {
    // MQTT consumers never read through the collector, so it must not go idle.
    if cfg.mqttEnabled() {
      cfg.CollectionIdleTimeout = 0
    } else {
      cfg.CollectionIdleTimeout = cfg.CollectionInterval * 3
    }
  }

  // per-device timeouts must leave room for the connection itself.
  minTimeout := cfg.ConnectTimeout + tuya.DefaultHandshakeTimeout + tuya.DefaultQueryTimeout

  for _, timeout := range []*time.Duration{&cfg.CollectionTimeout, &cfg.InitialCollectionTimeout} {
    if *timeout < minTimeout {
      log.Warn().
        Dur("TimeoutSec", *timeout).
        Dur("MinimumSec", minTimeout).
        Msg("Collection timeout is too short for a connection and a query, raising it")

      *timeout = minTimeout
    }
  }

  for name, specs := range cfg.specs {
    factory := deviceFactories[name](cfg)

    for _, spec := range specs {
      dev, err := factory.FromSpec(spec)
      if err != nil {
        return fmt.Errorf("failed to create %s device %q: %w", name, spec.Name(), err)
      }

      cfg.Devices = append(cfg.Devices, dev)
    }
  }

  if requireDevices && len(cfg.Devices) == 0 {
    return fmt.Errorf("at least one device is required, use --%s or a config file",
      strings.Join(deviceFactoryNames(), "/--"))
  }

  return nil
}

func deviceFactoryNames() (names []string) {
  for name := range deviceFactories {
    names = append(names, name)
  }

  return names
}

func (cfg *cliConfig) mqttEnabled() bool {
  return cfg.File != nil && cfg.File.MQTT.Host != ""
}

func newRootCommand() *cobra.Command {
  var cfg cliConfig

  root := &cobra.Command{
    Use: "tuya-ble-exporter",
    Short: "Prometheus exporter and MQTT bridge for Tuya BLE sensors",
    Long: `Connects to Tuya BLE sensors (such as the SGS01 soil sensor), reads their data points
over the encrypted Tuya BLE protocol and exposes them as Prometheus metrics. When the config file
has an mqtt section, readings are also published to Home Assistant via MQTT discovery.`,
    SilenceUsage: true,
    PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
      return resolve(&cfg, cmd.Flags(), cmd.Name() != "discover")
    },
    RunE: func(cmd *cobra.Command, args []string) error {
      return runExporter(cmd.Context(), &cfg)
    },
  }

  bindFlags(&cfg, root.PersistentFlags())

  discover := &cobra.Command{
    Use: "discover",
    Short: "Scan for Tuya BLE devices and print their addresses",
    RunE: func(cmd *cobra.Command, args []string) error {
      return doDeviceDiscovery(cmd.Context(), &cfg)
    },
  }

  discover.Flags().DurationVar(&cfg.DiscoveryTimeout, "scan-timeout", 15 * time.Second, "How long to scan for")

  poll := &cobra.Command{
    Use: "poll",
    Short: "Read every device once, publish the readings and exit",
    RunE: func(cmd *cobra.Command, args []string) error {
      return runOnce(cmd.Context(), &cfg)
    },
  }

  root.AddCommand(discover, poll)

  return root
}
