package main

import (
  "context"
  "fmt"
  "net"
  "net/http"
  "os"
  "os/signal"
  "syscall"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/collectors"
  "github.com/prometheus/client_golang/prometheus/promhttp"
  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/collector"
  "github.com/robertof/go-tuya-ble-exporter/collector/model"
  "github.com/robertof/go-tuya-ble-exporter/device"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya"
  "github.com/robertof/go-tuya-ble-exporter/metrics"
  "github.com/robertof/go-tuya-ble-exporter/publish"
  "github.com/robertof/go-tuya-ble-exporter/utils"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer cancel()

  if err := newRootCommand().ExecuteContext(ctx); err != nil {
    os.Exit(1)
  }
}

func runExporter(ctx context.Context, cfg *cliConfig) error {
  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Array("Devices", utils.ToZeroLogArray(cfg.Devices)).
    Str("BleBackend", cfg.BleBackend).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Bool("MQTT", cfg.mqttEnabled()).
    Msg("Starting with the specified configuration")

  dialer, err := initDialer(cfg)
  if err != nil {
    return err
  }

  defer stop(dialer)

  mqttConn, err := initMQTT(cfg)
  if err != nil {
    return err
  }

  if mqttConn != nil {
    defer mqttConn.Close()
  }

  initialResults, err := collectInitialReadings(ctx, cfg, dialer)
  if err != nil {
    return err
  }

  coll := collector.NewRecurring(dialer, cfg.Devices)
  coll.IdleTimeout = cfg.CollectionIdleTimeout
  coll.Update(successfulReadings(initialResults))

  if mqttConn != nil {
    mqttConn.HandleUpdate(initialResults, time.Now())
    coll.OnUpdate(mqttConn.HandleUpdate)
  }

  registry := prometheus.NewRegistry()

  if cfg.EnableMetamonitoring {
    registry.MustRegister(collectors.NewGoCollector())
    ble.RegisterMetrics(registry)
    tuya.RegisterMetrics(registry)
  }

  metrics.RegisterCollector(
    func() (map[device.Device]device.Reading, time.Time) {
      // no way to get the HTTP request context from the collector unfortunately :(
      return coll.WaitLatest(context.Background())
    },
    registry,
  )

  go coll.Start(ctx, cfg.CollectionInterval, collectionOptions(cfg, cfg.CollectionTimeout))

  log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting Prometheus server")

  mux := http.NewServeMux()
  mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

  server := &http.Server{
    Addr: cfg.BindAddress,
    Handler: mux,
    BaseContext: func(net.Listener) context.Context { return ctx },
  }

  go func() {
    <-ctx.Done()

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    server.Shutdown(shutdownCtx)
  }()

  if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
    return fmt.Errorf("unable to bind on requested address: %w", err)
  }

  log.Info().Msg("Shutting down")

  return nil
}

// runOnce collects every device a single time and publishes the results, if MQTT is configured.
func runOnce(ctx context.Context, cfg *cliConfig) error {
  dialer, err := initDialer(cfg)
  if err != nil {
    return err
  }

  defer stop(dialer)

  mqttConn, err := initMQTT(cfg)
  if err != nil {
    return err
  }

  if mqttConn != nil {
    defer mqttConn.Close()
  }

  results, err := collector.CollectReadingsWithOptions(
    dialer,
    ctx,
    cfg.Devices,
    collectionOptions(cfg, cfg.CollectionTimeout),
  )

  if err != nil {
    return fmt.Errorf("collection failed: %w", err)
  }

  failed := logResults(results)

  if mqttConn != nil {
    mqttConn.HandleUpdate(results, time.Now())
  }

  if failed > 0 {
    return fmt.Errorf("reading failed for %d of %d devices", failed, len(cfg.Devices))
  }

  return nil
}

func collectionOptions(cfg *cliConfig, timeout time.Duration) collector.CollectionOptions {
  return collector.CollectionOptions{
    TimeoutPerAttempt: timeout,
    MaxRetries: cfg.MaxRetries,
    BackoffFactor: cfg.Backoff,
    MaxConcurrentConnections: cfg.MaxConcurrentConnections,
  }
}

func initMQTT(cfg *cliConfig) (*publish.Connection, error) {
  if !cfg.mqttEnabled() {
    return nil, nil
  }

  conn, err := publish.Dial(cfg.File.MQTT, cfg.File.HomeAssistant)
  if err != nil {
    return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
  }

  return conn, nil
}

func initDialer(cfg *cliConfig) (ble.Dialer, error) {
  if cfg.BleBackend == bleBackendBluez {
    return ble.NewBluezAdapter(), nil
  }

  return initBle(cfg)
}

// releases the HCI device. BlueZ adapters are shared with the system and left alone.
func stop(v any) {
  if s, ok := v.(interface{ Stop() }); ok {
    s.Stop()
  }
}

func initBle(cfg *cliConfig) (*ble.Handle, error) {
  var bleFlags ble.Flags = ble.FlagEnableDeviceAllowList
  deviceAddresses := make([]net.HardwareAddr, len(cfg.Devices))

  if cfg.PersistConnections {
    bleFlags |= ble.FlagPersistConnections
  }

  for i, dev := range cfg.Devices {
    deviceAddresses[i] = dev.Addr()

    if dev.Flags() & device.FlagRequiresBleActiveScan == device.FlagRequiresBleActiveScan {
      bleFlags |= ble.FlagScanTypeActive
    }

    if dev.Flags() & device.FlagRequiresScanBeforeDial == device.FlagRequiresScanBeforeDial {
      bleFlags |= ble.FlagScanBeforeDial
    }
  }

  bleHandle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

  if err != nil {
    return nil, fmt.Errorf("failed to initialize Bluetooth device: %w", err)
  }

  err = bleHandle.SetAllowListedAddresses(deviceAddresses)

  if err != nil {
    log.Error().Err(err).Msg("Failed to set device allow list")
  }

  return bleHandle, nil
}

func logResults(results map[device.Device]model.Result) (failed int) {
  for dev, result := range results {
    if result.Error != nil {
      failed += 1

      log.Error().
        Stringer("Device", dev).
        Err(result.Error).
        Msg("Failed to collect reading for device")
    } else {
      log.Info().
        Stringer("Device", dev).
        Stringer("Reading", result.Reading).
        Interface("Fields", result.Reading.Fields()).
        Msg("Successfully collected reading for device")
    }
  }

  return failed
}

func successfulReadings(results map[device.Device]model.Result) map[device.Device]device.Reading {
  res := make(map[device.Device]device.Reading)

  for dev, result := range results {
    if result.Error == nil {
      res[dev] = result.Reading
    }
  }

  return res
}

func collectInitialReadings(
  ctx context.Context,
  cfg *cliConfig,
  dialer ble.Dialer,
) (map[device.Device]model.Result, error) {
  log.Info().
    Dur("TimeoutSec", cfg.InitialCollectionTimeout).
    Msg("Running initial collection for the provided devices")

  results, err := collector.CollectReadingsWithOptions(
    dialer,
    ctx,
    cfg.Devices,
    collectionOptions(cfg, cfg.InitialCollectionTimeout),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to collect initial readings: %w", err)
  }

  // sensors spend most of their time out of reach, so only a total failure is fatal.
  if failed := logResults(results); failed == len(cfg.Devices) {
    return nil, fmt.Errorf("reading failed for every device, refusing to start")
  }

  return results, nil
}
