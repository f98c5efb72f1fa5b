package main

import (
  "context"
  "fmt"
  "os"
  "sort"
  "sync"

  "github.com/rs/zerolog/log"
  "golang.org/x/exp/maps"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya"
  "github.com/robertof/go-tuya-ble-exporter/utils"
)

func newScanner(cfg *cliConfig) (ble.Scanner, error) {
  if cfg.BleBackend == bleBackendBluez {
    return ble.NewBluezAdapter(), nil
  }

  return ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)
}

func doDeviceDiscovery(parentCtx context.Context, cfg *cliConfig) error {
  log.Info().
    Dur("TimeoutSec", cfg.DiscoveryTimeout).
    Msg("Starting in device discovery mode - make sure your sensors are powered on and in range")

  scanner, err := newScanner(cfg)
  if err != nil {
    return fmt.Errorf("failed to initialize Bluetooth device: %w", err)
  }

  defer stop(scanner)

  ctx, cancel := context.WithTimeout(parentCtx, cfg.DiscoveryTimeout)
  defer cancel()

  var mu sync.Mutex
  devices := make(map[string]ble.Sighting)

  err = scanner.ScanService(ctx, tuya.LinkProfile.Service, func(s ble.Sighting) {
    mu.Lock()
    defer mu.Unlock()

    // merge: names are only sent in scan responses.
    if prev, ok := devices[s.Addr]; ok && s.Name == "" {
      s.Name = prev.Name
    }

    devices[s.Addr] = s

    log.Debug().
      Str("Addr", s.Addr).
      Str("Name", s.Name).
      Int("RSSI", s.RSSI).
      Msg("Received Tuya device advertisement")
  })

  if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
    return fmt.Errorf("failed to scan: %w", err)
  }

  mu.Lock()
  defer mu.Unlock()

  log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

  addrs := maps.Keys(devices)
  sort.Strings(addrs)

  for _, addr := range addrs {
    fmt.Fprintf(os.Stdout, "%s\t%d dBm\t%s\n", addr, devices[addr].RSSI, devices[addr].Name)
  }

  if len(devices) > 0 {
    fmt.Fprintln(os.Stderr, "Add these addresses to your config file, together with each device's device_id and local_key.")
  }

  return nil
}
