package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/robertof/go-tuya-ble-exporter/ble"
	"github.com/robertof/go-tuya-ble-exporter/collector/model"
	"github.com/robertof/go-tuya-ble-exporter/device"
	"github.com/robertof/go-tuya-ble-exporter/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
  DefaultMaxRetries = 2
  // connect, pair, query and both trigger-update waits, in the worst case.
  DefaultTimeoutPerAttempt = 60 * time.Second
  DefaultBackoffFactor = 500 * time.Millisecond
  // most adapters misbehave with several connections being set up at once.
  DefaultMaxConcurrentConnections = 1
)

type CollectionOptions struct {
  MaxRetries int
  TimeoutPerAttempt time.Duration
  BackoffFactor time.Duration
  // Upper bound on simultaneous device connections. Zero or less means unlimited.
  MaxConcurrentConnections int

  attempt int
}

type deviceWithBackend struct {
  device.Device
  backend device.ActiveBackend
}

func withBackends(devices []device.Device) (out []deviceWithBackend) {
  for _, dev := range devices {
    backend := dev.Backend()

    if backend == nil {
      panic(fmt.Sprintf("device %q has no backend", dev))
    }

    out = append(out, deviceWithBackend{
      Device: dev,
      backend: backend,
    })
  }

  return out
}

// Collect readings from the specified devices and don't stop until either all devices have been
// read successfully, retries are exhausted or the context timeout (if any) expires.
func CollectReadingsWithOptions(
  dialer ble.Dialer,
  parentCtx context.Context,
  devices []device.Device,
  options CollectionOptions,
) (out map[device.Device]model.Result, err error) {
  out = make(map[device.Device]model.Result, len(devices))

  log.Debug().
    Array("Devices", utils.ToZeroLogArray(devices)).
    Msg("Collecting readings from devices")

  activeDevices := withBackends(devices)

  // the per-attempt timeout applies to each device separately, as devices may be read one at a time.
  ctx, cancel := context.WithCancel(parentCtx)
  defer cancel()

  // collect everything in parallel and gather results.
  var eg errgroup.Group
  resultCh := make(chan model.DeviceResult)

  if len(activeDevices) > 0 {
    log.Trace().
      Array("Devices", utils.ToZeroLogArray(activeDevices)).
      Msg("Collecting data from devices via direct connection")
    eg.Go(func() error {
      return collectViaConnection(ctx, dialer, activeDevices, options, resultCh)
    })
  }

  go func() {
    err = eg.Wait()
    close(resultCh)
  }()

  for v := range resultCh {
    log.Trace().
      Stringer("Device", v.Device).
      Stringer("Result", v.Result).
      Msg("Received result for device")

    out[v.Device] = v.Result
  }

  // analyze results, and retry if needed
  if options.MaxRetries > 0 {
    var failedDevices []device.Device

    for _, device := range devices {
      if result, ok := out[device]; ok && result.Error != nil {
        // reading failed
        failedDevices = append(failedDevices, device)

        log.Debug().
          Stringer("Device", device).
          Int("RetriesLeft", options.MaxRetries).
          Err(result.Error).
          Msg("Collection failed for device - will retry")
      } else if !ok {
        // never got a result for the device
        failedDevices = append(failedDevices, device)

        log.Debug().
          Stringer("Device", device).
          Int("RetriesLeft", options.MaxRetries).
          Err(err).
          Msg("No data received for device (out of range?) - will retry")
      }
    }

    if len(failedDevices) > 0 {
      if options.BackoffFactor > 0 {
        backoff := options.BackoffFactor << int64(options.attempt)

        if backoff < 0 {
          backoff = DefaultBackoffFactor
        }

        log.Trace().
          Dur("Backoff", backoff).
          Msg("Backing off before attempting retry")

        select {
        case <-parentCtx.Done():
          log.Trace().Err(parentCtx.Err()).Msg("Retry aborted by context cancel")
          return out, parentCtx.Err()
        case <-time.After(backoff):
        }
      }

      options.MaxRetries -= 1
      options.attempt += 1

      retryOutput, err := CollectReadingsWithOptions(dialer, parentCtx, failedDevices, options)

      // merge old and new outputs
      if retryOutput != nil {
        for failedDevice := range retryOutput {
          out[failedDevice] = retryOutput[failedDevice]
        }
      }

      if err != nil {
        return out, err
      }

      return out, nil
    }
  }

  return out, err
}
