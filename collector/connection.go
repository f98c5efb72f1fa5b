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

func connectAndCollect(
	ctx context.Context,
	dialer ble.Dialer,
	device deviceWithBackend,
	timeout time.Duration,
) (reading device.Reading, err error) {
	if timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reading, err = device.backend.Read(ctx, dialer)

	if err != nil {
		return reading, fmt.Errorf("failed to read data from device: %w", err)
	}

	return reading, nil
}

func collectViaConnection(
	ctx context.Context,
	dialer ble.Dialer,
	devices []deviceWithBackend,
	options CollectionOptions,
	ch chan model.DeviceResult,
) error {
	var eg errgroup.Group

	if options.MaxConcurrentConnections > 0 {
		eg.SetLimit(options.MaxConcurrentConnections)
	}

	log.Trace().
		Array("Devices", utils.ToZeroLogArray(devices)).
		Int("MaxConcurrent", options.MaxConcurrentConnections).
		Msg("collectViaConnection: started")

	for _, device := range devices {
		device := device

		eg.Go(func() error {
			log.Trace().
				Stringer("Device", device).
				Msg("collectViaConnection: device worker started")

			reading, err := connectAndCollect(ctx, dialer, device, options.TimeoutPerAttempt)

			result := model.DeviceResult{
				Device: device.Device,
				Result: model.Result{
					Reading: reading,
					Error: err,
				},
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- result:
			}

			log.Trace().
				Stringer("Device", device).
				Msg("collectViaConnection: device worker finished and submitted work")

			return nil
		})
	}

	return eg.Wait()
}
