package collector_test

import (
  "context"
  "testing"
  "time"

  "github.com/robertof/go-tuya-ble-exporter/collector"
  "github.com/robertof/go-tuya-ble-exporter/collector/model"
  "github.com/robertof/go-tuya-ble-exporter/device"
)

func TestRecurring_NotifiesListeners(t *testing.T) {
  ok := &fakeDevice{name: "ok", backend: &fakeBackend{}}
  broken := &fakeDevice{name: "broken", backend: &fakeBackend{failures: 100}}

  r := collector.NewRecurring(nopDialer{}, []device.Device{ok, broken})
  updates := make(chan map[device.Device]model.Result, 1)

  r.OnUpdate(func(results map[device.Device]model.Result, ts time.Time) {
    select {
    case updates <- results:
    default:
    }
  })

  ctx, cancel := context.WithCancel(context.Background())
  defer cancel()

  go r.Start(ctx, 10 * time.Millisecond, collector.CollectionOptions{TimeoutPerAttempt: time.Second})

  var results map[device.Device]model.Result

  select {
  case results = <-updates:
  case <-time.After(2 * time.Second):
    t.Fatalf("no update received from the recurring collector")
  }

  // listeners see failures too.
  if len(results) != 2 || results[broken].Error == nil {
    t.Fatalf("OnUpdate(): got %v, wanted a result for both devices", results)
  }

  readings, ts := r.Latest()

  if ts.IsZero() {
    t.Fatalf("Latest(): got zero collection time")
  }

  if _, found := readings[broken]; found {
    t.Fatalf("Latest(): got a reading for a failed device")
  }

  if got := readings[ok].Moisture; got != 42 {
    t.Fatalf("Latest(): got moisture %d, wanted 42", got)
  }
}
