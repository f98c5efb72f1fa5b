package tuya

import (
  "context"
  "fmt"
  "sync"
  "time"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
  "github.com/rs/zerolog"
  "golang.org/x/exp/maps"
)

// exchange is a one-shot completion for a set of expected inbound command kinds. Whichever
// matching frame arrives first completes it; later frames are ignored.
type exchange struct {
  kinds []protocol.Command
  done chan []byte
}

// Router correlates outbound commands with the notifications the device sends back, and feeds
// data point reports into the accumulated point map.
type Router struct {
  link ble.Link
  codec *protocol.FrameCodec
  keys *keyState
  log zerolog.Logger
  strictChecksum bool

  mu sync.Mutex
  pending map[protocol.Command]*exchange
  points map[uint8]any
}

func newRouter(link ble.Link, keys *keyState, log zerolog.Logger, strictChecksum bool) *Router {
  return &Router{
    link: link,
    codec: protocol.NewFrameCodec(),
    keys: keys,
    log: log,
    strictChecksum: strictChecksum,
    pending: make(map[protocol.Command]*exchange),
    points: make(map[uint8]any),
  }
}

func (r *Router) register(kinds []protocol.Command) (*exchange, error) {
  r.mu.Lock()
  defer r.mu.Unlock()

  for _, kind := range kinds {
    if _, ok := r.pending[kind]; ok {
      return nil, fmt.Errorf("%w: %v", ErrExchangeInFlight, kind)
    }
  }

  ex := &exchange{
    kinds: kinds,
    done: make(chan []byte, 1),
  }

  for _, kind := range kinds {
    r.pending[kind] = ex
  }

  return ex, nil
}

func (r *Router) unregister(ex *exchange) {
  r.mu.Lock()
  defer r.mu.Unlock()

  for _, kind := range ex.kinds {
    if r.pending[kind] == ex {
      delete(r.pending, kind)
    }
  }
}

// complete resolves the exchange pending on the given kind, if any. Must be called with r.mu held.
func (r *Router) complete(kind protocol.Command, payload []byte) bool {
  ex, ok := r.pending[kind]

  if !ok {
    return false
  }

  for _, k := range ex.kinds {
    delete(r.pending, k)
  }

  select {
  case ex.done <- payload:
  default:
  }

  return true
}

// timeoutError classifies an expired exchange by what it was waiting for.
func timeoutError(kinds []protocol.Command) error {
  switch kinds[0] {
  case protocol.CommandPairResponse:
    return ErrHandshakeTimeout
  case protocol.CommandDataPointReport:
    return ErrQueryTimeout
  default:
    return ErrExchangeTimeout
  }
}

func (r *Router) wait(ctx context.Context, ex *exchange, timeout time.Duration) ([]byte, error) {
  timer := time.NewTimer(timeout)
  defer timer.Stop()

  select {
  case payload := <-ex.done:
    return payload, nil
  case <-timer.C:
    exchangeTimeoutsCounter.WithLabelValues(ex.kinds[0].String()).Inc()
    return nil, fmt.Errorf("%w after %v", timeoutError(ex.kinds), timeout)
  case <-ctx.Done():
    return nil, ctx.Err()
  }
}

// Send encodes and writes a frame without waiting for anything in return.
func (r *Router) Send(command protocol.Command, payload []byte) error {
  frame, err := r.codec.Encode(command, payload)

  if err != nil {
    return err
  }

  r.log.Trace().
    Stringer("Command", command).
    Hex("Frame", frame).
    Msg("tuya: sending frame")

  if err := r.link.Write(frame); err != nil {
    return fmt.Errorf("%w: write %v: %v", ErrLink, command, err)
  }

  return nil
}

// SendAndAwait writes a frame and waits up to timeout for a notification of one of the expected
// kinds, returning its (decrypted, for data point reports) payload. The completion is registered
// before the write so that fast responses cannot be missed.
func (r *Router) SendAndAwait(
  ctx context.Context,
  command protocol.Command,
  payload []byte,
  expect []protocol.Command,
  timeout time.Duration,
) ([]byte, error) {
  ex, err := r.register(expect)

  if err != nil {
    return nil, err
  }

  defer r.unregister(ex)

  if err := r.Send(command, payload); err != nil {
    return nil, err
  }

  return r.wait(ctx, ex, timeout)
}

// Await waits for a notification of one of the given kinds without sending anything.
func (r *Router) Await(ctx context.Context, kinds []protocol.Command, timeout time.Duration) ([]byte, error) {
  ex, err := r.register(kinds)

  if err != nil {
    return nil, err
  }

  defer r.unregister(ex)

  return r.wait(ctx, ex, timeout)
}

// HandleNotification is the link's notification callback. Malformed frames are dropped.
func (r *Router) HandleNotification(data []byte) {
  frame, err := protocol.DecodeFrame(data)

  if err != nil {
    framesDroppedCounter.WithLabelValues("malformed").Inc()
    r.log.Warn().Err(err).Hex("Data", data).Msg("tuya: dropping malformed notification")
    return
  }

  framesReceivedCounter.WithLabelValues(frame.Command.String()).Inc()

  if !frame.ChecksumValid() {
    if r.strictChecksum {
      framesDroppedCounter.WithLabelValues("checksum").Inc()
      r.log.Warn().Stringer("Frame", frame).Msg("tuya: dropping frame with bad checksum")
      return
    }

    r.log.Trace().Stringer("Frame", frame).Msg("tuya: accepting frame with bad or missing checksum")
  }

  r.log.Trace().
    Stringer("Frame", frame).
    Hex("Payload", frame.Payload).
    Msg("tuya: received frame")

  payload := frame.Payload

  if frame.Command == protocol.CommandDataPointReport {
    if key := r.keys.Session(); key != nil && len(payload) >= protocol.KeySize {
      decrypted, err := protocol.Decrypt(key, payload)

      if err != nil {
        framesDroppedCounter.WithLabelValues("decrypt").Inc()
        r.log.Warn().Err(err).Stringer("Frame", frame).Msg("tuya: failed to decrypt data point report")
        return
      }

      payload = decrypted
    }
  }

  r.mu.Lock()
  defer r.mu.Unlock()

  if frame.Command == protocol.CommandDataPointReport {
    for _, dp := range protocol.DecodeDataPoints(payload) {
      r.log.Debug().Stringer("DataPoint", dp).Msg("tuya: received data point")
      r.points[dp.ID] = dp.Value
    }
  }

  if !r.complete(frame.Command, payload) {
    r.log.Trace().Stringer("Command", frame.Command).Msg("tuya: no exchange pending for frame")
  }
}

// DataPoints returns a copy of every data point accumulated since the last reset.
func (r *Router) DataPoints() map[uint8]any {
  r.mu.Lock()
  defer r.mu.Unlock()

  return maps.Clone(r.points)
}

func (r *Router) ResetDataPoints() {
  r.mu.Lock()
  defer r.mu.Unlock()

  maps.Clear(r.points)
}
