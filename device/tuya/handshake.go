package tuya

import (
  "context"
  "fmt"
  "io"
  "time"

  "github.com/looplab/fsm"
  "github.com/pkg/errors"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
  "github.com/rs/zerolog"
)

type HandshakeState string

const (
  HandshakeStateIdle HandshakeState = "idle"
  HandshakeStateAwaitingResponse HandshakeState = "awaiting_pair_response"
  HandshakeStatePaired HandshakeState = "paired"
  HandshakeStateUnpaired HandshakeState = "unpaired"
)

const (
  eventSendPair = "send_pair"
  eventAdoptSessionKey = "adopt_session_key"
  eventFallBackToStatic = "fall_back_to_static"
)

const (
  identifierSize = 16
  pairingNonceSize = 6
)

type handshake struct {
  fsm *fsm.FSM
  router *Router
  keys *keyState
  log zerolog.Logger

  identifier string
  rand io.Reader
  timeout time.Duration
}

func newHandshake(
  router *Router,
  keys *keyState,
  log zerolog.Logger,
  identifier string,
  rand io.Reader,
  timeout time.Duration,
) *handshake {
  h := &handshake{
    router: router,
    keys: keys,
    log: log,
    identifier: identifier,
    rand: rand,
    timeout: timeout,
  }

  h.fsm = fsm.NewFSM(
    string(HandshakeStateIdle),
    fsm.Events{
      {
        Name: eventSendPair,
        Src: []string{string(HandshakeStateIdle), string(HandshakeStateUnpaired)},
        Dst: string(HandshakeStateAwaitingResponse),
      },
      {
        Name: eventAdoptSessionKey,
        Src: []string{string(HandshakeStateAwaitingResponse)},
        Dst: string(HandshakeStatePaired),
      },
      {
        Name: eventFallBackToStatic,
        Src: []string{string(HandshakeStateAwaitingResponse)},
        Dst: string(HandshakeStateUnpaired),
      },
    },
    fsm.Callbacks{
      "enter_" + string(HandshakeStatePaired): func(_ context.Context, e *fsm.Event) {
        h.keys.adoptSession(e.Args[0].([]byte))
      },
      "enter_state": func(_ context.Context, e *fsm.Event) {
        h.log.Debug().
          Str("From", e.Src).
          Str("To", e.Dst).
          Msg("tuya: handshake state changed")
      },
    },
  )

  return h
}

func (h *handshake) State() HandshakeState {
  return HandshakeState(h.fsm.Current())
}

// pairingPayload builds identifier(16, zero padded) | static key(16) | nonce(6).
func (h *handshake) pairingPayload() ([]byte, error) {
  payload := make([]byte, identifierSize, identifierSize+protocol.KeySize+pairingNonceSize)
  copy(payload, h.identifier)
  payload = append(payload, h.keys.Static()...)

  nonce := make([]byte, pairingNonceSize)

  if _, err := io.ReadFull(h.rand, nonce); err != nil {
    return nil, fmt.Errorf("failed to generate pairing nonce: %w", err)
  }

  return append(payload, nonce...), nil
}

func (h *handshake) fallBack(ctx context.Context) {
  // the transition must happen even when ctx is what ended the exchange.
  if err := h.fsm.Event(context.WithoutCancel(ctx), eventFallBackToStatic); err != nil {
    h.log.Error().Err(err).Msg("tuya: unexpected handshake transition failure")
  }

  handshakesCounter.WithLabelValues(string(HandshakeStateUnpaired)).Inc()
}

// Pair performs the pairing exchange. Any returned error leaves the handshake unpaired, in which
// case the static key stays active; whether that is fatal is up to the caller.
func (h *handshake) Pair(ctx context.Context) error {
  payload, err := h.pairingPayload()

  if err != nil {
    return err
  }

  encrypted, err := protocol.Encrypt(h.keys.Static(), payload)

  if err != nil {
    return err
  }

  if err := h.fsm.Event(ctx, eventSendPair); err != nil {
    return fmt.Errorf("cannot start pairing from state %v: %w", h.State(), err)
  }

  resp, err := h.router.SendAndAwait(
    ctx,
    protocol.CommandPairRequest,
    encrypted,
    []protocol.Command{protocol.CommandPairResponse},
    h.timeout,
  )

  if err != nil {
    h.fallBack(ctx)
    return err
  }

  decrypted, err := protocol.Decrypt(h.keys.Static(), resp)

  if err != nil {
    h.fallBack(ctx)
    return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
  }

  if len(decrypted) < protocol.KeySize {
    h.fallBack(ctx)
    return errors.Wrapf(ErrHandshakeRejected, "response carries %d bytes, want >= %d",
      len(decrypted), protocol.KeySize)
  }

  if err := h.fsm.Event(context.WithoutCancel(ctx), eventAdoptSessionKey, decrypted[:protocol.KeySize]); err != nil {
    return fmt.Errorf("cannot adopt session key: %w", err)
  }

  handshakesCounter.WithLabelValues(string(HandshakeStatePaired)).Inc()
  h.log.Debug().Msg("tuya: session key established")

  return nil
}
