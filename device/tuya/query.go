package tuya

import (
  "context"
  "errors"

  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

type queryState uint8

const (
  queryStateQuery queryState = iota
  // the query yielded nothing: write the model's trigger point to provoke a report.
  queryStateTriggerUpdate
  // still nothing: wait once more for a report on a fresh completion.
  queryStateAwaitReport
  queryStateDone
)

func (s queryState) String() string {
  switch s {
  case queryStateQuery:
    return "Query"
  case queryStateTriggerUpdate:
    return "TriggerUpdate"
  case queryStateAwaitReport:
    return "AwaitReport"
  case queryStateDone:
    return "Done"
  default:
    return "Unknown"
  }
}

var reportKinds = []protocol.Command{protocol.CommandDataPointReport}

func (s *Session) runQuery(ctx context.Context) error {
  s.router.ResetDataPoints()

  state := queryStateQuery

  for state != queryStateDone {
    s.log.Trace().Stringer("State", state).Msg("tuya: query step")

    next, err := s.queryStep(ctx, state)

    if err != nil {
      return err
    }

    state = next
  }

  return nil
}

// tolerateTimeout turns exchange timeouts into a warning; the query continues with whatever has
// been accumulated so far.
func (s *Session) tolerateTimeout(err error, msg string) error {
  if err != nil && errors.Is(err, ErrExchangeTimeout) {
    s.log.Warn().Err(err).Msg(msg)
    return nil
  }

  return err
}

func (s *Session) hasDataPoints() bool {
  return len(s.router.DataPoints()) > 0
}

func (s *Session) queryStep(ctx context.Context, state queryState) (queryState, error) {
  switch state {
  case queryStateQuery:
    _, err := s.router.SendAndAwait(ctx, protocol.CommandDataPointQuery, []byte{0x00}, reportKinds,
      s.cfg.QueryTimeout)

    if err := s.tolerateTimeout(err, "tuya: query response timeout"); err != nil {
      return queryStateDone, err
    }

    if s.hasDataPoints() || s.cfg.Model.TriggerUpdate == nil {
      return queryStateDone, nil
    }

    return queryStateTriggerUpdate, nil
  case queryStateTriggerUpdate:
    payload, err := s.triggerPayload()

    if err != nil {
      return queryStateDone, err
    }

    triggerUpdatesCounter.Inc()

    _, err = s.router.SendAndAwait(ctx, protocol.CommandDataPointWrite, payload, reportKinds,
      s.cfg.TriggerTimeout)

    if err := s.tolerateTimeout(err, "tuya: no report after trigger update"); err != nil {
      return queryStateDone, err
    }

    if s.hasDataPoints() {
      return queryStateDone, nil
    }

    return queryStateAwaitReport, nil
  case queryStateAwaitReport:
    _, err := s.router.Await(ctx, reportKinds, s.cfg.TriggerTimeout)

    if err := s.tolerateTimeout(err, "tuya: no data points received after trigger update"); err != nil {
      return queryStateDone, err
    }

    return queryStateDone, nil
  default:
    return queryStateDone, nil
  }
}

// triggerPayload encodes the model's trigger point, encrypted with the session key when paired and
// in plaintext otherwise.
func (s *Session) triggerPayload() ([]byte, error) {
  payload, err := protocol.EncodeDataPoints(*s.cfg.Model.TriggerUpdate)

  if err != nil {
    return nil, err
  }

  if key := s.keys.Session(); key != nil {
    return protocol.Encrypt(key, payload)
  }

  return payload, nil
}
