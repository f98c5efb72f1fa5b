package tuya

import (
  "errors"
  "fmt"
)

var (
  ErrLink = errors.New("link failure")
  ErrExchangeInFlight = errors.New("exchange already in flight")
  ErrExchangeTimeout = errors.New("exchange timed out")
  ErrHandshakeRejected = errors.New("pairing response rejected")
  ErrNotConnected = errors.New("session not connected")

  ErrHandshakeTimeout = fmt.Errorf("pairing response: %w", ErrExchangeTimeout)
  ErrQueryTimeout = fmt.Errorf("data point report: %w", ErrExchangeTimeout)
)
