package protocol

import "errors"

var (
  ErrFrameTooShort     = errors.New("frame too short")
  ErrFrameTruncated    = errors.New("frame truncated")
  ErrPayloadTooLarge   = errors.New("payload too large")
  ErrInvalidKey        = errors.New("invalid key size")
  ErrInvalidCiphertext = errors.New("invalid ciphertext size")
  ErrInvalidPadding    = errors.New("invalid padding")
  ErrInvalidDataPoint  = errors.New("invalid data point")
)
