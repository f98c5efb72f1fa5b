package protocol

import (
  "bytes"
  "crypto/aes"
  "crypto/md5"

  "github.com/pkg/errors"
)

const KeySize = 16

// DeriveStaticKey turns the provisioned local key into the AES-128 key used before a session key
// has been negotiated: 16-byte secrets are used verbatim, anything else is hashed with MD5.
func DeriveStaticKey(secret []byte) []byte {
  key := make([]byte, KeySize)

  if len(secret) == KeySize {
    copy(key, secret)
    return key
  }

  digest := md5.Sum(secret)
  copy(key, digest[:])

  return key
}

// Encrypt pads data (every pad byte equals the pad length, always 1-16 bytes) and encrypts it with
// AES-128 in ECB mode.
func Encrypt(key, data []byte) ([]byte, error) {
  block, err := aes.NewCipher(key)

  if err != nil || len(key) != KeySize {
    return nil, errors.Wrapf(ErrInvalidKey, "got %d bytes, want %d", len(key), KeySize)
  }

  padLen := aes.BlockSize - len(data) % aes.BlockSize
  out := make([]byte, len(data), len(data)+padLen)
  copy(out, data)
  out = append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)

  for i := 0; i < len(out); i += aes.BlockSize {
    block.Encrypt(out[i:i+aes.BlockSize], out[i:i+aes.BlockSize])
  }

  return out, nil
}

func Decrypt(key, data []byte) ([]byte, error) {
  block, err := aes.NewCipher(key)

  if err != nil || len(key) != KeySize {
    return nil, errors.Wrapf(ErrInvalidKey, "got %d bytes, want %d", len(key), KeySize)
  }

  if len(data) == 0 || len(data) % aes.BlockSize != 0 {
    return nil, errors.Wrapf(ErrInvalidCiphertext, "%d bytes is not a positive multiple of %d",
      len(data), aes.BlockSize)
  }

  out := make([]byte, len(data))

  for i := 0; i < len(data); i += aes.BlockSize {
    block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
  }

  padLen := int(out[len(out)-1])

  if padLen == 0 || padLen > aes.BlockSize {
    return nil, errors.Wrapf(ErrInvalidPadding, "padding length %d", padLen)
  }

  return out[:len(out)-padLen], nil
}
