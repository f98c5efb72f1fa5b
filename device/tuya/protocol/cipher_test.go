package protocol_test

import (
  "bytes"
  "crypto/aes"
  "crypto/md5"
  "errors"
  "math/rand"
  "testing"

  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

func TestDeriveStaticKey_Verbatim(t *testing.T) {
  secret := []byte("0123456789abcdef")

  if got := protocol.DeriveStaticKey(secret); !bytes.Equal(got, secret) {
    t.Fatalf("DeriveStaticKey(%q): got %x, wanted %x", secret, got, secret)
  }
}

func TestDeriveStaticKey_Digest(t *testing.T) {
  for _, secret := range []string{"", "abcd1234", "0123456789abcdef0"} {
    want := md5.Sum([]byte(secret))

    if got := protocol.DeriveStaticKey([]byte(secret)); !bytes.Equal(got, want[:]) {
      t.Fatalf("DeriveStaticKey(%q): got %x, wanted %x", secret, got, want)
    }
  }
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
  rng := rand.New(rand.NewSource(2))
  key := make([]byte, protocol.KeySize)

  for length := 0; length <= 1000; length += 1 {
    rng.Read(key)
    data := make([]byte, length)
    rng.Read(data)

    encrypted, err := protocol.Encrypt(key, data)
    if err != nil {
      t.Fatalf("Encrypt(%d bytes) got error: %v", length, err)
    }

    wantLen := (length / aes.BlockSize + 1) * aes.BlockSize
    if len(encrypted) != wantLen {
      t.Fatalf("Encrypt(%d bytes): got %d bytes, wanted %d", length, len(encrypted), wantLen)
    }

    decrypted, err := protocol.Decrypt(key, encrypted)
    if err != nil {
      t.Fatalf("Decrypt(Encrypt(%d bytes)) got error: %v", length, err)
    }

    if !bytes.Equal(decrypted, data) {
      t.Fatalf("Decrypt(Encrypt(%x)): got %x", data, decrypted)
    }
  }
}

func TestEncrypt_FullPaddingBlock(t *testing.T) {
  key := []byte("0123456789abcdef")
  data := bytes.Repeat([]byte{0x42}, 16)

  encrypted, _ := protocol.Encrypt(key, data)
  if len(encrypted) != 32 {
    t.Fatalf("Encrypt(16 bytes): got %d bytes, wanted 32", len(encrypted))
  }

  block, _ := aes.NewCipher(key)
  last := make([]byte, aes.BlockSize)
  block.Decrypt(last, encrypted[16:])

  if !bytes.Equal(last, bytes.Repeat([]byte{16}, 16)) {
    t.Fatalf("Encrypt(16 bytes): got padding block %x", last)
  }
}

func encryptRawBlock(key, plain []byte) []byte {
  block, _ := aes.NewCipher(key)
  out := make([]byte, aes.BlockSize)
  block.Encrypt(out, plain)

  return out
}

func TestDecrypt_InvalidPadding(t *testing.T) {
  key := []byte("0123456789abcdef")

  for _, last := range []byte{0, 17, 0xff} {
    plain := bytes.Repeat([]byte{0x01}, aes.BlockSize)
    plain[aes.BlockSize-1] = last

    _, err := protocol.Decrypt(key, encryptRawBlock(key, plain))
    if !errors.Is(err, protocol.ErrInvalidPadding) {
      t.Fatalf("Decrypt(last byte %d): got error %v, wanted %v", last, err, protocol.ErrInvalidPadding)
    }
  }
}

func TestDecrypt_InvalidCiphertext(t *testing.T) {
  key := []byte("0123456789abcdef")

  for _, data := range [][]byte{nil, make([]byte, 15), make([]byte, 17)} {
    if _, err := protocol.Decrypt(key, data); !errors.Is(err, protocol.ErrInvalidCiphertext) {
      t.Fatalf("Decrypt(%d bytes): got error %v, wanted %v", len(data), err, protocol.ErrInvalidCiphertext)
    }
  }
}

func TestEncrypt_InvalidKey(t *testing.T) {
  if _, err := protocol.Encrypt([]byte("short"), []byte("data")); !errors.Is(err, protocol.ErrInvalidKey) {
    t.Fatalf("Encrypt(5-byte key): got error %v, wanted %v", err, protocol.ErrInvalidKey)
  }
}
