package protocol_test

import (
  "bytes"
  "errors"
  "math/rand"
  "reflect"
  "testing"

  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

var allCommands = []protocol.Command{
  protocol.CommandPairRequest,
  protocol.CommandPairResponse,
  protocol.CommandDeviceInfoRequest,
  protocol.CommandDeviceInfoResponse,
  protocol.CommandDataPointWrite,
  protocol.CommandDataPointReport,
  protocol.CommandDataPointQuery,
  protocol.CommandTimeSync,
}

func TestChecksum_KnownVector(t *testing.T) {
  // CRC-16/CCITT-FALSE check value.
  if got := protocol.Checksum([]byte("123456789")); got != 0x29b1 {
    t.Fatalf("Checksum(\"123456789\"): got 0x%04x, wanted 0x29b1", got)
  }
}

func TestEncodeFrame_Layout(t *testing.T) {
  got := protocol.EncodeFrame(0x0102, protocol.CommandDataPointQuery, []byte{0x00})

  header := []byte{0x01, 0x02, 0x08, 0x00, 0x01, 0x00}
  if !bytes.Equal(got[:len(header)], header) {
    t.Fatalf("EncodeFrame(): got header %x, wanted %x", got[:len(header)], header)
  }

  crc := protocol.Checksum(header)
  if got[6] != byte(crc >> 8) || got[7] != byte(crc) {
    t.Fatalf("EncodeFrame(): got trailer %x, wanted %04x", got[6:], crc)
  }
}

func TestFrameRoundTrip(t *testing.T) {
  rng := rand.New(rand.NewSource(1))
  codec := protocol.NewFrameCodec()

  for _, cmd := range allCommands {
    for length := 0; length <= 512; length += 1 {
      payload := make([]byte, length)
      rng.Read(payload)

      encoded, err := codec.Encode(cmd, payload)
      if err != nil {
        t.Fatalf("Encode(%v, %d bytes) got error: %v", cmd, length, err)
      }

      frame, err := protocol.DecodeFrame(encoded)
      if err != nil {
        t.Fatalf("DecodeFrame(%x) got error: %v", encoded, err)
      }

      if frame.Command != cmd || !bytes.Equal(frame.Payload, payload) {
        t.Fatalf("DecodeFrame(Encode(%v, %x)): got %v %x", cmd, payload, frame.Command, frame.Payload)
      }

      if !frame.ChecksumValid() {
        t.Fatalf("DecodeFrame(%x): checksum reported invalid", encoded)
      }
    }
  }
}

func TestFrameCodec_SequenceIncrements(t *testing.T) {
  codec := protocol.NewFrameCodec()

  for want := uint16(1); want <= 5; want += 1 {
    encoded, _ := codec.Encode(protocol.CommandDataPointQuery, nil)
    frame, _ := protocol.DecodeFrame(encoded)

    if frame.Seq != want {
      t.Fatalf("Encode() #%d: got seq %d, wanted %d", want, frame.Seq, want)
    }
  }
}

func TestFrameCodec_SequenceWraps(t *testing.T) {
  codec := protocol.NewFrameCodecAt(65534)

  var got []uint16

  for i := 0; i < 3; i += 1 {
    encoded, _ := codec.Encode(protocol.CommandPairRequest, []byte{1, 2, 3})
    frame, _ := protocol.DecodeFrame(encoded)
    got = append(got, frame.Seq)
  }

  want := []uint16{65535, 0, 1}
  if !reflect.DeepEqual(got, want) {
    t.Fatalf("Encode() sequence: got %v, wanted %v", got, want)
  }
}

func TestDecodeFrame_TooShort(t *testing.T) {
  for _, buf := range [][]byte{nil, {0x00}, {0x00, 0x01, 0x07, 0x00, 0x00, 0xff}} {
    if _, err := protocol.DecodeFrame(buf); !errors.Is(err, protocol.ErrFrameTooShort) {
      t.Fatalf("DecodeFrame(%x): got error %v, wanted %v", buf, err, protocol.ErrFrameTooShort)
    }
  }
}

func TestDecodeFrame_Truncated(t *testing.T) {
  buf := []byte{0x00, 0x01, 0x07, 0x00, 0x0a, 0x01, 0x02, 0x03}

  if _, err := protocol.DecodeFrame(buf); !errors.Is(err, protocol.ErrFrameTruncated) {
    t.Fatalf("DecodeFrame(%x): got error %v, wanted %v", buf, err, protocol.ErrFrameTruncated)
  }
}

func TestDecodeFrame_AcceptsBadChecksum(t *testing.T) {
  encoded := protocol.EncodeFrame(7, protocol.CommandDataPointReport, []byte{1, 2, 3, 4})
  encoded[len(encoded)-1] ^= 0xff

  frame, err := protocol.DecodeFrame(encoded)
  if err != nil {
    t.Fatalf("DecodeFrame(%x) got error: %v", encoded, err)
  }

  if frame.ChecksumValid() {
    t.Fatalf("DecodeFrame(%x): corrupted checksum reported valid", encoded)
  }

  if !bytes.Equal(frame.Payload, []byte{1, 2, 3, 4}) {
    t.Fatalf("DecodeFrame(%x): got payload %x", encoded, frame.Payload)
  }
}

func TestDecodeFrame_MissingChecksum(t *testing.T) {
  // declared length 2 with 5 header bytes and no trailer: accepted, checksum not valid.
  buf := []byte{0x00, 0x01, 0x07, 0x00, 0x02, 0xaa, 0xbb}

  frame, err := protocol.DecodeFrame(buf)
  if err != nil {
    t.Fatalf("DecodeFrame(%x) got error: %v", buf, err)
  }

  if frame.ChecksumValid() || !bytes.Equal(frame.Payload, []byte{0xaa, 0xbb}) {
    t.Fatalf("DecodeFrame(%x): got %v payload %x", buf, frame, frame.Payload)
  }
}
