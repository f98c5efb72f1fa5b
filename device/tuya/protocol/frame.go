package protocol

import (
  "encoding/binary"
  "fmt"
  "math"
  "sync"

  "github.com/pkg/errors"
  "github.com/sigurn/crc16"
)

// Layout (big-endian): Seq(2) | Command(1) | Length(2) | Payload(Length) | CRC16(2)
const (
  HeaderSize   = 5
  ChecksumSize = 2
  MinFrameSize = HeaderSize + ChecksumSize

  MaxPayloadSize = math.MaxUint16

  // the sequence number is incremented before use, so the first frame carries 1.
  InitialSequence uint16 = 0
)

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xffff, no reflection, no final xor.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func Checksum(data []byte) uint16 {
  return crc16.Checksum(data, crcTable)
}

type Frame struct {
  Seq      uint16
  Command  Command
  Payload  []byte
  Checksum uint16

  hasChecksum   bool
  checksumValid bool
}

// ChecksumValid reports whether the frame carried a trailer matching the checksum computed over
// its header and payload.
func (f Frame) ChecksumValid() bool {
  return f.hasChecksum && f.checksumValid
}

func (f Frame) String() string {
  return fmt.Sprintf("Frame[Seq=%d,Command=%v,Length=%d,Checksum=0x%04x]",
    f.Seq, f.Command, len(f.Payload), f.Checksum)
}

// FrameCodec assigns sequence numbers to outgoing frames. One codec is used per connection.
type FrameCodec struct {
  mu  sync.Mutex
  seq uint16
}

func NewFrameCodec() *FrameCodec {
  return NewFrameCodecAt(InitialSequence)
}

// NewFrameCodecAt returns a codec whose next encoded frame carries seq+1 (mod 65536).
func NewFrameCodecAt(seq uint16) *FrameCodec {
  return &FrameCodec{seq: seq}
}

func (c *FrameCodec) nextSeq() uint16 {
  c.mu.Lock()
  defer c.mu.Unlock()

  c.seq += 1 // wraps at 65536

  return c.seq
}

// Encode serializes a command and its payload into a frame, consuming one sequence number.
func (c *FrameCodec) Encode(command Command, payload []byte) ([]byte, error) {
  if len(payload) > MaxPayloadSize {
    return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes (max %d)", len(payload), MaxPayloadSize)
  }

  return EncodeFrame(c.nextSeq(), command, payload), nil
}

func EncodeFrame(seq uint16, command Command, payload []byte) []byte {
  buf := make([]byte, HeaderSize+len(payload), HeaderSize+len(payload)+ChecksumSize)

  binary.BigEndian.PutUint16(buf, seq)
  buf[2] = byte(command)
  binary.BigEndian.PutUint16(buf[3:], uint16(len(payload)))
  copy(buf[HeaderSize:], payload)

  return binary.BigEndian.AppendUint16(buf, Checksum(buf))
}

// DecodeFrame parses a received frame. The checksum trailer is recorded but not enforced: some
// firmware omits or miscomputes it, so callers decide via Frame.ChecksumValid().
func DecodeFrame(buf []byte) (f Frame, err error) {
  if len(buf) < MinFrameSize {
    return f, errors.Wrapf(ErrFrameTooShort, "got %d bytes, want >= %d", len(buf), MinFrameSize)
  }

  f.Seq = binary.BigEndian.Uint16(buf)
  f.Command = Command(buf[2])
  length := int(binary.BigEndian.Uint16(buf[3:]))

  if len(buf) < HeaderSize+length {
    return f, errors.Wrapf(ErrFrameTruncated, "declared %d payload bytes, got %d",
      length, len(buf)-HeaderSize)
  }

  f.Payload = make([]byte, length)
  copy(f.Payload, buf[HeaderSize:HeaderSize+length])

  if trailer := buf[HeaderSize+length:]; len(trailer) >= ChecksumSize {
    f.Checksum = binary.BigEndian.Uint16(trailer)
    f.hasChecksum = true
    f.checksumValid = f.Checksum == Checksum(buf[:HeaderSize+length])
  }

  return f, nil
}
