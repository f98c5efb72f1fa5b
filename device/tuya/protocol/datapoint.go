package protocol

import (
  "encoding/binary"
  "encoding/hex"
  "fmt"
  "math"
  "strconv"

  "github.com/pkg/errors"
  "golang.org/x/text/encoding/unicode"
)

type DataPointType uint8

const (
  DataPointTypeRaw DataPointType = iota
  DataPointTypeBool
  DataPointTypeValue
  DataPointTypeString
  DataPointTypeEnum
  DataPointTypeBitmap
)

// Sub-record layout: ID(1) | Type(1) | Length(2, big-endian) | Value(Length)
const dataPointHeaderSize = 4

func (t DataPointType) String() string {
  switch t {
  case DataPointTypeRaw:
    return "Raw"
  case DataPointTypeBool:
    return "Bool"
  case DataPointTypeValue:
    return "Value"
  case DataPointTypeString:
    return "String"
  case DataPointTypeEnum:
    return "Enum"
  case DataPointTypeBitmap:
    return "Bitmap"
  default:
    return "DataPointType(" + strconv.Itoa(int(t)) + ")"
  }
}

// RawValue holds the undecoded bytes of raw, bitmap and unknown data point types.
type RawValue []byte

func (r RawValue) String() string {
  return hex.EncodeToString(r)
}

func (r RawValue) MarshalText() ([]byte, error) {
  return []byte(r.String()), nil
}

// DataPoint is a decoded data point. Value is one of:
//   bool (Bool), int32 (Value), string (String), uint8 (Enum) or RawValue (everything else).
type DataPoint struct {
  ID    uint8
  Type  DataPointType
  Value any
}

func (dp DataPoint) String() string {
  return fmt.Sprintf("DP[ID=%d,Type=%v,Value=%v]", dp.ID, dp.Type, dp.Value)
}

func decodeValue(t DataPointType, data []byte) any {
  switch t {
  case DataPointTypeBool:
    return len(data) > 0 && data[0] != 0
  case DataPointTypeValue:
    var buf [4]byte

    if len(data) >= 4 {
      copy(buf[:], data[:4])
    } else {
      copy(buf[4-len(data):], data)
    }

    return int32(binary.BigEndian.Uint32(buf[:]))
  case DataPointTypeString:
    // invalid sequences are replaced with U+FFFD rather than rejected.
    s, err := unicode.UTF8.NewDecoder().Bytes(data)

    if err != nil {
      return string(data)
    }

    return string(s)
  case DataPointTypeEnum:
    if len(data) == 0 {
      return uint8(0)
    }

    return data[0]
  default:
    raw := make(RawValue, len(data))
    copy(raw, data)

    return raw
  }
}

// DecodeDataPoints parses consecutive data point sub-records. Decoding stops silently at the first
// record whose header or value does not fit in the remaining bytes.
func DecodeDataPoints(data []byte) (dps []DataPoint) {
  offset := 0

  for offset+dataPointHeaderSize <= len(data) {
    id := data[offset]
    t := DataPointType(data[offset+1])
    length := int(binary.BigEndian.Uint16(data[offset+2:]))
    offset += dataPointHeaderSize

    if offset+length > len(data) {
      break
    }

    dps = append(dps, DataPoint{
      ID:    id,
      Type:  t,
      Value: decodeValue(t, data[offset:offset+length]),
    })

    offset += length
  }

  return dps
}

func encodeValue(dp DataPoint) ([]byte, error) {
  switch v := dp.Value.(type) {
  case bool:
    if v {
      return []byte{1}, nil
    }

    return []byte{0}, nil
  case int32:
    return binary.BigEndian.AppendUint32(nil, uint32(v)), nil
  case int:
    if v < math.MinInt32 || v > math.MaxInt32 {
      return nil, errors.Wrapf(ErrInvalidDataPoint, "dp %d: value %d overflows int32", dp.ID, v)
    }

    return binary.BigEndian.AppendUint32(nil, uint32(int32(v))), nil
  case uint8:
    return []byte{v}, nil
  case string:
    return []byte(v), nil
  case RawValue:
    return []byte(v), nil
  case []byte:
    return v, nil
  default:
    return nil, errors.Wrapf(ErrInvalidDataPoint, "dp %d: unsupported value type %T", dp.ID, v)
  }
}

// EncodeDataPoints serializes data points into sub-records, as used by data point writes.
func EncodeDataPoints(dps ...DataPoint) ([]byte, error) {
  var out []byte

  for _, dp := range dps {
    value, err := encodeValue(dp)

    if err != nil {
      return nil, err
    }

    if len(value) > math.MaxUint16 {
      return nil, errors.Wrapf(ErrInvalidDataPoint, "dp %d: value too large (%d bytes)", dp.ID, len(value))
    }

    out = append(out, dp.ID, byte(dp.Type))
    out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
    out = append(out, value...)
  }

  return out, nil
}
