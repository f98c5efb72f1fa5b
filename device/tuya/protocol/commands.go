// Package protocol implements the wire format of the Tuya BLE application protocol: framing with
// a CRC-16 trailer, the padded AES-128-ECB payload cipher and the typed data point records.
package protocol

import "fmt"

type Command uint8

const (
  CommandPairRequest       Command = 0x01
  CommandPairResponse      Command = 0x02
  CommandDeviceInfoRequest Command = 0x03
  CommandDeviceInfoResponse Command = 0x04
  CommandDataPointWrite    Command = 0x06
  CommandDataPointReport   Command = 0x07
  CommandDataPointQuery    Command = 0x08
  CommandTimeSync          Command = 0x0d
)

func (c Command) String() string {
  switch c {
  case CommandPairRequest:
    return "PairRequest"
  case CommandPairResponse:
    return "PairResponse"
  case CommandDeviceInfoRequest:
    return "DeviceInfoRequest"
  case CommandDeviceInfoResponse:
    return "DeviceInfoResponse"
  case CommandDataPointWrite:
    return "DataPointWrite"
  case CommandDataPointReport:
    return "DataPointReport"
  case CommandDataPointQuery:
    return "DataPointQuery"
  case CommandTimeSync:
    return "TimeSync"
  default:
    return fmt.Sprintf("Command(0x%02x)", uint8(c))
  }
}
