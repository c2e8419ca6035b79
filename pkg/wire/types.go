// Package wire implements the Serial-over-IP framed wire protocol: the
// length-prefixed frame header, the per-operation payload encodings, and
// the SerialConfig wire representation.
package wire

import "fmt"

// OpCode identifies the operation carried by a frame's payload.
type OpCode byte

// Defined operation codes.
const (
	OpError         OpCode = 0x00
	OpConfirm       OpCode = 0x01
	OpOpenPort      OpCode = 0x10
	OpClosePort     OpCode = 0x20
	OpConfigurePort OpCode = 0x30
	OpStreamSerial  OpCode = 0x40
	OpFlowControl   OpCode = 0x50
	OpPortState     OpCode = 0x60
)

func (c OpCode) String() string {
	switch c {
	case OpError:
		return "ERROR"
	case OpConfirm:
		return "CONFIRM"
	case OpOpenPort:
		return "OPEN_PORT"
	case OpClosePort:
		return "CLOSE_PORT"
	case OpConfigurePort:
		return "CONFIGURE_PORT"
	case OpStreamSerial:
		return "STREAM_SERIAL"
	case OpFlowControl:
		return "FLOW_CONTROL"
	case OpPortState:
		return "PORT_STATE"
	default:
		return fmt.Sprintf("OP(0x%02x)", byte(c))
	}
}

// MaxPayloadLength is the largest payload_length a frame may declare
// (op_code + operation payload), bounding the total frame at 256 bytes
// including the 7-byte header.
const MaxPayloadLength = 249

// MaxSerialChunk is the largest number of raw serial bytes a single
// STREAM_SERIAL frame can carry (MaxPayloadLength minus the op_code byte).
const MaxSerialChunk = MaxPayloadLength - 1

// StopBits enumerates the wire-encoded stop bit settings.
type StopBits uint32

const (
	StopBitsOne     StopBits = 1
	StopBitsOneHalf StopBits = 2
	StopBitsTwo     StopBits = 3
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "one"
	case StopBitsOneHalf:
		return "one-half"
	case StopBitsTwo:
		return "two"
	default:
		return fmt.Sprintf("stopbits(%d)", uint32(s))
	}
}

// Parity enumerates the wire-encoded parity settings.
type Parity uint32

const (
	ParityNone  Parity = 1
	ParityOdd   Parity = 2
	ParityEven  Parity = 3
	ParityMark  Parity = 4
	ParitySpace Parity = 5
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("parity(%d)", uint32(p))
	}
}

// FlowControl enumerates the wire-encoded flow-control modes. XonXoff is
// carried transparently as data (the XON/XOFF characters pass through on
// the serial byte stream); it is recorded here only so CONFIGURE_PORT can
// describe the local device's handshake wiring.
type FlowControl uint32

const (
	FlowControlNone    FlowControl = 1
	FlowControlXonXoff FlowControl = 2
	FlowControlRtsCts  FlowControl = 3
	FlowControlDsrDtr  FlowControl = 4
)

func (f FlowControl) String() string {
	switch f {
	case FlowControlNone:
		return "none"
	case FlowControlXonXoff:
		return "xon-xoff"
	case FlowControlRtsCts:
		return "rts-cts"
	case FlowControlDsrDtr:
		return "dsr-dtr"
	default:
		return fmt.Sprintf("flowcontrol(%d)", uint32(f))
	}
}

// SerialConfigWireSize is the exact encoded length of a SerialConfig: a
// big-endian u32 baud rate, a u8 data-bit count, and three big-endian u32
// enum codes (stop bits, parity, flow control).
const SerialConfigWireSize = 4 + 1 + 4 + 4 + 4

// SerialConfig describes a serial line's configuration as carried by
// CONFIGURE_PORT. XonChar and XoffChar are not part of the 17-byte wire
// layout: EncodeSerialConfig omits them and DecodeSerialConfig leaves them
// zero.
type SerialConfig struct {
	BaudRate    uint32
	DataBits    uint8
	StopBits    StopBits
	Parity      Parity
	FlowControl FlowControl
	XonChar     byte
	XoffChar    byte
}

// DefaultXonChar and DefaultXoffChar are the conventional ASCII XON/XOFF
// control codes used when a SerialConfig does not specify its own.
const (
	DefaultXonChar  = 0x11 // DC1
	DefaultXoffChar = 0x13 // DC3
)

// Validate reports whether a SerialConfig's fields hold values this
// protocol can encode and apply. It does not consult a serial device;
// pkg/serialdev performs the additional platform-level rejection of
// unsupported stop-bit settings.
func (c SerialConfig) Validate() error {
	switch c.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("wire: unsupported data bits %d", c.DataBits)
	}
	switch c.StopBits {
	case StopBitsOne, StopBitsOneHalf, StopBitsTwo:
	default:
		return fmt.Errorf("wire: unsupported stop bits code %d", c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("wire: unsupported parity code %d", c.Parity)
	}
	switch c.FlowControl {
	case FlowControlNone, FlowControlXonXoff, FlowControlRtsCts, FlowControlDsrDtr:
	default:
		return fmt.Errorf("wire: unsupported flow control code %d", c.FlowControl)
	}
	return nil
}
