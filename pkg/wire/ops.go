package wire

import (
	"fmt"
)

// Sender transmits one frame. Implementations must serialize concurrent
// Send calls on the same underlying socket, holding the send lock for the
// whole frame.
type Sender interface {
	Send(op OpCode, payload []byte) error
}

// EncodeSerialConfig writes a SerialConfig in its fixed 17-byte wire
// layout: baud (u32 BE), data_bits (u8), stop_bits/parity/flow_control
// (u32 BE each).
func EncodeSerialConfig(c SerialConfig) []byte {
	b := make([]byte, SerialConfigWireSize)
	putUint32BE(b[0:4], c.BaudRate)
	b[4] = c.DataBits
	putUint32BE(b[5:9], uint32(c.StopBits))
	putUint32BE(b[9:13], uint32(c.Parity))
	putUint32BE(b[13:17], uint32(c.FlowControl))
	return b
}

// DecodeSerialConfig parses the fixed 17-byte SerialConfig layout.
func DecodeSerialConfig(b []byte) (SerialConfig, error) {
	if len(b) != SerialConfigWireSize {
		return SerialConfig{}, fmt.Errorf("wire: CONFIGURE_PORT payload is %d bytes, want %d", len(b), SerialConfigWireSize)
	}
	return SerialConfig{
		BaudRate:    getUint32BE(b[0:4]),
		DataBits:    b[4],
		StopBits:    StopBits(getUint32BE(b[5:9])),
		Parity:      Parity(getUint32BE(b[9:13])),
		FlowControl: FlowControl(getUint32BE(b[13:17])),
	}, nil
}

// BuildError builds an ERROR payload (op_code is implicit; callers pass
// OpError to Sender.Send with this payload).
func BuildError(msg string) []byte { return []byte(msg) }

// BuildConfirm builds a CONFIRM payload.
func BuildConfirm(ok bool) []byte {
	if ok {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// BuildOpenPort builds an OPEN_PORT payload.
func BuildOpenPort(portName string) []byte { return []byte(portName) }

// BuildClosePort builds a CLOSE_PORT payload (always empty).
func BuildClosePort() []byte { return nil }

// BuildConfigurePort builds a CONFIGURE_PORT payload.
func BuildConfigurePort(cfg SerialConfig) []byte { return EncodeSerialConfig(cfg) }

// BuildStreamSerial builds a STREAM_SERIAL payload. data must be at most
// MaxSerialChunk bytes; callers split longer runs across multiple frames.
func BuildStreamSerial(data []byte) []byte { return data }

// BuildFlowControl builds a FLOW_CONTROL payload.
func BuildFlowControl(ready bool) []byte {
	if ready {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// BuildPortState builds a PORT_STATE payload.
func BuildPortState(dtr, rts bool) []byte {
	return []byte{boolByte(dtr), boolByte(rts)}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Handlers receives the decoded payload for each inbound operation. A
// LinkHandler implements this interface; Dispatch never blocks on it for
// longer than the handler itself takes (handshake waits happen on the
// requesting goroutine; the OnConfirm/OnError callbacks only resolve them).
type Handlers interface {
	// OnError is called for a received ERROR frame; msg is UTF-8.
	OnError(msg string)
	// OnConfirm is called for a received CONFIRM frame.
	OnConfirm(ok bool)
	// OnOpenPort attempts to open the named local port and returns whether
	// it succeeded; Dispatch replies with CONFIRM(ok).
	OnOpenPort(portName string) bool
	// OnClosePort attempts to close the local port; Dispatch replies with
	// CONFIRM(ok).
	OnClosePort() bool
	// OnConfigurePort applies cfg to the local port; Dispatch replies with
	// CONFIRM(ok).
	OnConfigurePort(cfg SerialConfig) bool
	// OnStreamSerial appends data to the network->serial ring buffer and
	// returns how many bytes were accepted. If accepted < len(data),
	// Dispatch reports the back-pressure violation via ERROR.
	OnStreamSerial(data []byte) (accepted int)
	// OnFlowControl is called for a received FLOW_CONTROL frame; ready
	// reports whether the peer asked us to resume (true) or pause (false).
	OnFlowControl(ready bool)
	// OnPortState is called for a received PORT_STATE frame carrying the
	// peer's DTR/RTS output lines, to be applied as local input assertions.
	OnPortState(dtr, rts bool)
}

// Dispatch decodes fr's payload according to fr.Op and invokes the matching
// Handlers callback, replying over tx where the protocol requires a
// response. It never tears the link down itself: transport faults are the
// caller's concern (they occur in Decode, not Dispatch); Dispatch only
// ever reports protocol faults via ERROR.
func Dispatch(fr Frame, h Handlers, tx Sender) error {
	switch fr.Op {
	case OpError:
		h.OnError(string(fr.Payload))
		return nil

	case OpConfirm:
		if len(fr.Payload) != 1 {
			return protocolFault(tx, fmt.Sprintf("malformed CONFIRM payload (%d bytes)", len(fr.Payload)))
		}
		h.OnConfirm(fr.Payload[0] == 0x01)
		return nil

	case OpOpenPort:
		name := string(fr.Payload)
		ok := h.OnOpenPort(name)
		return reply(tx, OpConfirm, BuildConfirm(ok))

	case OpClosePort:
		ok := h.OnClosePort()
		return reply(tx, OpConfirm, BuildConfirm(ok))

	case OpConfigurePort:
		cfg, err := DecodeSerialConfig(fr.Payload)
		if err != nil {
			return protocolFault(tx, err.Error())
		}
		ok := h.OnConfigurePort(cfg)
		return reply(tx, OpConfirm, BuildConfirm(ok))

	case OpStreamSerial:
		if len(fr.Payload) == 0 {
			return protocolFault(tx, "empty STREAM_SERIAL payload")
		}
		accepted := h.OnStreamSerial(fr.Payload)
		if accepted < len(fr.Payload) {
			return protocolFault(tx, "reception buffer overflow, flow control failed")
		}
		return nil

	case OpFlowControl:
		if len(fr.Payload) != 1 {
			return protocolFault(tx, fmt.Sprintf("malformed FLOW_CONTROL payload (%d bytes)", len(fr.Payload)))
		}
		h.OnFlowControl(fr.Payload[0] == 0x01)
		return nil

	case OpPortState:
		if len(fr.Payload) != 2 {
			return protocolFault(tx, fmt.Sprintf("malformed PORT_STATE payload (%d bytes)", len(fr.Payload)))
		}
		h.OnPortState(fr.Payload[0] != 0, fr.Payload[1] != 0)
		return nil

	default:
		return protocolFault(tx, fmt.Sprintf("unknown op_code 0x%02x", byte(fr.Op)))
	}
}

func reply(tx Sender, op OpCode, payload []byte) error {
	if err := tx.Send(op, payload); err != nil {
		return fmt.Errorf("wire: send %s: %w", op, err)
	}
	return nil
}

// protocolFault reports a non-fatal protocol error to the peer. The link
// is not torn down for this; Dispatch returns nil on success so the RX
// loop keeps reading.
func protocolFault(tx Sender, msg string) error {
	if err := tx.Send(OpError, BuildError(msg)); err != nil {
		return fmt.Errorf("wire: send ERROR(%s): %w", msg, err)
	}
	return nil
}
