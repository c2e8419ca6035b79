// Package serialdev provides the abstract SerialDevice capability that
// LinkHandler-COM and LinkHandler-VCOM drive: opening/closing a local
// serial port, applying a SerialConfig, non-blocking-style read/write, the
// hardware handshake lines, and an event wait used to avoid busy-spinning
// the serial-side loop. COM and VirtualDevice are this module's bindings
// of that abstraction onto go.bug.st/serial and an in-process virtual
// port.
package serialdev

import (
	"errors"

	"github.com/serialoverip/soip/pkg/wire"
)

// ErrClosed is returned by Read/Write when the device is not open or the
// port has gone away under us. The caller treats it as "nothing happened,
// loop again", not as a fatal error by itself.
var ErrClosed = errors.New("serialdev: device not open")

// ErrWriteWouldBlock is returned by Write when a previous write is still
// completing in the background; the caller retries later without
// advancing its read cursor.
var ErrWriteWouldBlock = errors.New("serialdev: write would block")

// ErrUnsupportedStopBits is returned by SetConfig for stop-bit settings
// the local platform layer does not support. One-and-a-half stop bits are
// rejected rather than silently remapped.
var ErrUnsupportedStopBits = errors.New("serialdev: stop bits not supported on this device")

// Event is a bitmask of conditions WaitEvent can report.
type Event uint8

const (
	// EventLineState indicates a hardware handshake line (DSR/CTS) changed.
	EventLineState Event = 1 << iota
	// EventDataReady indicates serial bytes are available to read.
	EventDataReady
	// EventTxEmpty indicates the transmit buffer has drained.
	EventTxEmpty
	// EventConfigChanged indicates the attached application (VCOM only)
	// changed the externally-driven serial configuration.
	EventConfigChanged
)

// Device is the abstract serial-port capability both link variants drive;
// only construction differs (a real port opened through go.bug.st/serial
// vs. a VirtualDevice backed by an in-process duplex).
type Device interface {
	// Open closes any currently-open port, then opens name. Returns an
	// error if the open failed.
	Open(name string) error
	// Close idempotently closes the device if open.
	Close() error
	// IsOpen reports whether a port is currently open.
	IsOpen() bool
	// Name returns the currently open port name, or "" if none is open.
	Name() string
	// SetConfig applies cfg. On a device whose configuration is
	// externally driven (VCOM), this is a no-op that always succeeds.
	SetConfig(cfg wire.SerialConfig) error

	// Write attempts to write p without blocking the caller indefinitely.
	// It returns the number of bytes accepted. ErrWriteWouldBlock means a
	// previous write has not yet completed; the caller should retry later
	// without advancing its own read cursor. ErrClosed means the device
	// is not open.
	Write(p []byte) (n int, err error)
	// Read attempts a read without blocking the caller indefinitely. A
	// return of (0, nil) means no data is currently available (retry).
	// ErrClosed means the device is not open or reading failed fatally.
	Read(p []byte) (n int, err error)

	// Lines reads the current DSR/CTS hardware handshake line state.
	Lines() (dsr, cts bool, err error)
	// SetLines asserts the local DTR/RTS output lines.
	SetLines(dtr, rts bool) error

	// WaitEvent performs a single non-blocking poll when wait is false.
	// When wait is true it waits for an event for at most one poll
	// interval of the implementation and returns 0 if none occurred.
	// AbortWait interrupts an in-progress waiting WaitEvent call from
	// another goroutine.
	WaitEvent(wait bool) (Event, error)
	AbortWait()

	// ConfigChanges reports externally-driven configuration changes
	// (meaningful for VCOM only; a COM device returns a nil channel,
	// which blocks forever in a select, contributing no events).
	ConfigChanges() <-chan wire.SerialConfig
}
