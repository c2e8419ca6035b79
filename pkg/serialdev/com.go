package serialdev

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/serialoverip/soip/pkg/wire"
)

// readPollTimeout bounds each blocking Read call on the underlying port so
// the COM device's Read never stalls the TX loop's retry cadence; a
// timeout with zero bytes is go.bug.st/serial's "no data yet" signal,
// which COM.Read reports back as (0, nil).
const readPollTimeout = 20 * time.Millisecond

// linePollInterval is how often WaitEvent samples the modem status bits
// while waiting for a hardware line-state change, since go.bug.st/serial
// has no native line-state interrupt/event API.
const linePollInterval = 20 * time.Millisecond

// COM is a Device bound to a real serial port via go.bug.st/serial.
type COM struct {
	mu      sync.Mutex
	name    string
	port    serial.Port
	cfg     wire.SerialConfig
	writer  pendingWriter
	lastDSR bool
	lastCTS bool
	abort   chan struct{}
}

// NewCOM constructs an unopened COM device.
func NewCOM() *COM {
	return &COM{abort: make(chan struct{}, 1)}
}

func (d *COM) Open(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		d.closeLocked()
	}
	mode := &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(name, mode)
	if err != nil {
		return fmt.Errorf("serialdev: open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serialdev: set read timeout on %s: %w", name, err)
	}
	d.port = port
	d.name = name
	d.writer.reset()
	return nil
}

func (d *COM) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *COM) closeLocked() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.name = ""
	d.writer.reset()
	return err
}

func (d *COM) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

func (d *COM) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *COM) SetConfig(cfg wire.SerialConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return ErrClosed
	}
	if cfg.StopBits == wire.StopBitsOneHalf {
		return ErrUnsupportedStopBits
	}
	mode := &serial.Mode{
		BaudRate: int(cfg.BaudRate),
		DataBits: int(cfg.DataBits),
		Parity:   toSerialParity(cfg.Parity),
		StopBits: toSerialStopBits(cfg.StopBits),
	}
	if err := d.port.SetMode(mode); err != nil {
		return fmt.Errorf("serialdev: configure %s: %w", d.name, err)
	}
	d.cfg = cfg
	return nil
}

func (d *COM) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return 0, ErrClosed
	}
	return d.writer.write(d.port, p)
}

func (d *COM) Read(p []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, ErrClosed
	}
	n, err := port.Read(p)
	if err != nil {
		return 0, ErrClosed
	}
	return n, nil
}

func (d *COM) Lines() (dsr, cts bool, err error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return false, false, ErrClosed
	}
	bits, err := port.GetModemStatusBits()
	if err != nil {
		return false, false, fmt.Errorf("serialdev: read modem status: %w", err)
	}
	return bits.DSR, bits.CTS, nil
}

func (d *COM) SetLines(dtr, rts bool) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	if err := port.SetDTR(dtr); err != nil {
		return fmt.Errorf("serialdev: set DTR: %w", err)
	}
	if err := port.SetRTS(rts); err != nil {
		return fmt.Errorf("serialdev: set RTS: %w", err)
	}
	return nil
}

// WaitEvent polls GetModemStatusBits for a change, since go.bug.st/serial
// exposes no blocking wait primitive for hardware line transitions. When
// wait is true it polls for up to one linePollInterval-spaced cycle per
// call, woken early by AbortWait; when wait is false it samples once and
// returns immediately. Data-ready/tx-empty events are left to the caller's
// own Read/Write calls, which already run on their own poll cadence.
func (d *COM) WaitEvent(wait bool) (Event, error) {
	dsr, cts, err := d.Lines()
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	changed := dsr != d.lastDSR || cts != d.lastCTS
	d.lastDSR, d.lastCTS = dsr, cts
	d.mu.Unlock()
	if changed {
		return EventLineState, nil
	}
	if !wait {
		return 0, nil
	}
	select {
	case <-time.After(linePollInterval):
		return 0, nil
	case <-d.abort:
		return 0, nil
	}
}

func (d *COM) AbortWait() {
	select {
	case d.abort <- struct{}{}:
	default:
	}
}

// ConfigChanges is nil for COM: local configuration is driver-applied via
// SetConfig, never externally observed.
func (d *COM) ConfigChanges() <-chan wire.SerialConfig { return nil }

func toSerialParity(p wire.Parity) serial.Parity {
	switch p {
	case wire.ParityOdd:
		return serial.OddParity
	case wire.ParityEven:
		return serial.EvenParity
	case wire.ParityMark:
		return serial.MarkParity
	case wire.ParitySpace:
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func toSerialStopBits(s wire.StopBits) serial.StopBits {
	switch s {
	case wire.StopBitsOneHalf:
		return serial.OnePointFiveStopBits
	case wire.StopBitsTwo:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}
