package serialdev

import (
	"io"
	"sync"
	"time"

	"github.com/serialoverip/soip/pkg/wire"
)

// vcomPollInterval bounds how long a WaitEvent(true) call waits for a
// configuration change or an AbortWait before returning with no event.
// VirtualDevice.WaitEvent never reports EventLineState: a DSR/CTS change
// made through Endpoint.SetLocalLines only interrupts the wait, and the
// new values are visible through Lines.
const vcomPollInterval = 20 * time.Millisecond

// VirtualDevice is a Device with no real hardware behind it: the serial
// data and serial configuration are driven by whatever application is
// attached via Attach.
type VirtualDevice struct {
	mu   sync.Mutex
	name string
	open bool

	netToAppW *io.PipeWriter
	netToAppR *io.PipeReader
	appToNetW *io.PipeWriter
	appToNetR *io.PipeReader

	writer pendingWriter
	reader pendingReader

	dtr, rts bool // asserted by the peer via PORT_STATE, applied locally
	dsr, cts bool // asserted by the attached application

	configCh chan wire.SerialConfig
	abort    chan struct{}
}

// NewVirtualDevice constructs an unopened virtual device.
func NewVirtualDevice() *VirtualDevice {
	return &VirtualDevice{
		configCh: make(chan wire.SerialConfig, 1),
		abort:    make(chan struct{}, 1),
	}
}

// Endpoint is the attached-application side of a VirtualDevice: whatever
// process owns the virtual port reads serial bytes relayed from the
// network here and writes the bytes it wants forwarded to the network.
type Endpoint struct {
	io.ReadWriteCloser
	dev *VirtualDevice
}

// SetLocalLines lets the attached application set the DSR/CTS values this
// virtual port returns from Lines.
func (e *Endpoint) SetLocalLines(dsr, cts bool) {
	e.dev.mu.Lock()
	e.dev.dsr, e.dev.cts = dsr, cts
	e.dev.mu.Unlock()
	e.dev.AbortWait()
}

// NotifyConfigChange lets the attached application push a configuration
// change onto the link. The serial-side loop observes the change as an
// EventConfigChanged wait result, lets a burst of changes settle, then
// reads the latest one via ConfigChanges.
func (e *Endpoint) NotifyConfigChange(cfg wire.SerialConfig) {
	select {
	case e.dev.configCh <- cfg:
	default:
		// A change is already queued and not yet consumed; replace it so
		// the consumer sees the latest configuration once it settles.
		select {
		case <-e.dev.configCh:
		default:
		}
		e.dev.configCh <- cfg
	}
	e.dev.AbortWait()
}

// Attach opens (or reopens) this virtual device under name and returns the
// attached-application endpoint.
func (d *VirtualDevice) Attach(name string) *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	d.netToAppR, d.netToAppW = io.Pipe()
	d.appToNetR, d.appToNetW = io.Pipe()
	d.name = name
	d.open = true
	d.writer.reset()
	d.reader.reset()
	return &Endpoint{
		ReadWriteCloser: pipeEndpoint{r: d.netToAppR, w: d.appToNetW},
		dev:             d,
	}
}

// pipeEndpoint adapts the two independent pipe halves into one
// io.ReadWriteCloser for the attached application.
type pipeEndpoint struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeEndpoint) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeEndpoint) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeEndpoint) Close() error {
	p.r.Close()
	return p.w.Close()
}

func (d *VirtualDevice) Open(name string) error {
	d.Attach(name)
	return nil
}

func (d *VirtualDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *VirtualDevice) closeLocked() error {
	if !d.open {
		return nil
	}
	d.netToAppW.Close()
	d.netToAppR.Close()
	d.appToNetW.Close()
	d.appToNetR.Close()
	d.open = false
	d.name = ""
	d.writer.reset()
	d.reader.reset()
	return nil
}

func (d *VirtualDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *VirtualDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// SetConfig is a no-op: a virtual port's configuration is owned by the
// attached application. It always reports success so the CONFIGURE_PORT
// handshake replies CONFIRM(ok) without consulting this device.
func (d *VirtualDevice) SetConfig(wire.SerialConfig) error { return nil }

func (d *VirtualDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	w := d.netToAppW
	open := d.open
	d.mu.Unlock()
	if !open {
		return 0, ErrClosed
	}
	return d.writer.write(w, p)
}

func (d *VirtualDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	r := d.appToNetR
	open := d.open
	d.mu.Unlock()
	if !open {
		return 0, ErrClosed
	}
	return d.reader.read(r, p)
}

func (d *VirtualDevice) Lines() (dsr, cts bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false, false, ErrClosed
	}
	return d.dsr, d.cts, nil
}

func (d *VirtualDevice) SetLines(dtr, rts bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.dtr, d.rts = dtr, rts
	return nil
}

func (d *VirtualDevice) WaitEvent(wait bool) (Event, error) {
	for {
		select {
		case cfg := <-d.configCh:
			// Re-queue: the caller consumes the configuration via
			// ConfigChanges(), not via this return value.
			select {
			case d.configCh <- cfg:
			default:
			}
			return EventConfigChanged, nil
		default:
		}

		if !wait {
			return 0, nil
		}
		select {
		case <-time.After(vcomPollInterval):
			return 0, nil
		case <-d.abort:
			return 0, nil
		case cfg := <-d.configCh:
			select {
			case d.configCh <- cfg:
			default:
			}
			return EventConfigChanged, nil
		}
	}
}

func (d *VirtualDevice) AbortWait() {
	select {
	case d.abort <- struct{}{}:
	default:
	}
}

func (d *VirtualDevice) ConfigChanges() <-chan wire.SerialConfig { return d.configCh }
