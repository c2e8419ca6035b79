// Package link implements the per-link LinkHandler: the concurrency
// between a link's network side and its serial side, the protocol
// handshakes, flow control, and the lifecycle from construction through
// shutdown.
package link

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/serialoverip/soip/pkg/ring"
	"github.com/serialoverip/soip/pkg/serialdev"
	"github.com/serialoverip/soip/pkg/wire"
)

// DefaultHandshakeTimeout bounds how long OPEN_PORT, CLOSE_PORT, and
// CONFIGURE_PORT handshakes wait for the peer's CONFIRM.
const DefaultHandshakeTimeout = 4 * time.Second

const serialReadRetryDelay = 10 * time.Millisecond

// Options configures a Handler at construction time.
type Options struct {
	// RingCapacity sizes the network->serial staging ring. Zero selects
	// ring.DefaultCapacity.
	RingCapacity int
	// HandshakeTimeout bounds OpenRemotePort/CloseRemotePort/SetRemoteConfig.
	// Zero selects DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// OnDeath, if set, is invoked exactly once when the handler transitions
	// to Dead. HandlerRegistry uses this to learn of link deaths.
	OnDeath func(*Handler)
}

// Handler is one Serial-over-IP link: the owner of a transport connection,
// a local serial device, and the two worker goroutines (RX, serial TX)
// that bridge them. A Handler is constructed already Alive (its RX and TX
// goroutines are started by New*); it stays Alive until Shutdown.
type Handler struct {
	conn   net.Conn
	device serialdev.Device
	ring   *ring.Buffer

	handshakeTimeout time.Duration

	sendMu sync.Mutex

	flowMu           sync.Mutex
	flowEnable       bool // may we stream local serial bytes to the peer
	remoteFlowEnable bool // have we NOT asked the peer to pause

	hsMu         sync.Mutex
	hsResultCh   chan bool
	remotePort   string
	remoteOpened bool

	localCond *sync.Cond

	once    sync.Once
	doneCh  chan struct{}
	onDeath func(*Handler)

	wg sync.WaitGroup
}

func newHandler(conn net.Conn, device serialdev.Device, opts Options) *Handler {
	ringCap := opts.RingCapacity
	if ringCap == 0 {
		ringCap = ring.DefaultCapacity
	}
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	h := &Handler{
		conn:             conn,
		device:           device,
		ring:             ring.New(ringCap),
		handshakeTimeout: timeout,
		flowEnable:       true,
		remoteFlowEnable: true,
		doneCh:           make(chan struct{}),
		onDeath:          opts.OnDeath,
	}
	h.localCond = sync.NewCond(&sync.Mutex{})
	return h
}

// RemoteAddr returns the address of the peer this link is connected to,
// for logging.
func (h *Handler) RemoteAddr() net.Addr { return h.conn.RemoteAddr() }

func (h *Handler) logPrefix() string {
	return fmt.Sprintf("link[%s]", h.conn.RemoteAddr())
}

// IsAlive reports whether this handler's socket is still open.
func (h *Handler) IsAlive() bool {
	select {
	case <-h.doneCh:
		return false
	default:
		return true
	}
}

// Shutdown transitions the handler to Dead exactly once: closes the local
// serial device, closes the socket, wakes every waiting goroutine, and
// invokes the registered death callback. It returns true on the call that
// performed the transition, false on every subsequent call.
func (h *Handler) Shutdown() bool {
	ranNow := false
	h.once.Do(func() {
		ranNow = true
		close(h.doneCh)
		h.conn.Close()
		h.device.Close()
		h.device.AbortWait()
		h.localCond.L.Lock()
		h.localCond.Broadcast()
		h.localCond.L.Unlock()
		h.resolveHandshake(false)
		if h.onDeath != nil {
			h.onDeath(h)
		}
		log.Printf("%s: shut down", h.logPrefix())
	})
	return ranNow
}

// Wait blocks until both worker goroutines have exited. Callers (tests,
// the HandlerRegistry reaper) use this after observing !IsAlive() to know
// it is safe to drop the last reference to this Handler.
func (h *Handler) Wait() { h.wg.Wait() }

// Send transmits one frame, serialized against concurrent senders by the
// handler's single send mutex so header and payload never interleave with
// another frame's bytes.
func (h *Handler) Send(op wire.OpCode, payload []byte) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return wire.Encode(h.conn, op, payload)
}

// --- local port ---

// OpenLocalPort closes any currently-open local device, then opens name.
func (h *Handler) OpenLocalPort(name string) bool {
	h.localCond.L.Lock()
	defer h.localCond.L.Unlock()
	if h.device.IsOpen() {
		h.device.Close()
	}
	if err := h.device.Open(name); err != nil {
		log.Printf("%s: open local port %q: %v", h.logPrefix(), name, err)
		return false
	}
	log.Printf("%s: local port %q open", h.logPrefix(), name)
	h.localCond.Broadcast()
	return true
}

// CloseLocalPort idempotently closes the local device if open.
func (h *Handler) CloseLocalPort() bool {
	h.localCond.L.Lock()
	defer h.localCond.L.Unlock()
	if !h.device.IsOpen() {
		return true
	}
	err := h.device.Close()
	h.localCond.Broadcast()
	if err != nil {
		log.Printf("%s: close local port: %v", h.logPrefix(), err)
		return false
	}
	log.Printf("%s: local port closed", h.logPrefix())
	return true
}

// SetLocalConfig applies cfg to the local device. It requires the port to
// already be open.
func (h *Handler) SetLocalConfig(cfg wire.SerialConfig) bool {
	if !h.device.IsOpen() {
		log.Printf("%s: configure local port: no port open", h.logPrefix())
		return false
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("%s: configure local port: %v", h.logPrefix(), err)
		return false
	}
	if err := h.device.SetConfig(cfg); err != nil {
		log.Printf("%s: configure local port: %v", h.logPrefix(), err)
		return false
	}
	return true
}

// waitLocalPortOpen blocks the calling (serial-side) goroutine until a
// local port is open or the link dies, returning whether a port is open.
func (h *Handler) waitLocalPortOpen() bool {
	h.localCond.L.Lock()
	defer h.localCond.L.Unlock()
	for !h.device.IsOpen() && h.IsAlive() {
		h.localCond.Wait()
	}
	return h.device.IsOpen()
}

// --- remote port handshakes (requester side) ---

// OpenRemotePort sends OPEN_PORT(name) and blocks on the handshake.
func (h *Handler) OpenRemotePort(name string) bool {
	ok := h.doHandshake(wire.OpOpenPort, wire.BuildOpenPort(name))
	if ok {
		h.hsMu.Lock()
		h.remotePort = name
		h.remoteOpened = true
		h.hsMu.Unlock()
	}
	return ok
}

// CloseRemotePort sends CLOSE_PORT and blocks on the handshake. If no
// remote port is tracked as open, it returns success without wire I/O, so
// closing twice succeeds twice and only the first close touches the wire.
func (h *Handler) CloseRemotePort() bool {
	h.hsMu.Lock()
	tracked := h.remoteOpened
	h.hsMu.Unlock()
	if !tracked {
		return true
	}
	ok := h.doHandshake(wire.OpClosePort, wire.BuildClosePort())
	if ok {
		h.hsMu.Lock()
		h.remoteOpened = false
		h.remotePort = ""
		h.hsMu.Unlock()
	}
	return ok
}

// SetRemoteConfig sends CONFIGURE_PORT(cfg) and blocks on the handshake.
func (h *Handler) SetRemoteConfig(cfg wire.SerialConfig) bool {
	return h.doHandshake(wire.OpConfigurePort, wire.BuildConfigurePort(cfg))
}

// doHandshake sends op/payload and waits up to handshakeTimeout for the
// matching CONFIRM. A single latest-value channel suffices as the return
// slot: the protocol forbids issuing a second handshake request before
// the first resolves.
func (h *Handler) doHandshake(op wire.OpCode, payload []byte) bool {
	ch := make(chan bool, 1)
	h.hsMu.Lock()
	h.hsResultCh = ch
	h.hsMu.Unlock()

	if err := h.Send(op, payload); err != nil {
		log.Printf("%s: handshake %s: send failed: %v", h.logPrefix(), op, err)
		h.clearHandshakeSlot(ch)
		return false
	}

	select {
	case ok := <-ch:
		return ok
	case <-time.After(h.handshakeTimeout):
		log.Printf("%s: handshake %s: timed out after %s", h.logPrefix(), op, h.handshakeTimeout)
		h.clearHandshakeSlot(ch)
		return false
	case <-h.doneCh:
		return false
	}
}

func (h *Handler) clearHandshakeSlot(ch chan bool) {
	h.hsMu.Lock()
	if h.hsResultCh == ch {
		h.hsResultCh = nil
	}
	h.hsMu.Unlock()
}

// resolveHandshake delivers ok to the single outstanding handshake waiter,
// if any. It is safe to call when no handshake is pending.
func (h *Handler) resolveHandshake(ok bool) {
	h.hsMu.Lock()
	ch := h.hsResultCh
	h.hsResultCh = nil
	h.hsMu.Unlock()
	if ch != nil {
		ch <- ok
	}
}

// --- wire.Handlers: inbound protocol dispatch ---

func (h *Handler) OnError(msg string) {
	log.Printf("%s: peer reported error: %s", h.logPrefix(), msg)
	h.resolveHandshake(false)
}

func (h *Handler) OnConfirm(ok bool) { h.resolveHandshake(ok) }

func (h *Handler) OnOpenPort(portName string) bool            { return h.OpenLocalPort(portName) }
func (h *Handler) OnClosePort() bool                          { return h.CloseLocalPort() }
func (h *Handler) OnConfigurePort(cfg wire.SerialConfig) bool { return h.SetLocalConfig(cfg) }

func (h *Handler) OnStreamSerial(data []byte) int {
	n := h.ring.Push(data)
	// New staged bytes are work for the serial-side loop; pull it out of a
	// blocking event wait.
	h.device.AbortWait()
	return n
}

func (h *Handler) OnFlowControl(ready bool) {
	h.flowMu.Lock()
	h.flowEnable = ready
	h.flowMu.Unlock()
	h.device.AbortWait()
}

func (h *Handler) OnPortState(dtr, rts bool) {
	if err := h.device.SetLines(dtr, rts); err != nil {
		log.Printf("%s: apply PORT_STATE(dtr=%v,rts=%v): %v", h.logPrefix(), dtr, rts, err)
		if sendErr := h.Send(wire.OpError, wire.BuildError(fmt.Sprintf("apply port state: %v", err))); sendErr != nil {
			log.Printf("%s: report PORT_STATE failure: %v", h.logPrefix(), sendErr)
		}
		return
	}
	h.device.AbortWait()
}

// --- network RX goroutine ---

func (h *Handler) rxLoop() {
	defer h.wg.Done()
	for {
		fr, err := wire.Decode(h.conn)
		if err != nil {
			if h.IsAlive() {
				log.Printf("%s: transport fault: %v", h.logPrefix(), err)
			}
			break
		}
		if err := wire.Dispatch(fr, h, h); err != nil {
			log.Printf("%s: %v", h.logPrefix(), err)
			break
		}
	}
	h.Shutdown()
}

// --- flow control helpers shared by the COM/VCOM serial-side loops ---

// mayTransmitSerial reports whether the peer currently allows us to send
// STREAM_SERIAL frames (flow_enable).
func (h *Handler) mayTransmitSerial() bool {
	h.flowMu.Lock()
	defer h.flowMu.Unlock()
	return h.flowEnable
}

// pauseRemoteStreaming sends FLOW_CONTROL(0) and records that we have
// asked the peer to pause, if we have not already done so.
func (h *Handler) pauseRemoteStreaming() {
	h.flowMu.Lock()
	if !h.remoteFlowEnable {
		h.flowMu.Unlock()
		return
	}
	h.remoteFlowEnable = false
	h.flowMu.Unlock()
	if err := h.Send(wire.OpFlowControl, wire.BuildFlowControl(false)); err != nil {
		log.Printf("%s: send FLOW_CONTROL(pause): %v", h.logPrefix(), err)
	}
}

// resumeRemoteStreaming sends FLOW_CONTROL(1) if we had previously asked
// the peer to pause.
func (h *Handler) resumeRemoteStreaming() {
	h.flowMu.Lock()
	if h.remoteFlowEnable {
		h.flowMu.Unlock()
		return
	}
	h.remoteFlowEnable = true
	h.flowMu.Unlock()
	if err := h.Send(wire.OpFlowControl, wire.BuildFlowControl(true)); err != nil {
		log.Printf("%s: send FLOW_CONTROL(resume): %v", h.logPrefix(), err)
	}
}

// drainRingToSerial writes staged network bytes to the local device,
// requesting the peer pause when mostlyFull reports the ring has crossed
// the variant's back-pressure threshold, and resuming once the ring runs
// dry.
func (h *Handler) drainRingToSerial(mostlyFull func() bool) (workDone bool, fatal error) {
	if h.ring.Available() > 0 {
		seg := h.ring.ContiguousReadSegment()
		n, err := h.device.Write(seg)
		switch {
		case err == nil:
			h.ring.AdvanceRead(n)
			workDone = n > 0
		case errors.Is(err, serialdev.ErrWriteWouldBlock):
			if mostlyFull() {
				h.pauseRemoteStreaming()
			}
		case errors.Is(err, serialdev.ErrClosed):
			// continue: outcome "port closed/timeout", no state change.
		default:
			return false, err
		}
	}
	if h.ring.Available() == 0 {
		h.resumeRemoteStreaming()
	}
	return workDone, nil
}

// pullSerialToNetwork reads local serial bytes (only while the peer allows
// us to stream) and forwards them as one STREAM_SERIAL frame. A read that
// comes back empty is retried once after a short delay before giving up on
// this iteration.
func (h *Handler) pullSerialToNetwork() (workDone bool, fatal error) {
	if !h.mayTransmitSerial() {
		return false, nil
	}
	var buf [wire.MaxSerialChunk]byte
	n, err := h.readSerialOnce(buf[:])
	if err != nil {
		return false, err
	}
	if n == 0 {
		time.Sleep(serialReadRetryDelay)
		n, err = h.readSerialOnce(buf[:])
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	if err := h.Send(wire.OpStreamSerial, buf[:n]); err != nil {
		return false, err
	}
	return true, nil
}

// readSerialOnce performs a single device Read, folding the "closed"
// outcome into (0, nil) so callers only need to distinguish "no data yet"
// from a fatal transmission error.
func (h *Handler) readSerialOnce(buf []byte) (int, error) {
	n, err := h.device.Read(buf)
	if errors.Is(err, serialdev.ErrClosed) {
		return 0, nil
	}
	return n, err
}

// sendConfigurePort forwards a configuration observed on the local device
// to the peer as an unsolicited CONFIGURE_PORT. The virtual-device loop
// uses this to push application-driven configuration changes, not only
// answer requests.
func (h *Handler) sendConfigurePort(cfg wire.SerialConfig) error {
	return h.Send(wire.OpConfigurePort, wire.BuildConfigurePort(cfg))
}

// logFatal logs a fatal serial-side error. The caller is responsible for
// breaking its loop and invoking Shutdown afterward.
func (h *Handler) logFatal(context string, err error) {
	log.Printf("%s: %s: %v", h.logPrefix(), context, err)
}

// emitLineState reads the local DSR/CTS lines and sends PORT_STATE. The
// COM/VCOM loops call this after WaitEvent reports EventLineState.
func (h *Handler) emitLineState() error {
	dsr, cts, err := h.device.Lines()
	if err != nil {
		return fmt.Errorf("read line state: %w", err)
	}
	if err := h.Send(wire.OpPortState, wire.BuildPortState(dsr, cts)); err != nil {
		return fmt.Errorf("send PORT_STATE: %w", err)
	}
	return nil
}
