package link

import (
	"net"
	"time"

	"github.com/serialoverip/soip/pkg/serialdev"
)

// vcomHaltThreshold mirrors comHaltThreshold for the virtual-device loop.
const vcomHaltThreshold = 4

// configSettleDelay is how long the VCOM serial-side loop waits after a
// configuration-change event before reading and forwarding the new
// configuration, so a burst of application-side changes collapses into a
// single CONFIGURE_PORT.
const configSettleDelay = 100 * time.Millisecond

// NewVCOMHandler constructs a Handler backed by a VirtualDevice and starts
// its RX and serial TX goroutines.
func NewVCOMHandler(conn net.Conn, opts Options) *Handler {
	h := newHandler(conn, serialdev.NewVirtualDevice(), opts)
	h.wg.Add(2)
	go h.rxLoop()
	go vcomSerialLoop(h)
	return h
}

// vcomShouldPause reports whether the staging ring's free space has
// dropped below 1/4 of capacity, the virtual variant's back-pressure
// threshold. Equivalent in spirit to comMostlyFull's 3/4-occupancy check,
// phrased in terms of remaining room instead.
func (h *Handler) vcomShouldPause() bool {
	usable := h.ring.Cap() - 1
	free := usable - h.ring.Available()
	return free*4 < usable
}

// vcomSerialLoop is the serial-side goroutine body for a virtual-port
// link. It differs from comSerialLoop in its back-pressure threshold and
// in additionally reacting to configuration-change events from the
// attached application.
func vcomSerialLoop(h *Handler) {
	defer h.wg.Done()
	haltCycles := 0

	for h.IsAlive() {
		if !h.waitLocalPortOpen() {
			break
		}

		workDone, fatal := h.drainRingToSerial(h.vcomShouldPause)
		if fatal != nil {
			h.logFatal("serial write failed", fatal)
			break
		}

		wd, fatal2 := h.pullSerialToNetwork()
		if fatal2 != nil {
			h.logFatal("STREAM_SERIAL transmission failed", fatal2)
			break
		}
		workDone = workDone || wd

		if workDone {
			haltCycles = 0
		} else {
			haltCycles++
		}
		wait := haltCycles > vcomHaltThreshold

		ev, err := h.device.WaitEvent(wait)
		if wait {
			haltCycles = 0
		}
		if err != nil {
			continue
		}
		if ev&serialdev.EventLineState != 0 {
			if err := h.emitLineState(); err != nil {
				h.logFatal("PORT_STATE failed", err)
				break
			}
		}
		if ev&serialdev.EventConfigChanged != 0 {
			if !h.forwardSettledConfig() {
				break
			}
		}
	}

	h.Shutdown()
}

// forwardSettledConfig waits for a burst of configuration changes to
// settle, then forwards the latest one as CONFIGURE_PORT. It returns false
// on a fatal send failure (the caller must then exit its loop).
func (h *Handler) forwardSettledConfig() bool {
	time.Sleep(configSettleDelay)
	changes := h.device.ConfigChanges()
	if changes == nil {
		return true
	}
	select {
	case cfg := <-changes:
		if err := h.sendConfigurePort(cfg); err != nil {
			h.logFatal("CONFIGURE_PORT forward failed", err)
			return false
		}
	default:
	}
	return true
}
