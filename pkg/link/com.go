package link

import (
	"net"

	"github.com/serialoverip/soip/pkg/serialdev"
)

// comHaltThreshold is the number of consecutive no-work serial-loop
// iterations after which the loop switches from a quick poll to a real
// blocking wait on the next device event.
const comHaltThreshold = 4

// NewCOMHandler constructs a Handler backed by a real serial port and
// starts its RX and serial TX goroutines. conn is the
// already-accepted/-dialed transport connection; the caller retains no
// other reference to it.
func NewCOMHandler(conn net.Conn, opts Options) *Handler {
	h := newHandler(conn, serialdev.NewCOM(), opts)
	h.wg.Add(2)
	go h.rxLoop()
	go comSerialLoop(h)
	return h
}

// comMostlyFull reports whether the staging ring has crossed 3/4
// occupancy, the point at which the peer is asked to pause streaming.
func (h *Handler) comMostlyFull() bool {
	usable := h.ring.Cap() - 1
	return h.ring.Available()*4 > usable*3
}

// comSerialLoop is the serial-side goroutine body for a real-port link:
// wait for a local port, drain staged network bytes to it, pull
// locally-read bytes to the network, then wait for the next device event,
// reporting hardware line-state transitions as PORT_STATE frames.
func comSerialLoop(h *Handler) {
	defer h.wg.Done()
	haltCycles := 0

	for h.IsAlive() {
		if !h.waitLocalPortOpen() {
			break
		}

		workDone, fatal := h.drainRingToSerial(h.comMostlyFull)
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
		wait := haltCycles > comHaltThreshold

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
	}

	h.Shutdown()
}
