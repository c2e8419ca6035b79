package link

import (
	"net"
	"testing"
	"time"

	"github.com/serialoverip/soip/pkg/wire"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newVCOMPair(t *testing.T) (*Handler, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h := NewVCOMHandler(serverConn, Options{HandshakeTimeout: time.Second})
	t.Cleanup(func() {
		h.Shutdown()
		clientConn.Close()
	})
	return h, clientConn
}

func TestOpenLocalPortSucceedsAfterLocalOpenPortFrame(t *testing.T) {
	h, client := newVCOMPair(t)

	if err := wire.Encode(client, wire.OpOpenPort, wire.BuildOpenPort("/virtual/0")); err != nil {
		t.Fatal(err)
	}
	fr, err := wire.Decode(client)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Op != wire.OpConfirm {
		t.Fatalf("got %s, want CONFIRM", fr.Op)
	}
	if len(fr.Payload) != 1 || fr.Payload[0] != 1 {
		t.Fatalf("CONFIRM payload = %v, want ok", fr.Payload)
	}
	if !h.device.IsOpen() {
		t.Fatal("local device not open after OPEN_PORT")
	}
}

func TestOpenRemotePortHandshakeSucceeds(t *testing.T) {
	h, client := newVCOMPair(t)

	done := make(chan bool, 1)
	go func() { done <- h.OpenRemotePort("/virtual/1") }()

	fr, err := wire.Decode(client)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Op != wire.OpOpenPort || string(fr.Payload) != "/virtual/1" {
		t.Fatalf("got frame %s %q, want OPEN_PORT /virtual/1", fr.Op, fr.Payload)
	}
	if err := wire.Encode(client, wire.OpConfirm, wire.BuildConfirm(true)); err != nil {
		t.Fatal(err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("OpenRemotePort = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("OpenRemotePort never returned")
	}
}

func TestOpenRemotePortHandshakeTimesOut(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	h := NewVCOMHandler(serverConn, Options{HandshakeTimeout: 30 * time.Millisecond})
	defer h.Shutdown()

	// Drain the OPEN_PORT frame but never reply.
	go wire.Decode(clientConn)

	if ok := h.OpenRemotePort("/virtual/2"); ok {
		t.Fatal("OpenRemotePort = true, want false on timeout")
	}
}

func TestCloseRemotePortIsNoOpWhenNeverOpened(t *testing.T) {
	h, _ := newVCOMPair(t)
	if !h.CloseRemotePort() {
		t.Fatal("CloseRemotePort() = false, want true (idempotent no-op)")
	}
}

func TestCloseRemotePortSecondCallSkipsWire(t *testing.T) {
	h, client := newVCOMPair(t)

	done := make(chan bool, 1)
	go func() { done <- h.OpenRemotePort("/virtual/9") }()
	if fr, err := wire.Decode(client); err != nil || fr.Op != wire.OpOpenPort {
		t.Fatalf("expected OPEN_PORT, got %v %v", fr, err)
	}
	if err := wire.Encode(client, wire.OpConfirm, wire.BuildConfirm(true)); err != nil {
		t.Fatal(err)
	}
	if !<-done {
		t.Fatal("OpenRemotePort = false, want true")
	}

	go func() { done <- h.CloseRemotePort() }()
	if fr, err := wire.Decode(client); err != nil || fr.Op != wire.OpClosePort {
		t.Fatalf("expected CLOSE_PORT, got %v %v", fr, err)
	}
	if err := wire.Encode(client, wire.OpConfirm, wire.BuildConfirm(true)); err != nil {
		t.Fatal(err)
	}
	if !<-done {
		t.Fatal("CloseRemotePort = false, want true")
	}

	// No remote port is tracked anymore: the second close must succeed
	// without touching the wire (a frame here would block forever on the
	// unread pipe, failing the test at its deadline).
	if !h.CloseRemotePort() {
		t.Fatal("second CloseRemotePort() = false, want true")
	}
}

func TestStreamSerialStagesBytesInRing(t *testing.T) {
	h, client := newVCOMPair(t)

	if err := wire.Encode(client, wire.OpOpenPort, wire.BuildOpenPort("/virtual/3")); err != nil {
		t.Fatal(err)
	}
	fr, err := wire.Decode(client)
	if err != nil || fr.Op != wire.OpConfirm {
		t.Fatalf("OPEN_PORT confirm: %v %v", fr, err)
	}

	if err := wire.Encode(client, wire.OpStreamSerial, wire.BuildStreamSerial([]byte("hi"))); err != nil {
		t.Fatal(err)
	}

	// The serial-side loop drains the ring into the device as fast as it
	// can; with nothing attached to read the other end of the virtual
	// pipe, the drain's Write blocks, so the most we can assert from here
	// is that the bytes were accepted into the staging ring at all (the
	// dispatch-level accept/back-pressure behavior itself is covered in
	// pkg/wire's Dispatch tests).
	waitFor(t, time.Second, func() bool { return h.ring.Available() > 0 })
}

func TestShutdownIsIdempotent(t *testing.T) {
	h, _ := newVCOMPair(t)
	if !h.Shutdown() {
		t.Fatal("first Shutdown() = false, want true")
	}
	if h.Shutdown() {
		t.Fatal("second Shutdown() = true, want false")
	}
	if h.IsAlive() {
		t.Fatal("IsAlive() = true after Shutdown")
	}
}

func TestFlowControlPausesStreamSerialTransmission(t *testing.T) {
	h, client := newVCOMPair(t)

	if err := wire.Encode(client, wire.OpFlowControl, wire.BuildFlowControl(false)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return !h.mayTransmitSerial() })
}
