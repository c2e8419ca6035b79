package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/serialoverip/soip/pkg/link"
	"github.com/serialoverip/soip/pkg/registry"
	"github.com/serialoverip/soip/pkg/wire"
)

// fakePeer accepts exactly one connection and replies CONFIRM(true) to
// every handshake request it receives, simulating a cooperative remote
// LinkHandler for Dial's handshake sequence.
func fakePeer(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		fr, err := wire.Decode(conn)
		if err != nil {
			return
		}
		if err := wire.Encode(conn, wire.OpConfirm, wire.BuildConfirm(true)); err != nil {
			return
		}
		_ = fr
	}
}

func testConfig() wire.SerialConfig {
	return wire.SerialConfig{
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    wire.StopBitsOne,
		Parity:      wire.ParityNone,
		FlowControl: wire.FlowControlNone,
	}
}

func TestDialSucceedsAndRegistersHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakePeer(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	reg := registry.New()
	spec := Spec{
		Host:         "127.0.0.1",
		Port:         uint16(addr.Port),
		RemotePort:   "/dev/remote0",
		LocalPort:    "/virtual/local0",
		RemoteConfig: testConfig(),
		LocalConfig:  testConfig(),
		Variant:      VariantVCOM,
	}
	h, err := Dial(context.Background(), spec, reg, link.Options{HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer h.Shutdown()

	if !h.IsAlive() {
		t.Fatal("handler not alive after successful Dial")
	}
	if reg.Len() != 1 {
		t.Fatalf("registry.Len() = %d, want 1", reg.Len())
	}
}

func TestDialFailsAndDoesNotRegisterWhenPeerNeverConfirms(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept, but never decode/reply: the Dial handshake must time out.
		time.Sleep(500 * time.Millisecond)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	reg := registry.New()
	spec := Spec{
		Host:         "127.0.0.1",
		Port:         uint16(addr.Port),
		RemotePort:   "/dev/remote0",
		LocalPort:    "/virtual/local0",
		RemoteConfig: testConfig(),
		LocalConfig:  testConfig(),
		Variant:      VariantVCOM,
	}
	_, err = Dial(context.Background(), spec, reg, link.Options{HandshakeTimeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("Dial succeeded, want timeout failure")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0 after failed Dial", reg.Len())
	}
}
