package registry

import (
	"net"
	"testing"
	"time"

	"github.com/serialoverip/soip/pkg/link"
)

func newRegisteredHandler(t *testing.T, r *Registry) (*link.Handler, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h := link.NewVCOMHandler(serverConn, link.Options{OnDeath: r.OnDeath})
	r.Register(h)
	return h, clientConn
}

func TestSweepDropsDeadHandlers(t *testing.T) {
	r := New()
	h1, c1 := newRegisteredHandler(t, r)
	h2, c2 := newRegisteredHandler(t, r)
	defer c1.Close()
	defer c2.Close()

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	h1.Shutdown()
	r.Sweep()

	if r.Len() != 1 {
		t.Fatalf("Len() after sweep = %d, want 1", r.Len())
	}
	h2.Shutdown()
	r.Sweep()
	if r.Len() != 0 {
		t.Fatalf("Len() after second sweep = %d, want 0", r.Len())
	}
}

func TestWaitUntilEmptyReturnsOnceAllHandlersDie(t *testing.T) {
	r := New()
	h, c := newRegisteredHandler(t, r)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		r.WaitUntilEmpty()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitUntilEmpty returned before any handler died")
	case <-time.After(50 * time.Millisecond):
	}

	h.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilEmpty never returned after handler died")
	}
}
