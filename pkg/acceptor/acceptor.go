// Package acceptor implements the listener role: it listens on a bound
// address and registers a fresh LinkHandler for every accepted
// connection.
package acceptor

import (
	"log"
	"net"

	"github.com/serialoverip/soip/pkg/link"
	"github.com/serialoverip/soip/pkg/registry"
)

// Acceptor binds to a resolved address and turns every accepted
// connection into a registered LinkHandler. Each accepted link is COM or
// VCOM depending on Variant.
type Acceptor struct {
	listener net.Listener
	registry *registry.Registry
	opts     link.Options
	variant  Variant
}

// Variant selects which LinkHandler flavor the Acceptor constructs for
// each accepted connection.
type Variant int

const (
	// VariantCOM bridges each accepted connection to a real local serial
	// port (LinkHandler-COM).
	VariantCOM Variant = iota
	// VariantVCOM bridges each accepted connection to a virtual device
	// with no local hardware (LinkHandler-VCOM).
	VariantVCOM
)

// New binds addr (host:port form) and returns an Acceptor ready to Serve.
func New(addr string, variant Variant, reg *registry.Registry, opts link.Options) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{listener: ln, registry: reg, opts: opts, variant: variant}, nil
}

// Addr returns the bound address, letting callers that passed port 0
// discover the port actually bound.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Serve loops Accept, registering a fresh handler for every connection and
// sweeping the registry between calls so dead links are reaped even while
// accepting. It returns when the listener is closed.
func (a *Acceptor) Serve() error {
	for {
		a.registry.Sweep()

		conn, err := a.listener.Accept()
		if err != nil {
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				log.Printf("acceptor: disable Nagle on %s: %v", conn.RemoteAddr(), err)
			}
		}

		opts := a.opts
		opts.OnDeath = a.registry.OnDeath
		var h *link.Handler
		switch a.variant {
		case VariantVCOM:
			h = link.NewVCOMHandler(conn, opts)
		default:
			h = link.NewCOMHandler(conn, opts)
		}
		a.registry.Register(h)
		log.Printf("acceptor: accepted %s", conn.RemoteAddr())
	}
}

// Close stops the accept loop, causing a blocked Serve to return.
func (a *Acceptor) Close() error { return a.listener.Close() }
