// Package dialer implements the initiator role: resolve a host and port,
// connect, construct a LinkHandler, and drive the initial handshakes that
// bring a client-side link up.
package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/serialoverip/soip/pkg/link"
	"github.com/serialoverip/soip/pkg/registry"
	"github.com/serialoverip/soip/pkg/wire"
)

// Variant selects which LinkHandler flavor a Dial constructs.
type Variant int

const (
	// VariantCOM bridges the dialed connection to a real local serial port.
	VariantCOM Variant = iota
	// VariantVCOM bridges the dialed connection to a virtual device.
	VariantVCOM
)

// connectTimeout bounds each individual candidate-address connect attempt.
const connectTimeout = 5 * time.Second

// Spec is everything a Dial call needs to bring one outbound link up:
// where to connect, which serial ports to open on each end, and the
// configuration to apply to each.
type Spec struct {
	Host          string
	Port          uint16
	RemotePort    string
	LocalPort     string
	RemoteConfig  wire.SerialConfig
	LocalConfig   wire.SerialConfig
	Variant       Variant
}

// Dial resolves spec.Host to a candidate address list, connects to the
// first one that accepts, and drives open_remote_port -> set_remote_config
// -> open_local_port -> set_local_config in order. Any failure in that
// sequence shuts the handler down and returns an error without
// registering it; on full success the handler is registered with reg and
// returned.
func Dial(ctx context.Context, spec Spec, reg *registry.Registry, opts link.Options) (*link.Handler, error) {
	conn, err := dialFirstReachable(ctx, spec.Host, spec.Port)
	if err != nil {
		return nil, fmt.Errorf("dialer: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	opts.OnDeath = reg.OnDeath
	var h *link.Handler
	switch spec.Variant {
	case VariantVCOM:
		h = link.NewVCOMHandler(conn, opts)
	default:
		h = link.NewCOMHandler(conn, opts)
	}

	if !h.OpenRemotePort(spec.RemotePort) {
		h.Shutdown()
		return nil, fmt.Errorf("dialer: open_remote_port(%q) failed", spec.RemotePort)
	}
	if !h.SetRemoteConfig(spec.RemoteConfig) {
		h.Shutdown()
		return nil, fmt.Errorf("dialer: set_remote_config failed")
	}
	if !h.OpenLocalPort(spec.LocalPort) {
		h.Shutdown()
		return nil, fmt.Errorf("dialer: open_local_port(%q) failed", spec.LocalPort)
	}
	if !h.SetLocalConfig(spec.LocalConfig) {
		h.Shutdown()
		return nil, fmt.Errorf("dialer: set_local_config failed")
	}

	reg.Register(h)
	return h, nil
}

// dialFirstReachable resolves host to its candidate addresses and returns
// a connection to the first one that accepts a TCP connect.
func dialFirstReachable(ctx context.Context, host string, port uint16) (net.Conn, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	var lastErr error
	for _, ip := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect to %s:%d: %w", host, port, lastErr)
}
