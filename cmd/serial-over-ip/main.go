// Command serial-over-ip bridges serial ports between two hosts across a
// TCP connection: it can accept incoming links (each binding an accepted
// connection to a local serial device) and/or dial outgoing links (each
// driving the three-step handshake against a peer and then bridging a
// local serial device to a remote one).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/serialoverip/soip/pkg/acceptor"
	"github.com/serialoverip/soip/pkg/dialer"
	"github.com/serialoverip/soip/pkg/link"
	"github.com/serialoverip/soip/pkg/registry"
	"github.com/serialoverip/soip/pkg/wire"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitNet   = -1
)

const defaultAcceptorPort = 26

func usage() {
	fmt.Fprintf(os.Stderr, `usage: serial-over-ip [-addr host] [-port n] [-handshake-timeout dur] [-link ...]...

Top-level flags (the Acceptor):
  -addr host        bind address; absence disables the Acceptor
  -port n           bind port (default %d)

Repeatable -link group (each starts one Dialer):
  -link             begin a new outgoing-link specification
  -addr host        remote host (within a -link group)
  -port n           remote port (within a -link group)
  -rser path        remote serial device path
  -lser path        local serial device path
  -baud/-lbaud/-rbaud n         baud rate (both/local/remote)
  -bits/-lbits/-rbits n         data bits
  -stops/-lstops/-rstops v      one|one-half|two
  -parity/-lparity/-rparity v   none|even|odd|mark|space
  -flowctrl/-l.../-r... v       none|rtscts|dsrdtr

  -handshake-timeout dur   override the 4s default handshake bound for
                           every link (accepted or dialed), e.g. "10s"
`, defaultAcceptorPort)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serial-over-ip:", err)
		usage()
		return exitUsage
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	reg := registry.New()
	opts := link.Options{HandshakeTimeout: cfg.handshakeTimeout}

	ranSomething := false

	for _, ls := range cfg.links {
		spec := ls.toDialerSpec()
		if _, err := dialer.Dial(context.Background(), spec, reg, opts); err != nil {
			log.Printf("serial-over-ip: dial %s:%d failed: %v", spec.Host, spec.Port, err)
			continue
		}
		log.Printf("serial-over-ip: link up to %s:%d (%s <-> %s)", spec.Host, spec.Port, spec.LocalPort, spec.RemotePort)
		ranSomething = true
	}

	var acc *acceptor.Acceptor
	if cfg.acceptorAddr != "" {
		addr := fmt.Sprintf("%s:%d", cfg.acceptorAddr, cfg.acceptorPort)
		acc, err = acceptor.New(addr, acceptor.VariantCOM, reg, opts)
		if err != nil {
			log.Printf("serial-over-ip: listen on %s: %v", addr, err)
			if !ranSomething {
				return exitNet
			}
			acc = nil
		}
	}

	if acc == nil && !ranSomething {
		return exitNet
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("serial-over-ip: %s, shutting down", sig)
		if acc != nil {
			acc.Close()
		}
		reg.ShutdownAll()
	}()

	if acc != nil {
		log.Printf("serial-over-ip: accepting on %s", acc.Addr())
		if err := acc.Serve(); err != nil {
			log.Printf("serial-over-ip: accept loop ended: %v", err)
		}
		reg.ShutdownAll()
		return exitOK
	}

	reg.WaitUntilEmpty()
	return exitOK
}

// linkSpec accumulates one -link group's flags before being turned into a
// dialer.Spec once parsing completes.
type linkSpec struct {
	host       string
	port       uint16
	remotePort string
	localPort  string
	remoteCfg  wire.SerialConfig
	localCfg   wire.SerialConfig
}

func newLinkSpec() *linkSpec {
	def := wire.SerialConfig{
		BaudRate:    9600,
		DataBits:    8,
		StopBits:    wire.StopBitsOne,
		Parity:      wire.ParityNone,
		FlowControl: wire.FlowControlNone,
		XonChar:     wire.DefaultXonChar,
		XoffChar:    wire.DefaultXoffChar,
	}
	return &linkSpec{port: defaultAcceptorPort, remoteCfg: def, localCfg: def}
}

func (ls *linkSpec) toDialerSpec() dialer.Spec {
	return dialer.Spec{
		Host:         ls.host,
		Port:         ls.port,
		RemotePort:   ls.remotePort,
		LocalPort:    ls.localPort,
		RemoteConfig: ls.remoteCfg,
		LocalConfig:  ls.localCfg,
		Variant:      dialer.VariantCOM,
	}
}

type config struct {
	acceptorAddr     string
	acceptorPort     uint16
	handshakeTimeout time.Duration
	links            []*linkSpec
}

// argIter walks a flat argv slice, since the repeatable, modal -link
// scoping this CLI needs (flags that mean different things inside vs.
// outside a -link group) is not expressible with the standard flag
// package's single flat flag set.
type argIter struct {
	args []string
	i    int
}

func (a *argIter) next() (string, bool) {
	if a.i >= len(a.args) {
		return "", false
	}
	v := a.args[a.i]
	a.i++
	return v, true
}

func (a *argIter) value(flagName string) (string, error) {
	v, ok := a.next()
	if !ok {
		return "", fmt.Errorf("%s requires an argument", flagName)
	}
	return v, nil
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{acceptorPort: defaultAcceptorPort, handshakeTimeout: link.DefaultHandshakeTimeout}
	it := &argIter{args: args}
	var cur *linkSpec // nil => flags apply to the top-level Acceptor

	for {
		tok, ok := it.next()
		if !ok {
			break
		}
		switch tok {
		case "-link":
			cur = newLinkSpec()
			cfg.links = append(cfg.links, cur)

		case "-handshake-timeout":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("-handshake-timeout: %w", err)
			}
			cfg.handshakeTimeout = d

		case "-addr":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				cfg.acceptorAddr = v
			} else {
				cur.host = v
			}

		case "-port":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			p, err := parsePort(v)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				cfg.acceptorPort = p
			} else {
				cur.port = p
			}

		case "-rser":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-rser must follow -link")
			}
			cur.remotePort = v

		case "-lser":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("-lser must follow -link")
			}
			cur.localPort = v

		case "-baud", "-lbaud", "-rbaud":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("%s must follow -link", tok)
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tok, err)
			}
			applySides(tok, func() { cur.localCfg.BaudRate = uint32(n) }, func() { cur.remoteCfg.BaudRate = uint32(n) })

		case "-bits", "-lbits", "-rbits":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("%s must follow -link", tok)
			}
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tok, err)
			}
			applySides(tok, func() { cur.localCfg.DataBits = uint8(n) }, func() { cur.remoteCfg.DataBits = uint8(n) })

		case "-stops", "-lstops", "-rstops":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("%s must follow -link", tok)
			}
			sb, err := parseStopBits(v)
			if err != nil {
				return nil, err
			}
			applySides(tok, func() { cur.localCfg.StopBits = sb }, func() { cur.remoteCfg.StopBits = sb })

		case "-parity", "-lparity", "-rparity":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("%s must follow -link", tok)
			}
			p, err := parseParity(v)
			if err != nil {
				return nil, err
			}
			applySides(tok, func() { cur.localCfg.Parity = p }, func() { cur.remoteCfg.Parity = p })

		case "-flowctrl", "-lflowctrl", "-rflowctrl":
			v, err := it.value(tok)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("%s must follow -link", tok)
			}
			fc, err := parseFlowControl(v)
			if err != nil {
				return nil, err
			}
			applySides(tok, func() { cur.localCfg.FlowControl = fc }, func() { cur.remoteCfg.FlowControl = fc })

		default:
			return nil, fmt.Errorf("unrecognized flag %q", tok)
		}
	}

	for i, ls := range cfg.links {
		if ls.host == "" {
			return nil, fmt.Errorf("-link group %d: missing -addr", i+1)
		}
		if ls.remotePort == "" {
			return nil, fmt.Errorf("-link group %d: missing -rser", i+1)
		}
		if ls.localPort == "" {
			return nil, fmt.Errorf("-link group %d: missing -lser", i+1)
		}
	}

	return cfg, nil
}

// applySides calls localFn/remoteFn according to the l/r prefix on flag,
// or both when flag carries neither (e.g. "-baud" sets both sides).
func applySides(flag string, localFn, remoteFn func()) {
	switch {
	case len(flag) > 2 && flag[1] == 'l':
		localFn()
	case len(flag) > 2 && flag[1] == 'r':
		remoteFn()
	default:
		localFn()
		remoteFn()
	}
}

func parsePort(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("-port: %w", err)
	}
	return uint16(n), nil
}

func parseStopBits(v string) (wire.StopBits, error) {
	switch v {
	case "one":
		return wire.StopBitsOne, nil
	case "one-half":
		return wire.StopBitsOneHalf, nil
	case "two":
		return wire.StopBitsTwo, nil
	default:
		return 0, fmt.Errorf("stop bits: unrecognized value %q", v)
	}
}

func parseParity(v string) (wire.Parity, error) {
	switch v {
	case "none":
		return wire.ParityNone, nil
	case "even":
		return wire.ParityEven, nil
	case "odd":
		return wire.ParityOdd, nil
	case "mark":
		return wire.ParityMark, nil
	case "space":
		return wire.ParitySpace, nil
	default:
		return 0, fmt.Errorf("parity: unrecognized value %q", v)
	}
}

func parseFlowControl(v string) (wire.FlowControl, error) {
	switch v {
	case "none":
		return wire.FlowControlNone, nil
	case "rtscts":
		return wire.FlowControlRtsCts, nil
	case "dsrdtr":
		return wire.FlowControlDsrDtr, nil
	default:
		return 0, fmt.Errorf("flow control: unrecognized value %q", v)
	}
}
