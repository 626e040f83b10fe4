// Command dhdemo drives the Display Handler provider and consumer objects
// end to end, either in a single process over the loopback transport or as
// two separate processes over the quicnet transport.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paravirt/dh/internal/backend"
	"github.com/paravirt/dh/internal/consumer"
	"github.com/paravirt/dh/internal/ivc/loopback"
	"github.com/paravirt/dh/internal/ivc/quicnet"
	"github.com/paravirt/dh/internal/protocol"
	"github.com/paravirt/dh/internal/provider"
	"github.com/paravirt/dh/internal/version"
)

// globalFlags holds double-dash flags parsed from os.Args before dispatch,
// mirroring the way goet's own main.go separates global flags from the
// subcommand's own flag.FlagSet.
type globalFlags struct {
	version bool
	rest    []string
}

func parseGlobalFlags() globalFlags {
	var g globalFlags
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		if arg == "--version" {
			g.version = true
			continue
		}
		g.rest = append(g.rest, arg)
	}
	return g
}

func main() {
	gf := parseGlobalFlags()
	if gf.version {
		fmt.Printf("dhdemo %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}

	if len(gf.rest) == 0 {
		usage()
		os.Exit(1)
	}

	switch gf.rest[0] {
	case "demo":
		runLoopbackDemo(gf.rest[1:])
	case "consumer":
		runConsumer(gf.rest[1:])
	case "provider":
		runProvider(gf.rest[1:])
	case "version":
		fmt.Printf("dhdemo %s (%s)\n", version.VERSION, version.Commit)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dhdemo <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  demo       run a provider and a consumer in one process over loopback")
	fmt.Fprintln(os.Stderr, "  consumer   run the host-side consumer as its own process (quicnet)")
	fmt.Fprintln(os.Stderr, "  provider   run the guest-side provider as its own process (quicnet)")
	fmt.Fprintln(os.Stderr, "  version    print version and exit")
}

// runLoopbackDemo wires a dedicated provider to a consumer entirely
// in-process and prints the resulting handshake, for a zero-setup sanity
// check that the protocol core actually works end to end.
func runLoopbackDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	width := fs.Uint("width", 1024, "display width in pixels")
	height := fs.Uint("height", 768, "display height in pixels")
	fs.Parse(args)

	stride := uint32(*width) * 4
	tr := loopback.New()

	c, err := consumer.New(tr, 900, 0, 1000)
	if err != nil {
		fatal("consumer: %v", err)
	}
	defer c.Shutdown()

	advertised := make(chan []protocol.DisplayInfo, 1)
	c.RegisterAdvertisedListHandler(func(d []protocol.DisplayInfo) { advertised <- d })

	d, err := provider.NewDedicated(tr, 0, 900, 0, 1, uint32(*width), uint32(*height), stride, 1, nil)
	if err != nil {
		fatal("provider: %v", err)
	}
	fmt.Printf("provider advertised dedicated display %d\n", d.Key())

	select {
	case list := <-advertised:
		fmt.Printf("consumer received ADVERTISED_DISPLAY_LIST: %+v\n", list)
		ready := make(chan *backend.Backend, 1)
		b, err := c.CreateDisplay(list[0].Key, true, true, backend.Handlers{}, nil, func(b *backend.Backend) { ready <- b })
		if err != nil {
			fatal("CreateDisplay: %v", err)
		}
		select {
		case <-ready:
			fmt.Printf("display %d connected; framebuffer is %d bytes\n", b.Key(), len(b.FramebufferView()))
		case <-time.After(2 * time.Second):
			fatal("display never became ready")
		}
	case <-time.After(2 * time.Second):
		fatal("consumer never received an advertised display list")
	}
}

// runConsumer runs the host side as its own OS process over quicnet.
func runConsumer(args []string) {
	fs := flag.NewFlagSet("consumer", flag.ExitOnError)
	controlPort := fs.Uint("control-port", 9000, "UDP port the provider's control channel dials")
	basePort := fs.Uint("base-port", 9100, "first of the per-display port block")
	width := fs.Uint("width", 1024, "advertised host display width")
	height := fs.Uint("height", 768, "advertised host display height")
	fs.Parse(args)

	tr := quicnet.New("127.0.0.1")
	c, err := consumer.New(tr, uint32(*controlPort), 0, uint32(*basePort))
	if err != nil {
		fatal("consumer: %v", err)
	}
	defer c.Shutdown()

	c.RegisterDriverCapabilitiesHandler(func(m protocol.DriverCapabilitiesMsg) {
		fmt.Printf("provider capabilities: max_displays=%d resize=%v hotplug=%v\n",
			m.MaxDisplays, m.Capabilities&protocol.CapResize != 0, m.Capabilities&protocol.CapHotplug != 0)
	})
	c.RegisterAdvertisedListHandler(func(displays []protocol.DisplayInfo) {
		for _, info := range displays {
			fmt.Printf("provider advertised display %d; creating backend\n", info.Key)
			h := backend.Handlers{
				OnSetDisplay: func(m protocol.SetDisplayMsg) {
					fmt.Printf("display %d resized to %dx%d stride=%d\n", info.Key, m.Width, m.Height, m.Stride)
				},
				OnDirtyRect: func(r protocol.DirtyRect) {
					fmt.Printf("display %d dirty: (%d,%d) %dx%d\n", info.Key, r.X, r.Y, r.W, r.H)
				},
			}
			if _, err := c.CreateDisplay(info.Key, true, true, h, nil, nil); err != nil {
				fmt.Fprintf(os.Stderr, "CreateDisplay(%d): %v\n", info.Key, err)
			}
		}
	})
	c.RegisterDisplayNoLongerAvailableHandler(func(key uint32) {
		fmt.Printf("display %d no longer available\n", key)
		_ = c.DestroyDisplay(key)
	})

	hostDisplays := []protocol.DisplayInfo{{Key: 1, Width: uint32(*width), Height: uint32(*height)}}
	go func() {
		for {
			if err := c.PublishHostDisplayList(hostDisplays); err == nil {
				return
			}
			time.Sleep(500 * time.Millisecond)
		}
	}()

	waitForSignal()
}

// runProvider runs the guest side as its own OS process over quicnet,
// dialing a consumer process started with `dhdemo consumer` first.
func runProvider(args []string) {
	fs := flag.NewFlagSet("provider", flag.ExitOnError)
	consumerHost := fs.String("consumer", "127.0.0.1", "host running `dhdemo consumer`")
	controlPort := fs.Uint("control-port", 9000, "UDP port the consumer's control server listens on")
	fs.Parse(args)

	tr := quicnet.New(*consumerHost)

	geometry := func(req protocol.AddDisplayMsg) (uint32, uint32, uint32, []byte) {
		return 1024, 768, 1024 * 4, nil
	}
	p, err := provider.New(tr, 0, uint32(*controlPort), 0, geometry)
	if err != nil {
		fatal("provider: %v", err)
	}

	p.RegisterHostDisplayChangeHandler(func(displays []protocol.DisplayInfo) {
		fmt.Printf("host offered %d display(s); advertising all of them\n", len(displays))
		if err := p.AdvertiseDisplays(displays); err != nil {
			fmt.Fprintf(os.Stderr, "AdvertiseDisplays: %v\n", err)
		}
	})
	p.RegisterAddDisplayHandler(func(req protocol.AddDisplayMsg) {
		fmt.Printf("display %d connected\n", req.Key)
	})
	p.RegisterRemoveDisplayHandler(func(key uint32) {
		fmt.Printf("display %d removed by consumer\n", key)
	})
	p.RegisterFatalErrorHandler(func(err error) {
		fmt.Fprintf(os.Stderr, "provider fatal: %v\n", err)
		os.Exit(1)
	})

	if err := p.AdvertiseCapabilities(4, 1); err != nil {
		fatal("AdvertiseCapabilities: %v", err)
	}

	waitForSignal()
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dhdemo: "+format+"\n", args...)
	os.Exit(1)
}
