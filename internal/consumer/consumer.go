// Package consumer implements the host-side top-level object: a listening
// control server, the capability/advertisement handshake from the
// provider's point of view, and per-display backend creation built on
// internal/backend.
package consumer

import (
	"fmt"
	"log"
	"sync"

	"github.com/paravirt/dh/internal/backend"
	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
	"github.com/paravirt/dh/internal/receiver"
)

// Consumer is the host-side protocol object. Construct with New.
type Consumer struct {
	tr      ivc.Transport
	srv     ivc.Server
	factory *backend.Factory

	mu       sync.Mutex
	control  ivc.Channel
	recv     *receiver.Receiver
	backends map[uint32]*backend.Backend
	nextPort uint32

	onDriverCapabilities       func(protocol.DriverCapabilitiesMsg)
	onAdvertisedList           func([]protocol.DisplayInfo)
	onDisplayNoLongerAvailable func(key uint32)
	onTextMode                 func(force bool)

	fatalMu    sync.Mutex
	fatal      func(error)
	fatalFired bool
}

// New starts listening for the provider's control connection on
// controlPort. basePort is the first of a block of sequential ports this
// Consumer allocates when CreateDisplay is called: event and framebuffer
// for every display, plus dirty-rect and cursor only when requested.
func New(tr ivc.Transport, controlPort uint32, connIDMask uint64, basePort uint32) (*Consumer, error) {
	c := &Consumer{
		tr:       tr,
		factory:  backend.NewFactory(tr),
		backends: make(map[uint32]*backend.Backend),
		nextPort: basePort,
	}
	srv, err := tr.Listen(controlPort, 0, connIDMask, ivc.KindStream, c.onAcceptControl)
	if err != nil {
		return nil, fmt.Errorf("consumer: listen on control port %d: %w", controlPort, err)
	}
	c.srv = srv
	return c, nil
}

func (c *Consumer) onAcceptControl(ch ivc.Channel) {
	c.mu.Lock()
	if c.control != nil {
		c.control.Disconnect()
	}
	c.control = ch
	c.recv = receiver.New(ch, &c.mu, c.dispatchControl, c.triggerFatal)
	c.mu.Unlock()

	ch.RegisterEventCallbacks(c.recv.Pump, func() { c.triggerFatal(dherr.Closed) })
	ch.EnableEvents()
}

// RegisterDriverCapabilitiesHandler installs the handler for DRIVER_CAPABILITIES.
func (c *Consumer) RegisterDriverCapabilitiesHandler(fn func(protocol.DriverCapabilitiesMsg)) {
	c.mu.Lock()
	c.onDriverCapabilities = fn
	c.mu.Unlock()
}

// RegisterAdvertisedListHandler installs the handler for ADVERTISED_DISPLAY_LIST.
func (c *Consumer) RegisterAdvertisedListHandler(fn func([]protocol.DisplayInfo)) {
	c.mu.Lock()
	c.onAdvertisedList = fn
	c.mu.Unlock()
}

// RegisterDisplayNoLongerAvailableHandler installs the handler for
// DISPLAY_NO_LONGER_AVAILABLE. The registered handler, not this package,
// is responsible for tearing down the matching backend via DestroyDisplay.
func (c *Consumer) RegisterDisplayNoLongerAvailableHandler(fn func(key uint32)) {
	c.mu.Lock()
	c.onDisplayNoLongerAvailable = fn
	c.mu.Unlock()
}

// RegisterTextModeHandler installs the handler for TEXT_MODE.
func (c *Consumer) RegisterTextModeHandler(fn func(force bool)) {
	c.mu.Lock()
	c.onTextMode = fn
	c.mu.Unlock()
}

// RegisterFatalErrorHandler installs the consumer's fatal-error handler.
func (c *Consumer) RegisterFatalErrorHandler(fn func(error)) {
	c.fatalMu.Lock()
	c.fatal = fn
	c.fatalMu.Unlock()
}

// PublishHostDisplayList sends HOST_DISPLAY_LIST.
func (c *Consumer) PublishHostDisplayList(displays []protocol.DisplayInfo) error {
	return c.sendControl(&protocol.HostDisplayListMsg{Displays: displays})
}

// PublishTextMode sends TEXT_MODE{force}. The consumer side publishes this
// just like the provider side does; whichever end drives text-mode policy
// in a given deployment is outside this package's concern.
func (c *Consumer) PublishTextMode(force bool) error {
	return c.sendControl(&protocol.TextModeMsg{Force: force})
}

// CreateDisplay allocates two to four sequential ports (event,
// framebuffer, then dirty-rect and cursor if requested), starts the backend
// listening on them, and sends ADD_DISPLAY so the provider knows where to
// connect. The backend is not ready until onReady fires (or, if onReady is
// nil, until the caller polls FramebufferView()).
func (c *Consumer) CreateDisplay(key uint32, withDirty, withCursor bool, h backend.Handlers, fatal func(error), onReady func(*backend.Backend)) (*backend.Backend, error) {
	c.mu.Lock()
	if _, exists := c.backends[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("consumer: display key %d already has a backend: %w", key, dherr.InvalidArgument)
	}
	eventPort, fbPort := c.nextPort, c.nextPort+1
	var dirtyPort, cursorPort uint32
	c.nextPort += 2
	if withDirty {
		dirtyPort = c.nextPort
		c.nextPort++
	}
	if withCursor {
		cursorPort = c.nextPort
		c.nextPort++
	}
	c.mu.Unlock()

	b, err := backend.Create(c.factory, key, 0, eventPort, fbPort, dirtyPort, cursorPort, h, fatal, onReady)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.backends[key] = b
	c.mu.Unlock()

	req := &protocol.AddDisplayMsg{Key: key, EventPort: eventPort, FramebufferPort: fbPort, DirtyRectPort: dirtyPort, CursorPort: cursorPort}
	if err := c.sendControl(req); err != nil {
		c.mu.Lock()
		delete(c.backends, key)
		c.mu.Unlock()
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// DestroyDisplay sends REMOVE_DISPLAY and tears the backend down.
func (c *Consumer) DestroyDisplay(key uint32) error {
	c.mu.Lock()
	b, ok := c.backends[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("consumer: unknown display key %d: %w", key, dherr.InvalidArgument)
	}
	delete(c.backends, key)
	c.mu.Unlock()

	err := c.sendControl(&protocol.RemoveDisplayMsg{Key: key})
	b.Destroy()
	return err
}

// Backend returns the backend for key, and whether it exists.
func (c *Consumer) Backend(key uint32) (*backend.Backend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backends[key]
	return b, ok
}

func (c *Consumer) sendControl(msg any) error {
	c.mu.Lock()
	ch := c.control
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("consumer: no control connection yet: %w", dherr.Closed)
	}

	t, payload, err := protocol.EncodePayload(msg)
	if err != nil {
		return err
	}
	packet, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	space, err := ch.AvailableSpace()
	if err != nil {
		return err
	}
	if space < len(packet) {
		return dherr.NoSpace
	}
	if err := ch.Send(packet); err != nil {
		return err
	}
	ch.NotifyRemote()
	ch.NotifyRemote()
	return nil
}

// dispatchControl runs with the receiver's lock (c.mu) held.
func (c *Consumer) dispatchControl(t protocol.Type, payload []byte) {
	msg, err := protocol.DecodePayload(t, payload)
	if err != nil {
		log.Printf("consumer: unknown or malformed control packet %s: %v", t, err)
		return
	}
	switch m := msg.(type) {
	case *protocol.DriverCapabilitiesMsg:
		if c.onDriverCapabilities != nil {
			c.onDriverCapabilities(*m)
		}
	case *protocol.AdvertisedDisplayListMsg:
		if c.onAdvertisedList != nil {
			c.onAdvertisedList(m.Displays)
		}
	case *protocol.DisplayNoLongerAvailableMsg:
		if c.onDisplayNoLongerAvailable != nil {
			c.onDisplayNoLongerAvailable(m.Key)
		}
	case *protocol.TextModeMsg:
		if c.onTextMode != nil {
			c.onTextMode(m.Force)
		}
	default:
		log.Printf("consumer: unexpected message type on control channel: %T", msg)
	}
}

func (c *Consumer) triggerFatal(err error) {
	c.fatalMu.Lock()
	if c.fatalFired || c.fatal == nil {
		c.fatalMu.Unlock()
		return
	}
	c.fatalFired = true
	handler := c.fatal
	c.fatalMu.Unlock()
	handler(err)
}

// Shutdown stops the control listener and destroys every backend.
func (c *Consumer) Shutdown() {
	c.srv.Shutdown()
	c.mu.Lock()
	backends := make([]*backend.Backend, 0, len(c.backends))
	for _, b := range c.backends {
		backends = append(backends, b)
	}
	c.backends = make(map[uint32]*backend.Backend)
	if c.control != nil {
		c.control.Disconnect()
	}
	c.mu.Unlock()
	for _, b := range backends {
		b.Destroy()
	}
}
