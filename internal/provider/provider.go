// Package provider implements the guest-side top-level object: one
// outgoing control connection to a fixed remote domain and port, the
// capability/advertisement handshake, and per-display lifecycle
// orchestration built on internal/display.
package provider

import (
	"fmt"
	"log"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/display"
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
	"github.com/paravirt/dh/internal/receiver"
)

// State is a display's position in the per-display lifecycle.
type State int

const (
	StateUnadvertised State = iota
	StateAdvertised
	StateCreating
	StateConnected
	StateTearingDown
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnadvertised:
		return "UNADVERTISED"
	case StateAdvertised:
		return "ADVERTISED"
	case StateCreating:
		return "CREATING"
	case StateConnected:
		return "CONNECTED"
	case StateTearingDown:
		return "TEARING_DOWN"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

type displayEntry struct {
	info  protocol.DisplayInfo
	state State
	disp  *display.Display
}

// GeometryFunc supplies the initial (width, height, stride) and optional
// seed pixels for a display the consumer just asked the provider to
// create. initialContents may be nil.
type GeometryFunc func(req protocol.AddDisplayMsg) (width, height, stride uint32, initialContents []byte)

// Provider is the guest-side protocol object. Construct with New.
type Provider struct {
	tr       ivc.Transport
	rxDomain uint16
	connID   uint64

	control ivc.Channel
	recv    *receiver.Receiver

	mu           sync.Mutex
	capabilities uint32
	displays     map[uint32]*displayEntry
	geometry     GeometryFunc

	onHostDisplayChange func([]protocol.DisplayInfo)
	onAddDisplay        func(protocol.AddDisplayMsg)
	onRemoveDisplay     func(key uint32)

	fatalMu    sync.Mutex
	fatal      func(error)
	fatalFired bool
}

// New connects the control channel to rxDomain:controlPort and starts the
// receive state machine. geometry supplies per-display sizing when an
// ADD_DISPLAY arrives; it must be non-nil.
func New(tr ivc.Transport, rxDomain uint16, controlPort uint32, connID uint64, geometry GeometryFunc) (*Provider, error) {
	ch, err := tr.Connect(rxDomain, controlPort, protocol.ControlRingPages, connID, ivc.KindStream)
	if err != nil {
		return nil, fmt.Errorf("provider: connect control channel: %w", err)
	}

	p := &Provider{
		tr:       tr,
		rxDomain: rxDomain,
		connID:   connID,
		control:  ch,
		displays: make(map[uint32]*displayEntry),
		geometry: geometry,
	}
	p.recv = receiver.New(ch, &p.mu, p.dispatchControl, p.triggerFatal)
	ch.RegisterEventCallbacks(p.recv.Pump, func() { p.triggerFatal(dherr.Closed) })
	ch.EnableEvents()
	return p, nil
}

// RegisterHostDisplayChangeHandler installs the handler for HOST_DISPLAY_LIST
// and reports the RESIZE capability from now on (the host display set and
// geometry are communicated through this message).
func (p *Provider) RegisterHostDisplayChangeHandler(fn func([]protocol.DisplayInfo)) {
	p.mu.Lock()
	p.onHostDisplayChange = fn
	p.capabilities |= protocol.CapResize
	p.mu.Unlock()
}

// RegisterAddDisplayHandler installs the handler invoked after a display
// successfully reaches CONNECTED, and reports the HOTPLUG capability.
func (p *Provider) RegisterAddDisplayHandler(fn func(protocol.AddDisplayMsg)) {
	p.mu.Lock()
	p.onAddDisplay = fn
	p.capabilities |= protocol.CapHotplug
	p.mu.Unlock()
}

// RegisterRemoveDisplayHandler installs the handler invoked when the
// consumer asks the provider to tear a display down, and reports the
// HOTPLUG capability.
func (p *Provider) RegisterRemoveDisplayHandler(fn func(key uint32)) {
	p.mu.Lock()
	p.onRemoveDisplay = fn
	p.capabilities |= protocol.CapHotplug
	p.mu.Unlock()
}

// RegisterFatalErrorHandler installs the provider's fatal-error handler.
func (p *Provider) RegisterFatalErrorHandler(fn func(error)) {
	p.fatalMu.Lock()
	p.fatal = fn
	p.fatalMu.Unlock()
}

// AdvertiseCapabilities sends DRIVER_CAPABILITIES with the capability bits
// accumulated from handler registration so far.
func (p *Provider) AdvertiseCapabilities(maxDisplays, version uint32) error {
	p.mu.Lock()
	caps := p.capabilities
	p.mu.Unlock()
	return p.sendControl(&protocol.DriverCapabilitiesMsg{
		MaxDisplays: maxDisplays, Version: version, Capabilities: caps,
	})
}

// AdvertiseDisplays sends ADVERTISED_DISPLAY_LIST for the given displays
// and records each as ADVERTISED.
func (p *Provider) AdvertiseDisplays(displays []protocol.DisplayInfo) error {
	p.mu.Lock()
	for _, info := range displays {
		p.displays[info.Key] = &displayEntry{info: info, state: StateAdvertised}
	}
	p.mu.Unlock()
	return p.sendControl(&protocol.AdvertisedDisplayListMsg{Displays: displays})
}

// PublishTextMode sends TEXT_MODE{force}.
func (p *Provider) PublishTextMode(force bool) error {
	return p.sendControl(&protocol.TextModeMsg{Force: force})
}

// DestroyDisplay sends DISPLAY_NO_LONGER_AVAILABLE{key} and then tears the
// display's aggregate down.
func (p *Provider) DestroyDisplay(key uint32) error {
	p.mu.Lock()
	entry, ok := p.displays[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("provider: unknown display key %d: %w", key, dherr.InvalidArgument)
	}
	entry.state = StateTearingDown
	disp := entry.disp
	p.mu.Unlock()

	err := p.sendControl(&protocol.DisplayNoLongerAvailableMsg{Key: key})
	if disp != nil {
		disp.Destroy()
	}

	p.mu.Lock()
	entry.state = StateDead
	p.mu.Unlock()
	return err
}

func (p *Provider) sendControl(msg any) error {
	t, payload, err := protocol.EncodePayload(msg)
	if err != nil {
		return err
	}
	packet, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	space, err := p.control.AvailableSpace()
	if err != nil {
		return err
	}
	if space < len(packet) {
		return dherr.NoSpace
	}
	if err := p.control.Send(packet); err != nil {
		return err
	}
	p.control.NotifyRemote()
	p.control.NotifyRemote()
	return nil
}

// dispatchControl routes one decoded control packet. It runs with the
// receiver's lock (p.mu) held; heavier work (opening a display's channels)
// is handed off to a goroutine so the control channel keeps draining.
func (p *Provider) dispatchControl(t protocol.Type, payload []byte) {
	msg, err := protocol.DecodePayload(t, payload)
	if err != nil {
		log.Printf("provider: unknown or malformed control packet %s: %v", t, err)
		return
	}
	switch m := msg.(type) {
	case *protocol.HostDisplayListMsg:
		fn := p.onHostDisplayChange
		if fn != nil {
			fn(m.Displays)
		}
	case *protocol.AddDisplayMsg:
		p.handleAddDisplay(*m)
	case *protocol.RemoveDisplayMsg:
		p.handleRemoveDisplay(m.Key)
	default:
		log.Printf("provider: unexpected message type on control channel: %T", msg)
	}
}

func (p *Provider) handleAddDisplay(req protocol.AddDisplayMsg) {
	entry, ok := p.displays[req.Key]
	if !ok {
		entry = &displayEntry{info: protocol.DisplayInfo{Key: req.Key}}
		p.displays[req.Key] = entry
	}
	if entry.state == StateCreating || entry.state == StateConnected {
		log.Printf("provider: duplicate ADD_DISPLAY for key %d while in state %s", req.Key, entry.state)
		return
	}
	entry.state = StateCreating
	geometry := p.geometry

	go func() {
		width, height, stride, initial := geometry(req)
		disp, err := display.Open(p.tr, p.rxDomain, p.connID, req, width, height, stride, initial, func(err error) {
			p.mu.Lock()
			if e, ok := p.displays[req.Key]; ok {
				e.state = StateDead
			}
			p.mu.Unlock()
			log.Printf("provider: display %d fatal error: %v", req.Key, err)
		})

		p.mu.Lock()
		defer p.mu.Unlock()
		e, ok := p.displays[req.Key]
		if !ok {
			if err == nil {
				disp.Destroy()
			}
			return
		}
		if err != nil {
			log.Printf("provider: create_display for key %d failed: %v", req.Key, err)
			e.state = StateDead
			return
		}
		e.disp = disp
		e.state = StateConnected
		fn := p.onAddDisplay
		if fn != nil {
			go fn(req)
		}
	}()
}

func (p *Provider) handleRemoveDisplay(key uint32) {
	entry, ok := p.displays[key]
	if !ok {
		return
	}
	entry.state = StateTearingDown
	disp := entry.disp
	fn := p.onRemoveDisplay

	go func() {
		if disp != nil {
			disp.Destroy()
		}
		p.mu.Lock()
		entry.state = StateDead
		p.mu.Unlock()
		if fn != nil {
			fn(key)
		}
	}()
}

// triggerFatal fires the provider's fatal handler at most once, guarded by
// a per-provider fired flag held under the dedicated fatalMu lock; the
// handler itself runs with no lock held.
func (p *Provider) triggerFatal(err error) {
	p.fatalMu.Lock()
	if p.fatalFired || p.fatal == nil {
		p.fatalMu.Unlock()
		return
	}
	p.fatalFired = true
	handler := p.fatal
	p.fatalMu.Unlock()
	handler(err)
}

// Display returns the display aggregate for key, and whether it exists.
func (p *Provider) Display(key uint32) (*display.Display, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.displays[key]
	if !ok || entry.disp == nil {
		return nil, false
	}
	return entry.disp, true
}

// State reports a display's current lifecycle state.
func (p *Provider) State(key uint32) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.displays[key]
	if !ok {
		return StateUnadvertised, false
	}
	return entry.state, true
}
