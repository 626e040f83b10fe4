package provider

import (
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
)

// Dedicated is a thin decorator over Provider for single-display guests:
// it skips the host-display-change negotiation entirely, always
// advertises exactly one fixed-geometry display, and reports neither the
// RESIZE nor the HOTPLUG capability, since there is nothing for the
// consumer to resize or hotplug. It is not a separate protocol core — it
// is a Provider constructed and advertised a particular way.
type Dedicated struct {
	*Provider
	key uint32
}

// NewDedicated connects the control channel exactly like New, then
// immediately advertises one display of the given fixed geometry under
// key. driverVersion is reported verbatim in DRIVER_CAPABILITIES.
func NewDedicated(tr ivc.Transport, rxDomain uint16, controlPort uint32, connID uint64, key uint32, width, height, stride uint32, driverVersion uint32, initialContents []byte) (*Dedicated, error) {
	geometry := func(protocol.AddDisplayMsg) (uint32, uint32, uint32, []byte) {
		return width, height, stride, initialContents
	}
	p, err := New(tr, rxDomain, controlPort, connID, geometry)
	if err != nil {
		return nil, err
	}
	d := &Dedicated{Provider: p, key: key}

	if err := p.AdvertiseCapabilities(1, driverVersion); err != nil {
		return nil, err
	}
	if err := p.AdvertiseDisplays([]protocol.DisplayInfo{{Key: key, Width: width, Height: height}}); err != nil {
		return nil, err
	}
	return d, nil
}

// Key returns the dedicated display's fixed key.
func (d *Dedicated) Key() uint32 {
	return d.key
}
