// Package display implements the provider-side display aggregate: the
// bundle of up to four IVC channels backing one advertised display, plus
// the operations a guest driver calls to publish resolution changes,
// cursor updates, blanking, and dirty regions.
package display

import (
	"fmt"
	"log"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
)

const (
	cursorMaxDim   = protocol.CursorImageMaxDim
	cursorStride   = protocol.CursorImageStride
	dirtyLowWater  = protocol.DirtyRectRecordSize     // below this: TryAgain
	dirtyHighWater = protocol.DirtyRectRecordSize * 2 // below this: full-screen substitution
)

// Display is one guest-side display aggregate: the four channels backing
// a single host display, plus the state the provider publishes over them.
// The zero value is not usable; construct with Open.
type Display struct {
	mu sync.Mutex

	key    uint32
	event  ivc.Channel
	fb     ivc.Channel
	dirty  ivc.Channel // nil if never opened
	cursor ivc.Channel // nil if never opened

	width, height, stride uint32
	framebuffer           []byte

	cursorImage   []byte
	hotspotX      uint32
	hotspotY      uint32
	cursorVisible bool

	driverData any

	fatal      func(error)
	fatalFired bool
}

// Open performs the channel-opening sequence for create_display:
// framebuffer first, then the event channel (both required), then the
// optional dirty-rectangle and cursor-image channels (failures there are
// logged, not fatal, and leave the corresponding handle nil).
func Open(tr ivc.Transport, remoteDomain uint16, connID uint64, req protocol.AddDisplayMsg, width, height, stride uint32, initialContents []byte, fatal func(error)) (*Display, error) {
	if req.FramebufferPort == 0 || req.EventPort == 0 {
		return nil, fmt.Errorf("display: ADD_DISPLAY request missing a required port: %w", dherr.InvalidArgument)
	}

	d := &Display{key: req.Key, width: width, height: height, stride: stride, fatal: fatal}

	fbPages := protocol.FramebufferRingPages(stride, height)
	fb, err := tr.Connect(remoteDomain, req.FramebufferPort, fbPages, connID, ivc.KindSharedMemory)
	if err != nil {
		return nil, fmt.Errorf("display: open framebuffer channel: %w", err)
	}
	d.fb = fb

	event, err := tr.Connect(remoteDomain, req.EventPort, protocol.EventRingPages, connID, ivc.KindStream)
	if err != nil {
		fb.Disconnect()
		return nil, fmt.Errorf("display: open event channel: %w", err)
	}
	d.event = event

	fbView, err := fb.LocalBuffer()
	if err != nil {
		fb.Disconnect()
		event.Disconnect()
		return nil, fmt.Errorf("display: obtain framebuffer view: %w", err)
	}
	d.framebuffer = fbView
	if initialContents != nil {
		copy(d.framebuffer, initialContents)
	}

	if req.DirtyRectPort != 0 {
		dirty, err := tr.Connect(remoteDomain, req.DirtyRectPort, protocol.DirtyRectRingPages, connID, ivc.KindStream)
		if err != nil {
			logWarn("display: optional dirty-rect channel failed to open: %v", err)
		} else {
			d.dirty = dirty
		}
	}

	if req.CursorPort != 0 {
		cursor, err := tr.Connect(remoteDomain, req.CursorPort, protocol.CursorImageRingPages(), connID, ivc.KindSharedMemory)
		if err != nil {
			logWarn("display: optional cursor channel failed to open: %v", err)
		} else if view, err := cursor.LocalBuffer(); err != nil {
			logWarn("display: optional cursor channel view unavailable: %v", err)
			cursor.Disconnect()
		} else {
			d.cursor = cursor
			d.cursorImage = view
		}
	}

	d.wireDisconnectHandlers()
	return d, nil
}

func (d *Display) wireDisconnectHandlers() {
	d.fb.RegisterEventCallbacks(nil, func() { d.triggerFatal(fmt.Errorf("display: framebuffer channel disconnected: %w", dherr.Closed)) })
	d.fb.EnableEvents()
	d.event.RegisterEventCallbacks(nil, func() { d.triggerFatal(fmt.Errorf("display: event channel disconnected: %w", dherr.Closed)) })
	d.event.EnableEvents()
	if d.dirty != nil {
		d.dirty.RegisterEventCallbacks(nil, func() { d.triggerFatal(fmt.Errorf("display: dirty-rect channel disconnected: %w", dherr.Closed)) })
		d.dirty.EnableEvents()
	}
	if d.cursor != nil {
		d.cursor.RegisterEventCallbacks(nil, func() { d.triggerFatal(fmt.Errorf("display: cursor channel disconnected: %w", dherr.Closed)) })
		d.cursor.EnableEvents()
	}
}

// triggerFatal fires the registered fatal handler at most once, guarded by
// a re-entrancy flag under the aggregate's primary lock — the provider
// side uses a flag rather than the consumer's separate fatal lock.
func (d *Display) triggerFatal(err error) {
	d.mu.Lock()
	if d.fatalFired || d.fatal == nil {
		d.mu.Unlock()
		return
	}
	d.fatalFired = true
	handler := d.fatal
	d.mu.Unlock()
	handler(err)
}

func (d *Display) sendEvent(t protocol.Type, msg any) error {
	_, payload, err := protocol.EncodePayload(msg)
	if err != nil {
		return err
	}
	packet, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	space, err := d.event.AvailableSpace()
	if err != nil {
		return err
	}
	if space < len(packet) {
		return dherr.NoSpace
	}
	if err := d.event.Send(packet); err != nil {
		return err
	}
	d.event.NotifyRemote()
	d.event.NotifyRemote()
	return nil
}

// Reconnect re-dials the framebuffer and event channels (both required),
// then the dirty-rect and cursor channels only if both previously existed
// and req supplies a port for them; optional-channel failures are warned,
// not propagated.
func (d *Display) Reconnect(req protocol.AddDisplayMsg, remoteDomain uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.FramebufferPort == 0 || req.EventPort == 0 {
		return fmt.Errorf("display: reconnect missing a required port: %w", dherr.InvalidArgument)
	}
	if err := d.fb.Reconnect(remoteDomain, req.FramebufferPort); err != nil {
		return fmt.Errorf("display: reconnect framebuffer: %w", err)
	}
	if view, err := d.fb.LocalBuffer(); err != nil {
		return fmt.Errorf("display: framebuffer view after reconnect: %w", err)
	} else {
		d.framebuffer = view
	}
	if err := d.event.Reconnect(remoteDomain, req.EventPort); err != nil {
		return fmt.Errorf("display: reconnect event: %w", err)
	}

	if d.dirty != nil && req.DirtyRectPort != 0 {
		if err := d.dirty.Reconnect(remoteDomain, req.DirtyRectPort); err != nil {
			logWarn("display: dirty-rect reconnect failed: %v", err)
		}
	}
	if d.cursor != nil && req.CursorPort != 0 {
		if err := d.cursor.Reconnect(remoteDomain, req.CursorPort); err != nil {
			logWarn("display: cursor reconnect failed: %v", err)
		} else if view, err := d.cursor.LocalBuffer(); err == nil {
			d.cursorImage = view
		}
	}
	return nil
}

// ChangeResolution updates the cached (width, height, stride) and publishes
// SET_DISPLAY on the event channel.
func (d *Display) ChangeResolution(width, height, stride uint32) error {
	d.mu.Lock()
	d.width, d.height, d.stride = width, height, stride
	d.mu.Unlock()
	return d.sendEvent(protocol.SetDisplay, &protocol.SetDisplayMsg{Width: width, Height: height, Stride: stride})
}

// InvalidateRegion publishes a dirty rectangle, substituting a full-screen
// refresh once the ring is within one record of overflowing, and
// returning TryAgain once it truly has no room.
func (d *Display) InvalidateRegion(x, y, w, h uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirty == nil {
		return fmt.Errorf("display: no dirty-rectangle channel: %w", dherr.InvalidArgument)
	}

	space, err := d.dirty.AvailableSpace()
	if err != nil {
		return err
	}
	if space < dirtyLowWater {
		return dherr.TryAgain
	}

	rect := protocol.DirtyRect{X: x, Y: y, W: w, H: h}
	if space < dirtyHighWater {
		rect = protocol.DirtyRect{X: 0, Y: 0, W: d.width, H: d.height}
	}

	buf := protocol.EncodeDirtyRect(rect)
	if err := d.dirty.Send(buf); err != nil {
		return err
	}
	d.dirty.NotifyRemote()
	d.dirty.NotifyRemote()
	return nil
}

// SupportsCursor reports whether a cursor-image channel was opened.
func (d *Display) SupportsCursor() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor != nil
}

// SetCursorHotspot updates the hotspot and publishes UPDATE_CURSOR.
func (d *Display) SetCursorHotspot(xh, yh uint32) error {
	d.mu.Lock()
	if d.cursor == nil {
		d.mu.Unlock()
		return fmt.Errorf("display: no cursor channel: %w", dherr.InvalidArgument)
	}
	if xh > cursorMaxDim || yh > cursorMaxDim {
		d.mu.Unlock()
		return fmt.Errorf("display: hotspot (%d,%d) exceeds %dx%d: %w", xh, yh, cursorMaxDim, cursorMaxDim, dherr.InvalidArgument)
	}
	d.hotspotX, d.hotspotY = xh, yh
	visible := d.cursorVisible
	d.mu.Unlock()
	return d.sendEvent(protocol.UpdateCursor, &protocol.UpdateCursorMsg{HotspotX: xh, HotspotY: yh, Visible: visible})
}

// SetCursorVisibility updates visibility and publishes UPDATE_CURSOR.
func (d *Display) SetCursorVisibility(visible bool) error {
	d.mu.Lock()
	d.cursorVisible = visible
	hx, hy := d.hotspotX, d.hotspotY
	d.mu.Unlock()
	return d.sendEvent(protocol.UpdateCursor, &protocol.UpdateCursorMsg{HotspotX: hx, HotspotY: hy, Visible: visible})
}

// MoveCursor publishes MOVE_CURSOR.
func (d *Display) MoveCursor(x, y uint32) error {
	return d.sendEvent(protocol.MoveCursor, &protocol.MoveCursorMsg{X: x, Y: y})
}

// LoadCursorImage row-copies an src_w×src_h ARGB image into the fixed
// 64×64, 256-byte-stride cursor region, zero-filling the remainder of each
// copied row and every row past src_h (property 4), then publishes
// UPDATE_CURSOR.
func (d *Display) LoadCursorImage(image []byte, srcW, srcH uint32) error {
	d.mu.Lock()
	if d.cursor == nil {
		d.mu.Unlock()
		return fmt.Errorf("display: no cursor channel: %w", dherr.InvalidArgument)
	}
	if srcW > cursorMaxDim || srcH > cursorMaxDim {
		d.mu.Unlock()
		return fmt.Errorf("display: cursor image %dx%d exceeds %dx%d: %w", srcW, srcH, cursorMaxDim, cursorMaxDim, dherr.InvalidArgument)
	}

	rowBytes := int(4 * srcW)
	for row := 0; row < cursorMaxDim; row++ {
		dst := d.cursorImage[row*cursorStride : (row+1)*cursorStride]
		if uint32(row) < srcH {
			src := image[row*rowBytes : (row+1)*rowBytes]
			copy(dst, src)
			clear(dst[rowBytes:])
		} else {
			clear(dst)
		}
	}
	hx, hy, visible := d.hotspotX, d.hotspotY, d.cursorVisible
	d.mu.Unlock()
	return d.sendEvent(protocol.UpdateCursor, &protocol.UpdateCursorMsg{HotspotX: hx, HotspotY: hy, Visible: visible})
}

// BlankDisplay publishes BLANK_DISPLAY with the reason selected by the
// {dpms, blank} → {SLEEP, WAKE, FILL_ENABLE, FILL_DISABLE} table.
func (d *Display) BlankDisplay(dpms, blank bool) error {
	return d.sendEvent(protocol.BlankDisplay, &protocol.BlankDisplayMsg{Reason: protocol.BlankReasonFor(dpms, blank)})
}

// SetDriverData stores an opaque value alongside the aggregate, for the
// owning driver's own bookkeeping.
func (d *Display) SetDriverData(v any) {
	d.mu.Lock()
	d.driverData = v
	d.mu.Unlock()
}

// DriverData retrieves the value stored by SetDriverData.
func (d *Display) DriverData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverData
}

// Key returns the display key this aggregate was created for.
func (d *Display) Key() uint32 {
	return d.key
}

// Destroy disconnects all four channels this aggregate owns. Callers that
// want DISPLAY_NO_LONGER_AVAILABLE published first should send it before
// calling Destroy (see internal/provider's Provider.DestroyDisplay).
func (d *Display) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fb.Disconnect()
	d.event.Disconnect()
	if d.dirty != nil {
		d.dirty.Disconnect()
	}
	if d.cursor != nil {
		d.cursor.Disconnect()
	}
}

// logWarn is the single seam non-fatal warnings flow through; swapped out
// in tests that need to assert a warning happened.
var logWarn = func(format string, args ...any) {
	log.Printf(format, args...)
}
