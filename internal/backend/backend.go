// Package backend implements the consumer-side display aggregate: four
// listening servers plus the accepted client handles for one host
// display, with the same per-channel fatal propagation discipline as the
// provider side but split across two locks.
package backend

import (
	"log"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
	"github.com/paravirt/dh/internal/receiver"
)

// Handlers are the host-side callbacks a Backend dispatches decoded event
// packets and drained dirty-rectangle records to.
type Handlers struct {
	OnSetDisplay   func(protocol.SetDisplayMsg)
	OnUpdateCursor func(protocol.UpdateCursorMsg)
	OnMoveCursor   func(protocol.MoveCursorMsg)
	OnBlank        func(protocol.BlankDisplayMsg)
	OnDirtyRect    func(protocol.DirtyRect)
}

// Backend is one host-side display aggregate. The zero value is not
// usable; construct with Create.
type Backend struct {
	key     uint32
	factory *Factory
	domain  uint16
	ports   struct{ event, fb, dirty, cursor uint32 }
	h       Handlers

	mu           sync.Mutex // primary: channel handles, recv state, disconnected flag
	eventCh      ivc.Channel
	fbCh         ivc.Channel
	dirtyCh      ivc.Channel
	cursorCh     ivc.Channel
	framebuffer  []byte
	cursorImage  []byte
	disconnected bool
	eventRecv    *receiver.Receiver

	fatalMu sync.Mutex // guards only the fatal handler slot; never nested inside mu
	fatal   func(error)
}

// Create ensures (reusing listeners where possible) the listening servers
// for the four ports the consumer assigned this display, and begins
// accepting connections in the background. onReady is invoked once the
// required event and framebuffer channels are both attached; it is the
// caller's signal to transition the display to CONNECTED.
func Create(f *Factory, key uint32, remoteDomain uint16, eventPort, fbPort, dirtyPort, cursorPort uint32, h Handlers, fatal func(error), onReady func(*Backend)) (*Backend, error) {
	b := &Backend{key: key, factory: f, domain: remoteDomain, h: h, fatal: fatal}
	b.ports.event, b.ports.fb, b.ports.dirty, b.ports.cursor = eventPort, fbPort, dirtyPort, cursorPort

	eventEntry, err := f.acquireListener(remoteDomain, eventPort, ivc.KindStream)
	if err != nil {
		return nil, err
	}
	fbEntry, err := f.acquireListener(remoteDomain, fbPort, ivc.KindSharedMemory)
	if err != nil {
		f.releaseListener(remoteDomain, eventPort)
		return nil, err
	}

	var dirtyEntry, cursorEntry *listenerEntry
	if dirtyPort != 0 {
		dirtyEntry, _ = f.acquireListener(remoteDomain, dirtyPort, ivc.KindStream)
	}
	if cursorPort != 0 {
		cursorEntry, _ = f.acquireListener(remoteDomain, cursorPort, ivc.KindSharedMemory)
	}

	ready := make(chan struct{}, 2)
	go func() {
		ch := <-eventEntry.accepted
		b.finishEventConnection(ch)
		ready <- struct{}{}
	}()
	go func() {
		ch := <-fbEntry.accepted
		b.finishFramebufferConnection(ch)
		ready <- struct{}{}
	}()
	if dirtyEntry != nil {
		go func() {
			ch := <-dirtyEntry.accepted
			b.finishDirtyRectConnection(ch)
		}()
	}
	if cursorEntry != nil {
		go func() {
			ch := <-cursorEntry.accepted
			b.finishCursorConnection(ch)
		}()
	}

	if onReady != nil {
		go func() {
			<-ready
			<-ready
			onReady(b)
		}()
	}

	return b, nil
}

func (b *Backend) finishEventConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.eventCh = ch
	b.eventRecv = receiver.New(ch, &b.mu, b.dispatchEvent, b.triggerFatal)
	b.mu.Unlock()

	ch.RegisterEventCallbacks(b.eventRecv.Pump, func() {
		b.triggerFatal(dherr.Closed)
	})
	ch.EnableEvents()
}

func (b *Backend) finishFramebufferConnection(ch ivc.Channel) {
	view, err := ch.LocalBuffer()
	if err != nil {
		ch.Disconnect()
		b.triggerFatal(err)
		return
	}
	b.mu.Lock()
	b.fbCh = ch
	b.framebuffer = view
	b.mu.Unlock()

	ch.RegisterEventCallbacks(nil, func() {
		b.triggerFatal(dherr.Closed)
	})
	ch.EnableEvents()
}

func (b *Backend) finishDirtyRectConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.dirtyCh = ch
	b.mu.Unlock()

	ch.RegisterEventCallbacks(func() { b.drainDirtyRects(ch) }, func() {
		b.triggerFatal(dherr.Closed)
	})
	ch.EnableEvents()
}

func (b *Backend) finishCursorConnection(ch ivc.Channel) {
	view, err := ch.LocalBuffer()
	if err != nil {
		log.Printf("backend: optional cursor channel view unavailable: %v", err)
		ch.Disconnect()
		return
	}
	b.mu.Lock()
	b.cursorCh = ch
	b.cursorImage = view
	b.mu.Unlock()

	ch.RegisterEventCallbacks(nil, func() {
		b.triggerFatal(dherr.Closed)
	})
	ch.EnableEvents()
}

// drainDirtyRects reads every complete 16-byte record currently available
// in one invocation.
func (b *Backend) drainDirtyRects(ch ivc.Channel) {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	for {
		avail, err := ch.AvailableData()
		if err != nil || avail < protocol.DirtyRectRecordSize {
			return
		}
		buf := make([]byte, protocol.DirtyRectRecordSize)
		n, short, err := ch.Recv(buf)
		if err != nil || short || n != protocol.DirtyRectRecordSize {
			return
		}
		rect, err := protocol.DecodeDirtyRect(buf)
		if err != nil {
			log.Printf("backend: malformed dirty-rect record: %v", err)
			continue
		}
		if b.h.OnDirtyRect != nil {
			b.h.OnDirtyRect(rect)
		}
	}
}

// dispatchEvent routes one decoded event-channel packet to its handler.
// Called with the receiver's lock (b.mu) held.
func (b *Backend) dispatchEvent(t protocol.Type, payload []byte) {
	msg, err := protocol.DecodePayload(t, payload)
	if err != nil {
		log.Printf("backend: unknown or malformed packet type %s: %v", t, err)
		return
	}
	switch m := msg.(type) {
	case *protocol.SetDisplayMsg:
		if b.h.OnSetDisplay != nil {
			b.h.OnSetDisplay(*m)
		}
	case *protocol.UpdateCursorMsg:
		if b.h.OnUpdateCursor != nil {
			b.h.OnUpdateCursor(*m)
		}
	case *protocol.MoveCursorMsg:
		if b.h.OnMoveCursor != nil {
			b.h.OnMoveCursor(*m)
		}
	case *protocol.BlankDisplayMsg:
		if b.h.OnBlank != nil {
			b.h.OnBlank(*m)
		}
	default:
		log.Printf("backend: unexpected message type on event channel: %T", msg)
	}
}

// triggerFatal fires the fatal handler at most once, under the dedicated
// fatal lock, nulling the slot first so a re-entrant call from inside the
// handler body cannot recurse.
func (b *Backend) triggerFatal(err error) {
	b.fatalMu.Lock()
	handler := b.fatal
	b.fatal = nil
	b.fatalMu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// FramebufferView returns the consumer's read-only view of the
// framebuffer's shared memory, or nil if the framebuffer channel has not
// finished connecting yet.
func (b *Backend) FramebufferView() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framebuffer
}

// CursorImageView returns the consumer's read-only view of the cursor
// image's shared memory, or nil if no cursor channel exists.
func (b *Backend) CursorImageView() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursorImage
}

// Key returns the display key this backend was created for.
func (b *Backend) Key() uint32 {
	return b.key
}

// Disconnect disables events on each connection, clears handler slots so
// late callbacks observe nothing to call, disconnects each channel, and
// sets the disconnected flag; subsequent receive callbacks short-circuit.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.disconnected = true
	channels := []ivc.Channel{b.eventCh, b.fbCh, b.dirtyCh, b.cursorCh}
	b.h = Handlers{}
	b.mu.Unlock()

	for _, ch := range channels {
		if ch == nil {
			continue
		}
		ch.DisableEvents()
		ch.RegisterEventCallbacks(nil, nil)
		ch.Disconnect()
	}
}

// Destroy disconnects the backend and releases its listening servers back
// to the factory's reference count.
func (b *Backend) Destroy() {
	b.Disconnect()
	b.factory.releaseListener(b.domain, b.ports.event)
	b.factory.releaseListener(b.domain, b.ports.fb)
	if b.ports.dirty != 0 {
		b.factory.releaseListener(b.domain, b.ports.dirty)
	}
	if b.ports.cursor != 0 {
		b.factory.releaseListener(b.domain, b.ports.cursor)
	}
}
