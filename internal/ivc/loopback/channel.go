package loopback

import (
	"fmt"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
)

// channel is the in-process ivc.Channel backing. A stream channel pairs two
// independently-owned rings (one per direction); a shared-memory channel
// pairs two endpoints pointing at the same backing slice, modeling a real
// shared page the provider writes and the consumer reads.
type channel struct {
	kind ivc.Kind

	// Stream kind.
	out *ring // bytes this end sends
	in  *ring // bytes this end receives

	// Shared-memory kind.
	mem []byte

	mu            sync.Mutex
	open          bool
	eventsEnabled bool
	onData        func()
	onDisconnect  func()
	peer          *channel

	// Set only on the dialing end, so Reconnect can re-dial in place.
	tr        *Transport
	ringBytes int
}

// newStreamPair builds two ends of a duplex stream channel, each direction
// backed by its own ring of ringBytes capacity.
func newStreamPair(ringBytes int) (*channel, *channel) {
	a2b := newRing(ringBytes)
	b2a := newRing(ringBytes)
	a := &channel{kind: ivc.KindStream, out: a2b, in: b2a, open: true}
	b := &channel{kind: ivc.KindStream, out: b2a, in: a2b, open: true}
	a.peer, b.peer = b, a
	return a, b
}

// newSharedPair builds two ends of a shared-memory channel backed by one
// jointly-owned buffer — writes from either LocalBuffer() are visible to
// the other immediately, exactly as real shared pages would be.
func newSharedPair(bytes int) (*channel, *channel) {
	mem := make([]byte, bytes)
	a := &channel{kind: ivc.KindSharedMemory, mem: mem, open: true}
	b := &channel{kind: ivc.KindSharedMemory, mem: mem, open: true}
	a.peer, b.peer = b, a
	return a, b
}

func (c *channel) Recv(buf []byte) (int, bool, error) {
	if c.in == nil {
		return 0, false, fmt.Errorf("loopback: Recv on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, false, dherr.Closed
	}
	n := c.in.read(buf)
	return n, n < len(buf), nil
}

func (c *channel) AvailableData() (int, error) {
	if c.in == nil {
		return 0, fmt.Errorf("loopback: AvailableData on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, dherr.Closed
	}
	return c.in.availableData(), nil
}

func (c *channel) AvailableSpace() (int, error) {
	if c.out == nil {
		return 0, fmt.Errorf("loopback: AvailableSpace on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, dherr.Closed
	}
	return c.out.availableSpace(), nil
}

func (c *channel) Send(buf []byte) error {
	if c.out == nil {
		return fmt.Errorf("loopback: Send on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return dherr.Closed
	}
	if !c.out.write(buf) {
		return dherr.NoSpace
	}
	return nil
}

// NotifyRemote fires the peer's data callback on a fresh goroutine — the
// IVC contract delivers callbacks from threads distinct from the caller.
func (c *channel) NotifyRemote() {
	go c.peer.fireData()
}

func (c *channel) fireData() {
	c.mu.Lock()
	cb := c.onData
	enabled := c.eventsEnabled
	c.mu.Unlock()
	if enabled && cb != nil {
		cb()
	}
}

func (c *channel) fireDisconnect() {
	c.mu.Lock()
	cb := c.onDisconnect
	enabled := c.eventsEnabled
	c.mu.Unlock()
	if enabled && cb != nil {
		cb()
	}
}

func (c *channel) LocalBuffer() ([]byte, error) {
	if c.mem == nil {
		return nil, fmt.Errorf("loopback: no shared-memory region on this channel: %w", dherr.NotFound)
	}
	if !c.IsOpen() {
		return nil, dherr.Closed
	}
	return c.mem, nil
}

func (c *channel) LocalBufferSize() int {
	return len(c.mem)
}

func (c *channel) RegisterEventCallbacks(onData, onDisconnect func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = onData
	c.onDisconnect = onDisconnect
}

func (c *channel) EnableEvents() {
	c.mu.Lock()
	c.eventsEnabled = true
	c.mu.Unlock()
}

func (c *channel) DisableEvents() {
	c.mu.Lock()
	c.eventsEnabled = false
	c.mu.Unlock()
}

// Reconnect re-dials the server this channel was originally connected to
// and swaps in the new backing (ring pair or shared buffer) in place, so
// callers that hold onto this *channel keep a valid handle across the
// reconnect. Only valid on a dialing end (one returned by Transport.Connect).
func (c *channel) Reconnect(remoteDomain uint16, port uint32) error {
	if c.tr == nil {
		return fmt.Errorf("loopback: Reconnect only supported on a dialing channel: %w", dherr.Transport)
	}

	fresh, err := c.tr.Connect(remoteDomain, port, c.ringBytes/pageSize, 0, c.kind)
	if err != nil {
		return err
	}
	nc := fresh.(*channel)

	c.mu.Lock()
	c.out, c.in, c.mem = nc.out, nc.in, nc.mem
	newPeer := nc.peer
	c.peer = newPeer
	c.open = true
	c.mu.Unlock()

	newPeer.mu.Lock()
	newPeer.peer = c
	newPeer.mu.Unlock()
	return nil
}

func (c *channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *channel) Disconnect() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.mu.Unlock()

	go c.peer.markRemoteClosed()
}

func (c *channel) markRemoteClosed() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()
	if wasOpen {
		c.fireDisconnect()
	}
}
