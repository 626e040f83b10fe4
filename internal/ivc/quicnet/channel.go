package quicnet

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
)

// Frames on the wire are a 4-byte big-endian length prefix followed by that
// many bytes of payload. A zero-length frame carries no data: it is the
// wire encoding of NotifyRemote, since a real QUIC stream has no separate
// "ring the doorbell" primitive the way a hypervisor's event channel does.
const lengthPrefixSize = 4

// channel is an ivc.Channel backed by a single QUIC stream. KindStream
// channels treat the stream as a byte pipe framed into discrete Send/Recv
// units; KindSharedMemory channels use it to replicate a whole-buffer
// snapshot on every write, which is an emulation of real shared memory and
// not the genuine article — see the package doc.
type channel struct {
	stream *quic.Stream
	kind   ivc.Kind
	nominalCapacity int

	mu            sync.Mutex
	open          bool
	eventsEnabled bool
	onData        func()
	onDisconnect  func()

	pending []byte // data frames not yet consumed by Recv
	mem     []byte // KindSharedMemory: last snapshot received
}

func newChannel(stream *quic.Stream, kind ivc.Kind, capacityBytes int) *channel {
	c := &channel{stream: stream, kind: kind, nominalCapacity: capacityBytes, open: true}
	if kind == ivc.KindSharedMemory {
		c.mem = make([]byte, capacityBytes)
	}
	go c.readLoop()
	return c
}

// readLoop demultiplexes frames off the stream for the lifetime of the
// channel: zero-length frames fire the data callback, non-zero frames are
// buffered (KindStream) or replace the shared snapshot (KindSharedMemory).
func (c *channel) readLoop() {
	var lenBuf [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
			c.markClosed()
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			c.mu.Lock()
			cb := c.onData
			enabled := c.eventsEnabled
			c.mu.Unlock()
			if enabled && cb != nil {
				cb()
			}
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(c.stream, payload); err != nil {
			c.markClosed()
			return
		}

		c.mu.Lock()
		if c.kind == ivc.KindSharedMemory {
			copy(c.mem, payload)
		} else {
			c.pending = append(c.pending, payload...)
		}
		c.mu.Unlock()
	}
}

func (c *channel) markClosed() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	cb := c.onDisconnect
	enabled := c.eventsEnabled
	c.mu.Unlock()
	if wasOpen && enabled && cb != nil {
		cb()
	}
}

func (c *channel) writeFrame(payload []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("quicnet: write frame header: %w", dherr.Transport)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.stream.Write(payload); err != nil {
		return fmt.Errorf("quicnet: write frame payload: %w", dherr.Transport)
	}
	return nil
}

func (c *channel) Recv(buf []byte) (int, bool, error) {
	if c.kind != ivc.KindStream {
		return 0, false, fmt.Errorf("quicnet: Recv on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, false, dherr.Closed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(len(buf), len(c.pending))
	copy(buf, c.pending[:n])
	c.pending = c.pending[n:]
	return n, n < len(buf), nil
}

func (c *channel) AvailableData() (int, error) {
	if c.kind != ivc.KindStream {
		return 0, fmt.Errorf("quicnet: AvailableData on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, dherr.Closed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), nil
}

// AvailableSpace reports the channel's nominal capacity: unlike the
// loopback ring, a QUIC stream is flow-controlled by the transport itself,
// so this substrate does not track a precise remaining count (documented
// emulation boundary).
func (c *channel) AvailableSpace() (int, error) {
	if c.kind != ivc.KindStream {
		return 0, fmt.Errorf("quicnet: AvailableSpace on a shared-memory channel: %w", dherr.Transport)
	}
	if !c.IsOpen() {
		return 0, dherr.Closed
	}
	return c.nominalCapacity, nil
}

func (c *channel) Send(buf []byte) error {
	if !c.IsOpen() {
		return dherr.Closed
	}
	if c.kind == ivc.KindStream && len(buf) > c.nominalCapacity {
		return dherr.NoSpace
	}
	return c.writeFrame(buf)
}

// NotifyRemote sends a zero-length frame, the wire encoding of a doorbell
// ring. Callers invoke this twice per send per the transport's
// interrupt-coalescing quirk.
func (c *channel) NotifyRemote() {
	_ = c.writeFrame(nil)
}

func (c *channel) LocalBuffer() ([]byte, error) {
	if c.kind != ivc.KindSharedMemory {
		return nil, fmt.Errorf("quicnet: no shared-memory region on this channel: %w", dherr.NotFound)
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

// Reconnect is not supported in place; a new channel is dialed via
// Transport.Connect and the caller swaps its handle. (The loopback backing,
// by contrast, re-dials in place.)
func (c *channel) Reconnect(remoteDomain uint16, port uint32) error {
	return fmt.Errorf("quicnet: Channel.Reconnect unsupported; use Transport.Connect again: %w", dherr.Transport)
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
	c.stream.CancelRead(0)
	c.stream.Close()
}
