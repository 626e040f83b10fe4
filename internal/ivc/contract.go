// Package ivc declares the inter-VM communication contract the rest of
// this module is built against: reliable byte-stream channels with an
// optional shared-memory view, plus listening servers that hand channels
// to an accept callback. The transport itself — real hypervisor ring
// buffers, kernel driver glue — is out of scope; this package is the seam
// the protocol core is built against, and internal/ivc/loopback and
// internal/ivc/quicnet are its two concrete backings.
package ivc

// Channel is a single bidirectional byte-stream connection, optionally
// backed by a shared-memory region visible on both ends.
type Channel interface {
	// Recv reads up to len(buf) bytes. short is true when fewer bytes than
	// requested were available right now; it is not an error.
	Recv(buf []byte) (n int, short bool, err error)

	// AvailableData returns the number of bytes currently readable.
	AvailableData() (int, error)

	// AvailableSpace returns the number of bytes currently writable.
	AvailableSpace() (int, error)

	// Send writes buf in full or fails; partial writes are reported as an
	// error (dherr.NoSpace), never as a truncated write.
	Send(buf []byte) error

	// NotifyRemote pokes the remote endpoint. The protocol requires this be
	// called twice per send (an interrupt-coalescing quirk of the real
	// transport, preserved bit-for-bit by callers).
	NotifyRemote()

	// LocalBuffer returns this endpoint's view of the shared-memory region,
	// or an error if none exists or the view could not be obtained. Valid
	// from Connect/Accept until Disconnect.
	LocalBuffer() ([]byte, error)

	// LocalBufferSize returns the byte size of LocalBuffer without
	// requiring a successful view.
	LocalBufferSize() int

	// RegisterEventCallbacks installs the callbacks invoked when data
	// becomes readable or the remote disconnects. Callbacks run on a
	// goroutine distinct from the caller's, concurrently with any other
	// operation on this Channel.
	RegisterEventCallbacks(onData, onDisconnect func())

	// EnableEvents/DisableEvents gate delivery of the registered callbacks
	// without unregistering them.
	EnableEvents()
	DisableEvents()

	// Reconnect rebinds this channel to a new remote port, preserving its
	// identity to the caller. A backing may replace the shared-memory
	// region underneath, so callers fetch LocalBuffer again afterwards.
	Reconnect(remoteDomain uint16, port uint32) error

	IsOpen() bool
	Disconnect()
}

// Server listens for incoming channel connections on one (remote domain,
// port) tuple and hands each accepted Channel to its onAccept callback.
type Server interface {
	Shutdown()
}

// Kind distinguishes a flow-controlled byte-stream channel (control, event,
// dirty-rectangles) from a raw shared-memory channel (framebuffer, cursor
// image). Both are opened the same way; Kind tells a backing how to size
// and expose the region underneath.
type Kind int

const (
	// KindStream channels are read/written via Recv/Send with flow control
	// (AvailableData/AvailableSpace); LocalBuffer is not meaningful.
	KindStream Kind = iota
	// KindSharedMemory channels expose a raw buffer via LocalBuffer that
	// one side writes and the other reads directly, with no framing.
	KindSharedMemory
)

// Transport is the full IVC contract: connecting outward, listening for
// inbound connections, and looking up an existing listener to share it
// across displays bound for the same remote domain and port ("server
// reuse").
type Transport interface {
	// Connect opens an outgoing channel. ringPages sizes the channel's
	// buffering (or, for KindSharedMemory, the region itself); connID is an
	// opaque identifier threaded through by the caller (the provider's
	// optional 64-bit connection identifier).
	Connect(remoteDomain uint16, port uint32, ringPages int, connID uint64, kind Kind) (Channel, error)

	// Listen starts accepting channels on port from remoteDomain (0 means
	// any domain), filtered by connIDMask. Each accepted Channel is
	// delivered to onAccept on its own goroutine.
	Listen(port uint32, remoteDomain uint16, connIDMask uint64, kind Kind, onAccept func(Channel)) (Server, error)

	// FindServer reports whether a listener already exists for the given
	// (remote domain, port) tuple, so a second display can attach to it
	// instead of starting a duplicate.
	FindServer(remoteDomain uint16, port uint32) (Server, bool)
}
