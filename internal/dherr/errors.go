// Package dherr holds the sentinel error taxonomy shared by every layer of
// the display helper: the packet codec, the partial-read state machine, the
// two aggregates, and the provider/consumer objects. Callers distinguish
// kinds with errors.Is; every non-sentinel error wraps one of these with
// fmt.Errorf("...: %w", ...) so the kind survives across layers.
package dherr

import "errors"

var (
	// InvalidArgument means a caller-supplied value violates a documented
	// bound (e.g. a cursor hotspot beyond 64x64).
	InvalidArgument = errors.New("invalid argument")

	// OutOfMemory means an allocation failed. Where this is non-fatal,
	// callers retry rather than propagate it.
	OutOfMemory = errors.New("out of memory")

	// NoSpace means a send-side buffer has insufficient free space right
	// now; it is transient and the transport is expected to not block.
	NoSpace = errors.New("no space")

	// TryAgain means a receive-side partial-read needs more data before it
	// can make progress; the next readable-data callback will retry.
	TryAgain = errors.New("try again")

	// Closed means the channel is not open, or the remote end disconnected.
	Closed = errors.New("closed")

	// NotFound means no listening server exists for a requested domain,
	// port tuple.
	NotFound = errors.New("not found")

	// Protocol means a wire-level violation: bad magic, bad CRC, an
	// oversize packet, or (when explicitly checked for) an unknown type.
	Protocol = errors.New("protocol violation")

	// Transport means the underlying IVC transport refused an operation
	// it was not documented to refuse.
	Transport = errors.New("transport error")
)
