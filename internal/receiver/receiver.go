// Package receiver implements the partial-read state machine shared by
// the provider's and consumer's control channels and the consumer's
// backend event channel: a packet channel carries whole packets, but the
// transport may deliver them in arbitrary fragments across callbacks, so
// the receive side must remember a header across calls until its payload
// and footer have fully arrived.
package receiver

import (
	"fmt"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/protocol"
)

// Receiver drives one channel's header-slot state machine. It is embedded
// in an owning aggregate, which supplies the lock to hold across a receive
// step (dispatch happens under that same lock) and the dispatch/fatal
// callbacks. A Receiver has no independent concurrency of its own; callers
// invoke Pump from the channel's onData callback.
type Receiver struct {
	channel ivc.Channel
	lock    sync.Locker

	// dispatch is called with the receive-side lock held, once per
	// successfully validated packet.
	dispatch func(t protocol.Type, payload []byte)

	// fatal is called with no lock held, at most once per corrupted or
	// malformed packet this Receiver sees; the owning aggregate is
	// responsible for actually enforcing "at most once" across its whole
	// lifetime (CRC errors here are one of several fatal triggers).
	fatal func(error)

	header    protocol.Header
	populated bool

	allocFn func(n int) ([]byte, bool)
}

// New builds a Receiver over channel. lock is the aggregate's primary
// lock: it is acquired for the duration of each header-slot transition and
// held across dispatch, released before fatal is invoked.
func New(channel ivc.Channel, lock sync.Locker, dispatch func(protocol.Type, []byte), fatal func(error)) *Receiver {
	return &Receiver{channel: channel, lock: lock, dispatch: dispatch, fatal: fatal}
}

// Pump attempts to make progress on the channel's header slot, looping
// until a step either dispatches a packet, triggers a fatal error, or
// finds insufficient data to continue — at which point it returns and
// waits for the next callback.
func (r *Receiver) Pump() {
	for {
		progressed, err := r.step()
		if err != nil {
			r.fatal(err)
			return
		}
		if !progressed {
			return
		}
	}
}

// step performs one iteration of the state machine described in the
// receiver's package doc. It returns progressed=true if it consumed bytes
// or completed a dispatch, and a non-nil error only for fatal conditions
// (magic mismatch, CRC mismatch) — never for "not enough data yet".
func (r *Receiver) step() (progressed bool, fatalErr error) {
	r.lock.Lock()

	if !r.populated {
		// Recv consumes whatever it returns, so only read once a whole
		// header is buffered; a partial header stays in the transport.
		avail, err := r.channel.AvailableData()
		if err != nil || avail < protocol.HeaderSize {
			r.lock.Unlock()
			return false, nil
		}
		buf := make([]byte, protocol.HeaderSize)
		n, short, err := r.channel.Recv(buf)
		if err != nil {
			r.lock.Unlock()
			return false, nil
		}
		if short || n < protocol.HeaderSize {
			r.lock.Unlock()
			return false, nil
		}
		hdr, err := protocol.DecodeHeader(buf)
		if err != nil {
			r.lock.Unlock()
			return false, fmt.Errorf("receiver: header: %w", err)
		}
		if hdr.Magic1 != protocol.Magic1 || hdr.Magic2 != protocol.Magic2 {
			r.lock.Unlock()
			return false, fmt.Errorf("receiver: bad magic: %w", dherr.Protocol)
		}
		r.header = hdr
		r.populated = true
		r.lock.Unlock()
		return true, nil
	}

	need := int(r.header.Length) + protocol.FooterSize
	avail, err := r.channel.AvailableData()
	if err != nil {
		r.lock.Unlock()
		return false, nil
	}
	if avail < need {
		r.lock.Unlock()
		return false, nil
	}

	rest, ok := r.allocate(need)
	if !ok {
		// Allocation failure is non-fatal: leave the slot populated, the
		// transport still holds the bytes, retry on the next callback.
		r.lock.Unlock()
		return false, nil
	}

	n, short, err := r.channel.Recv(rest)
	if err != nil || short || n < need {
		r.lock.Unlock()
		return false, nil
	}

	headerBytes := protocol.EncodeHeader(r.header)
	payload := rest[:r.header.Length]
	footer, err := protocol.DecodeFooter(rest[r.header.Length:])
	if err != nil {
		r.populated = false
		r.lock.Unlock()
		return false, fmt.Errorf("receiver: footer: %w", err)
	}
	if got := protocol.Checksum(headerBytes, payload); got != footer.CRC {
		r.populated = false
		r.lock.Unlock()
		return false, fmt.Errorf("receiver: CRC mismatch (got %#04x, want %#04x): %w", got, footer.CRC, dherr.Protocol)
	}

	typ := r.header.Type
	r.populated = false
	r.dispatch(typ, payload)
	r.lock.Unlock()
	return true, nil
}

// allocate obtains a buffer of n bytes. It is a seam for tests to simulate
// the transient allocation-failure retry path from the package doc; the
// zero Receiver always succeeds.
func (r *Receiver) allocate(n int) ([]byte, bool) {
	if r.allocFn != nil {
		return r.allocFn(n)
	}
	return make([]byte, n), true
}

// SetAllocFunc overrides the buffer allocator, letting tests simulate the
// transient allocation-failure retry path.
func (r *Receiver) SetAllocFunc(fn func(n int) ([]byte, bool)) {
	r.allocFn = fn
}
