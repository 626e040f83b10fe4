package backend

import (
	"fmt"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
)

// Factory owns the listening servers shared across backends advertised to
// the same remote domain and port ("server reuse"): before
// starting a new listener, it looks for one it already holds on that
// tuple and attaches to it instead of creating a duplicate. ivc.Server
// exposes no way to attach a second accept callback to a listener created
// outside this Factory, so reuse is scoped to listeners this Factory
// itself created — a listener already held by some other owner of the
// same Transport is reported as a conflict rather than silently shared.
type Factory struct {
	tr ivc.Transport

	mu       sync.Mutex
	entries  map[portKey]*listenerEntry
}

type portKey struct {
	remoteDomain uint16
	port         uint32
}

type listenerEntry struct {
	srv      ivc.Server
	accepted chan ivc.Channel
	refCount int
}

// NewFactory returns a Factory that listens through tr.
func NewFactory(tr ivc.Transport) *Factory {
	return &Factory{tr: tr, entries: make(map[portKey]*listenerEntry)}
}

func (f *Factory) acquireListener(remoteDomain uint16, port uint32, kind ivc.Kind) (*listenerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := portKey{remoteDomain, port}
	if e, ok := f.entries[key]; ok {
		e.refCount++
		return e, nil
	}

	if _, ok := f.tr.FindServer(remoteDomain, port); ok {
		return nil, fmt.Errorf("backend: port %d already has a listener this factory does not own: %w", port, dherr.InvalidArgument)
	}

	accepted := make(chan ivc.Channel, 8)
	srv, err := f.tr.Listen(port, remoteDomain, 0, kind, func(c ivc.Channel) { accepted <- c })
	if err != nil {
		return nil, err
	}
	e := &listenerEntry{srv: srv, accepted: accepted, refCount: 1}
	f.entries[key] = e
	return e, nil
}

func (f *Factory) releaseListener(remoteDomain uint16, port uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := portKey{remoteDomain, port}
	e, ok := f.entries[key]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.srv.Shutdown()
		delete(f.entries, key)
	}
}
