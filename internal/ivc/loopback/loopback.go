// Package loopback is an in-process ivc.Transport: both endpoints of a
// channel live in the same address space, connected by a ring.go buffer
// (stream kind) or a shared slice (shared-memory kind). It exists so the
// rest of this module — and its tests — can drive the protocol end to end
// without a real hypervisor or a second process.
package loopback

import (
	"fmt"
	"sync"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
)

const pageSize = 4096

// serverKey identifies a listener the way the real transport scopes one:
// by the port it listens on and the remote domain it accepts from (0 means
// any domain).
type serverKey struct {
	port         uint32
	remoteDomain uint16
}

// Transport is the loopback ivc.Transport. The zero value is not usable;
// construct with New.
type Transport struct {
	mu      sync.Mutex
	servers map[serverKey]*server
}

// New returns an empty loopback transport.
func New() *Transport {
	return &Transport{servers: make(map[serverKey]*server)}
}

type server struct {
	mu       sync.Mutex
	key      serverKey
	mask     uint64
	kind     ivc.Kind
	onAccept func(ivc.Channel)
	shutdown bool
}

func (s *server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// Listen registers a server under (port, remoteDomain). Only one server may
// own a given key at a time, mirroring a single bound IVC port. connIDMask
// is recorded but Connect does not filter on it.
func (t *Transport) Listen(port uint32, remoteDomain uint16, connIDMask uint64, kind ivc.Kind, onAccept func(ivc.Channel)) (ivc.Server, error) {
	key := serverKey{port: port, remoteDomain: remoteDomain}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.servers[key]; exists {
		return nil, fmt.Errorf("loopback: port %d already has a listener: %w", port, dherr.InvalidArgument)
	}
	s := &server{key: key, mask: connIDMask, kind: kind, onAccept: onAccept}
	t.servers[key] = s
	return s, nil
}

// FindServer reports an existing listener for (remoteDomain, port), letting
// a second display share it instead of opening a duplicate.
func (t *Transport) FindServer(remoteDomain uint16, port uint32) (ivc.Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[serverKey{port: port, remoteDomain: remoteDomain}]
	if !ok {
		return nil, false
	}
	return s, true
}

// Connect dials the server registered for (port, remoteDomain): it builds
// both ends of the channel pair, hands the accepting end to onAccept on a
// fresh goroutine (accept callbacks never run on the dialer's stack), and
// returns the dialing end.
func (t *Transport) Connect(remoteDomain uint16, port uint32, ringPages int, connID uint64, kind ivc.Kind) (ivc.Channel, error) {
	t.mu.Lock()
	s, ok := t.servers[serverKey{port: port, remoteDomain: remoteDomain}]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: no listener on port %d: %w", port, dherr.NotFound)
	}

	s.mu.Lock()
	shutdown := s.shutdown
	accept := s.onAccept
	s.mu.Unlock()
	if shutdown {
		return nil, fmt.Errorf("loopback: listener on port %d is shut down: %w", port, dherr.Closed)
	}
	if s.kind != kind {
		return nil, fmt.Errorf("loopback: port %d kind mismatch: %w", port, dherr.InvalidArgument)
	}

	ringBytes := ringPages * pageSize
	var dialEnd, acceptEnd *channel
	switch kind {
	case ivc.KindStream:
		dialEnd, acceptEnd = newStreamPair(ringBytes)
	case ivc.KindSharedMemory:
		dialEnd, acceptEnd = newSharedPair(ringBytes)
	default:
		return nil, fmt.Errorf("loopback: unknown channel kind %d: %w", kind, dherr.InvalidArgument)
	}
	dialEnd.tr = t
	dialEnd.ringBytes = ringBytes

	go accept(acceptEnd)
	return dialEnd, nil
}
