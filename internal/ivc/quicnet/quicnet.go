// Package quicnet is a cross-process ivc.Transport backed by QUIC
// (github.com/quic-go/quic-go), carried over a self-signed TLS handshake.
// It exists for the demo binary: two operating-system processes exchanging
// packets exactly as a guest driver and host handler would across a real
// IVC ring, just over loopback UDP instead of shared hypervisor pages.
// KindSharedMemory channels are emulated by replicating whole-buffer
// snapshots over the stream rather than sharing pages — see channel.go.
package quicnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
)

const pageSize = 4096

// Transport is the quicnet ivc.Transport. Host is the address to dial for
// Connect; it is irrelevant for Listen, which always binds on all
// interfaces. Construct with New.
type Transport struct {
	host string

	mu      sync.Mutex
	servers map[uint32]*server
}

// New returns a Transport that dials host when Connect is called.
func New(host string) *Transport {
	return &Transport{host: host, servers: make(map[uint32]*server)}
}

type server struct {
	port     uint32
	kind     ivc.Kind
	ln       *quic.Listener
	tr       *quic.Transport
	onAccept func(ivc.Channel)

	mu       sync.Mutex
	shutdown bool
}

func (s *server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()
	s.ln.Close()
	s.tr.Close()
}

func (s *server) acceptLoop() {
	for {
		qconn, err := s.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go s.handleConn(qconn)
	}
}

// handleConn accepts the single stream the dialer opens for this channel
// and hands the wrapped channel to onAccept.
func (s *server) handleConn(qconn *quic.Conn) {
	stream, err := qconn.AcceptStream(context.Background())
	if err != nil {
		qconn.CloseWithError(1, "stream accept failed")
		return
	}
	ch := newChannel(stream, s.kind, pagesToBytes(1))
	s.onAccept(ch)
}

func pagesToBytes(pages int) int {
	if pages <= 0 {
		pages = 1
	}
	return pages * pageSize
}

// Listen binds a UDP/QUIC listener on port and accepts channels in the
// background. remoteDomain and connIDMask are accepted for contract
// symmetry with loopback but are not enforced here: quicnet has no notion
// of a hypervisor-assigned domain ID to filter on.
func (t *Transport) Listen(port uint32, remoteDomain uint16, connIDMask uint64, kind ivc.Kind, onAccept func(ivc.Channel)) (ivc.Server, error) {
	t.mu.Lock()
	if _, exists := t.servers[port]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("quicnet: port %d already has a listener: %w", port, dherr.InvalidArgument)
	}
	t.mu.Unlock()

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("quicnet: listen UDP on port %d: %w", port, err)
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quicnet: generate TLS cert: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quicnet: QUIC listen on port %d: %w", port, err)
	}

	s := &server{port: port, kind: kind, ln: ln, tr: tr, onAccept: onAccept}

	t.mu.Lock()
	t.servers[port] = s
	t.mu.Unlock()

	go s.acceptLoop()
	return s, nil
}

// FindServer reports whether this transport already has a listener bound
// to port. remoteDomain is accepted for contract symmetry; quicnet keys
// listeners by port alone.
func (t *Transport) FindServer(remoteDomain uint16, port uint32) (ivc.Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[port]
	if !ok {
		return nil, false
	}
	return s, true
}

// Connect dials host:port, opens the channel's single stream, and returns
// it wrapped as an ivc.Channel. connID has no wire representation in this
// substrate; it exists purely for contract symmetry with loopback.
func (t *Transport) Connect(remoteDomain uint16, port uint32, ringPages int, connID uint64, kind ivc.Kind) (ivc.Channel, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(t.host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("quicnet: resolve %s:%d: %w", t.host, port, err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("quicnet: open client UDP socket: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qconn, err := tr.Dial(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quicnet: QUIC dial %s:%d: %w", t.host, port, err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("quicnet: open stream to %s:%d: %w", t.host, port, err)
	}

	return newChannel(stream, kind, pagesToBytes(ringPages)), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	}
}
