package consumer

import (
	"testing"
	"time"

	"github.com/paravirt/dh/internal/backend"
	"github.com/paravirt/dh/internal/ivc/loopback"
	"github.com/paravirt/dh/internal/protocol"
	"github.com/paravirt/dh/internal/provider"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// waitForControl blocks until the consumer has accepted the provider's
// control connection; the loopback transport delivers accepts on a
// separate goroutine, and sendControl fails with Closed until then.
func waitForControl(t *testing.T, c *Consumer) {
	t.Helper()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.control != nil
	})
}

func flatGeometry(req protocol.AddDisplayMsg) (uint32, uint32, uint32, []byte) {
	return 320, 240, 1280, nil
}

func TestDriverCapabilitiesHandshakeRoundTrip(t *testing.T) {
	tr := loopback.New()
	c, err := New(tr, 900, 0, 1300)
	if err != nil {
		t.Fatalf("consumer.New: %v", err)
	}
	defer c.Shutdown()

	p, err := provider.New(tr, 0, 900, 0, flatGeometry)
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	p.RegisterHostDisplayChangeHandler(func([]protocol.DisplayInfo) {})

	received := make(chan protocol.DriverCapabilitiesMsg, 1)
	c.RegisterDriverCapabilitiesHandler(func(m protocol.DriverCapabilitiesMsg) { received <- m })

	if err := p.AdvertiseCapabilities(4, 1); err != nil {
		t.Fatalf("AdvertiseCapabilities: %v", err)
	}

	select {
	case got := <-received:
		if got.Capabilities != protocol.CapResize {
			t.Fatalf("Capabilities = %#x, want %#x", got.Capabilities, protocol.CapResize)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never received DRIVER_CAPABILITIES")
	}
}

func TestCreateDisplayConnectsProviderDialedChannels(t *testing.T) {
	tr := loopback.New()
	c, err := New(tr, 900, 0, 1400)
	if err != nil {
		t.Fatalf("consumer.New: %v", err)
	}
	defer c.Shutdown()

	added := make(chan protocol.AddDisplayMsg, 1)
	p, err := provider.New(tr, 0, 900, 0, flatGeometry)
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	p.RegisterAddDisplayHandler(func(req protocol.AddDisplayMsg) { added <- req })
	waitForControl(t, c)

	ready := make(chan *backend.Backend, 1)
	b, err := c.CreateDisplay(5, false, false, backend.Handlers{}, nil, func(b *backend.Backend) { ready <- b })
	if err != nil {
		t.Fatalf("CreateDisplay: %v", err)
	}

	select {
	case req := <-added:
		if req.Key != 5 {
			t.Fatalf("provider saw key %d, want 5", req.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("provider never received ADD_DISPLAY")
	}

	select {
	case got := <-ready:
		if got != b {
			t.Fatal("onReady received a different backend")
		}
	case <-time.After(time.Second):
		t.Fatal("backend never became ready")
	}
	waitFor(t, func() bool { return b.FramebufferView() != nil })
	waitFor(t, func() bool {
		s, ok := p.State(5)
		return ok && s == provider.StateConnected
	})
}

func TestCreateDisplayRejectsDuplicateKey(t *testing.T) {
	tr := loopback.New()
	c, err := New(tr, 900, 0, 1500)
	if err != nil {
		t.Fatalf("consumer.New: %v", err)
	}
	defer c.Shutdown()

	if _, err := provider.New(tr, 0, 900, 0, flatGeometry); err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	waitForControl(t, c)

	if _, err := c.CreateDisplay(9, false, false, backend.Handlers{}, nil, nil); err != nil {
		t.Fatalf("CreateDisplay: %v", err)
	}
	if _, err := c.CreateDisplay(9, false, false, backend.Handlers{}, nil, nil); err == nil {
		t.Fatal("expected an error for a duplicate display key")
	}
}

func TestDisplayNoLongerAvailableReachesConsumerHandler(t *testing.T) {
	tr := loopback.New()
	c, err := New(tr, 900, 0, 1600)
	if err != nil {
		t.Fatalf("consumer.New: %v", err)
	}
	defer c.Shutdown()

	p, err := provider.New(tr, 0, 900, 0, flatGeometry)
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}

	waitForControl(t, c)
	b, err := c.CreateDisplay(2, false, false, backend.Handlers{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateDisplay: %v", err)
	}
	waitFor(t, func() bool {
		s, ok := p.State(2)
		return ok && s == provider.StateConnected
	})
	waitFor(t, func() bool { return b.FramebufferView() != nil })

	gone := make(chan uint32, 1)
	c.RegisterDisplayNoLongerAvailableHandler(func(key uint32) { gone <- key })

	if err := p.DestroyDisplay(2); err != nil {
		t.Fatalf("DestroyDisplay: %v", err)
	}

	select {
	case key := <-gone:
		if key != 2 {
			t.Fatalf("got key %d, want 2", key)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never received DISPLAY_NO_LONGER_AVAILABLE")
	}
}
