package loopback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paravirt/dh/internal/dherr"
	"github.com/paravirt/dh/internal/ivc"
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

func TestStreamSendRecvRoundTrip(t *testing.T) {
	tr := New()
	accepted := make(chan ivc.Channel, 1)
	if _, err := tr.Listen(100, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dial, err := tr.Connect(0, 100, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	if err := dial.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 5)
	waitFor(t, func() bool {
		n, _ := serverSide.AvailableData()
		return n == 5
	})
	n, short, err := serverSide.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 5 || short {
		t.Fatalf("n=%d short=%v, want 5/false", n, short)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

func TestStreamFullRingReturnsNoSpace(t *testing.T) {
	tr := New()
	accepted := make(chan ivc.Channel, 1)
	if _, err := tr.Listen(101, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dial, err := tr.Connect(0, 101, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-accepted

	payload := make([]byte, pageSize)
	if err := dial.Send(payload); err != nil {
		t.Fatalf("first send should fit exactly: %v", err)
	}
	if err := dial.Send([]byte{1}); !errors.Is(err, dherr.NoSpace) {
		t.Fatalf("err = %v, want NoSpace", err)
	}
}

func TestNotifyRemoteDeliversOnDataOnDistinctGoroutine(t *testing.T) {
	tr := New()
	accepted := make(chan ivc.Channel, 1)
	if _, err := tr.Listen(102, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dial, err := tr.Connect(0, 102, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	var mu sync.Mutex
	fired := 0
	callerGoroutine := make(chan bool, 1)
	serverSide.RegisterEventCallbacks(func() {
		mu.Lock()
		fired++
		mu.Unlock()
		callerGoroutine <- true
	}, nil)
	serverSide.EnableEvents()

	dial.Send([]byte("x"))
	// The protocol's interrupt-coalescing quirk: notify twice per send.
	dial.NotifyRemote()
	dial.NotifyRemote()

	<-callerGoroutine
	<-callerGoroutine
	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 2 {
		t.Fatalf("onData fired %d times, want 2", got)
	}
}

func TestSharedMemoryChannelIsJointlyVisible(t *testing.T) {
	tr := New()
	accepted := make(chan ivc.Channel, 1)
	if _, err := tr.Listen(103, 0, 0, ivc.KindSharedMemory, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dial, err := tr.Connect(0, 103, 1, 0, ivc.KindSharedMemory)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	dialBuf, err := dial.LocalBuffer()
	if err != nil {
		t.Fatalf("LocalBuffer: %v", err)
	}
	dialBuf[0] = 0x42

	serverBuf, err := serverSide.LocalBuffer()
	if err != nil {
		t.Fatalf("LocalBuffer: %v", err)
	}
	if serverBuf[0] != 0x42 {
		t.Fatalf("shared region not visible on peer end")
	}
}

func TestDisconnectFiresPeerCallback(t *testing.T) {
	tr := New()
	accepted := make(chan ivc.Channel, 1)
	if _, err := tr.Listen(104, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dial, err := tr.Connect(0, 104, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	disconnected := make(chan bool, 1)
	serverSide.RegisterEventCallbacks(nil, func() { disconnected <- true })
	serverSide.EnableEvents()

	dial.Disconnect()
	<-disconnected
	if serverSide.IsOpen() {
		t.Fatal("peer should observe the channel as closed")
	}
}

func TestConnectFailsWithoutListener(t *testing.T) {
	tr := New()
	if _, err := tr.Connect(0, 999, 1, 0, ivc.KindStream); !errors.Is(err, dherr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestFindServerReuse(t *testing.T) {
	tr := New()
	srv, err := tr.Listen(105, 0, 0, ivc.KindStream, func(ivc.Channel) {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	found, ok := tr.FindServer(0, 105)
	if !ok || found != srv {
		t.Fatal("FindServer should return the same listener")
	}
}
