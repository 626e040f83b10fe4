package quicnet

import (
	"testing"
	"time"

	"github.com/paravirt/dh/internal/ivc"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestStreamSendRecvRoundTrip(t *testing.T) {
	server := New("127.0.0.1")
	accepted := make(chan ivc.Channel, 1)
	if _, err := server.Listen(18100, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := New("127.0.0.1")
	dial, err := client.Connect(0, 18100, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	if err := dial.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool {
		n, _ := serverSide.AvailableData()
		return n == 5
	})

	buf := make([]byte, 5)
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

func TestNotifyRemoteFiresOnDataCallback(t *testing.T) {
	server := New("127.0.0.1")
	accepted := make(chan ivc.Channel, 1)
	if _, err := server.Listen(18101, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := New("127.0.0.1")
	dial, err := client.Connect(0, 18101, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	fired := make(chan bool, 2)
	serverSide.RegisterEventCallbacks(func() { fired <- true }, nil)
	serverSide.EnableEvents()

	dial.NotifyRemote()
	dial.NotifyRemote()

	<-fired
	<-fired
}

func TestSharedMemoryChannelReplicatesSnapshots(t *testing.T) {
	server := New("127.0.0.1")
	accepted := make(chan ivc.Channel, 1)
	if _, err := server.Listen(18102, 0, 0, ivc.KindSharedMemory, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := New("127.0.0.1")
	dial, err := client.Connect(0, 18102, 1, 0, ivc.KindSharedMemory)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	dialBuf, err := dial.LocalBuffer()
	if err != nil {
		t.Fatalf("LocalBuffer: %v", err)
	}
	snapshot := make([]byte, len(dialBuf))
	snapshot[0] = 0x42
	if err := dial.Send(snapshot); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool {
		buf, err := serverSide.LocalBuffer()
		return err == nil && buf[0] == 0x42
	})
}

func TestDisconnectClosesBothEnds(t *testing.T) {
	server := New("127.0.0.1")
	accepted := make(chan ivc.Channel, 1)
	if _, err := server.Listen(18103, 0, 0, ivc.KindStream, func(c ivc.Channel) { accepted <- c }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := New("127.0.0.1")
	dial, err := client.Connect(0, 18103, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	serverSide := <-accepted

	disconnected := make(chan bool, 1)
	serverSide.RegisterEventCallbacks(nil, func() { disconnected <- true })
	serverSide.EnableEvents()

	dial.Disconnect()
	<-disconnected
}
