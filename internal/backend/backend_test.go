package backend

import (
	"testing"
	"time"

	"github.com/paravirt/dh/internal/ivc"
	"github.com/paravirt/dh/internal/ivc/loopback"
	"github.com/paravirt/dh/internal/protocol"
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

func TestCreateBecomesReadyOnceBothRequiredChannelsConnect(t *testing.T) {
	tr := loopback.New()
	f := NewFactory(tr)

	ready := make(chan *Backend, 1)
	b, err := Create(f, 1, 0, 1200, 1201, 0, 0, Handlers{}, nil, func(b *Backend) { ready <- b })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Destroy()

	dialEvent, err := tr.Connect(0, 1200, 1, 0, ivc.KindStream)
	if err != nil {
		t.Fatalf("Connect event: %v", err)
	}
	defer dialEvent.Disconnect()
	dialFB, err := tr.Connect(0, 1201, 1, 0, ivc.KindSharedMemory)
	if err != nil {
		t.Fatalf("Connect fb: %v", err)
	}
	defer dialFB.Disconnect()

	select {
	case got := <-ready:
		if got != b {
			t.Fatal("onReady received a different backend")
		}
	case <-time.After(time.Second):
		t.Fatal("onReady never fired")
	}

	waitFor(t, func() bool { return b.FramebufferView() != nil })
}

func TestDirtyRectChannelDrainsAllAvailableRecordsPerCallback(t *testing.T) {
	tr := loopback.New()
	f := NewFactory(tr)

	var received []protocol.DirtyRect
	done := make(chan struct{})
	h := Handlers{OnDirtyRect: func(r protocol.DirtyRect) {
		received = append(received, r)
		if len(received) == 3 {
			close(done)
		}
	}}

	b, err := Create(f, 1, 0, 1210, 1211, 1212, 0, h, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Destroy()

	mustConnect(t, tr, 1210, ivc.KindStream)
	mustConnect(t, tr, 1211, ivc.KindSharedMemory)
	dialDirty := mustConnect(t, tr, 1212, ivc.KindStream)
	// Accepts are delivered asynchronously; wait until the backend has
	// attached the dirty-rect channel so the notification is not missed.
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.dirtyCh != nil
	})

	rects := []protocol.DirtyRect{{X: 1, Y: 1, W: 10, H: 10}, {X: 2, Y: 2, W: 20, H: 20}, {X: 3, Y: 3, W: 30, H: 30}}
	for _, r := range rects {
		if err := dialDirty.Send(protocol.EncodeDirtyRect(r)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	// One notification; the backend must drain all three records from it.
	dialDirty.NotifyRemote()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("only received %d of 3 records", len(received))
	}
	for i, r := range rects {
		if received[i] != r {
			t.Fatalf("record %d = %+v, want %+v", i, received[i], r)
		}
	}
}

func TestFatalHandlerFiresAtMostOnceAcrossChannels(t *testing.T) {
	tr := loopback.New()
	f := NewFactory(tr)

	fired := make(chan error, 4)
	b, err := Create(f, 1, 0, 1220, 1221, 0, 0, Handlers{}, func(err error) { fired <- err }, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	dialEvent := mustConnect(t, tr, 1220, ivc.KindStream)
	dialFB := mustConnect(t, tr, 1221, ivc.KindSharedMemory)
	waitFor(t, func() bool { return b.FramebufferView() != nil })

	dialEvent.Disconnect()
	dialFB.Disconnect()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("fatal handler never fired")
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("fatal handler fired more than once")
	default:
	}
}

func TestFactoryReusesListenerForSamePortTuple(t *testing.T) {
	tr := loopback.New()
	f := NewFactory(tr)

	e1, err := f.acquireListener(0, 1230, ivc.KindStream)
	if err != nil {
		t.Fatalf("acquireListener: %v", err)
	}
	e2, err := f.acquireListener(0, 1230, ivc.KindStream)
	if err != nil {
		t.Fatalf("acquireListener (reuse): %v", err)
	}
	if e1 != e2 {
		t.Fatal("expected the same listener entry to be reused")
	}
}

func mustConnect(t *testing.T, tr *loopback.Transport, port uint32, kind ivc.Kind) ivc.Channel {
	t.Helper()
	ch, err := tr.Connect(0, port, 1, 0, kind)
	if err != nil {
		t.Fatalf("Connect port %d: %v", port, err)
	}
	return ch
}
