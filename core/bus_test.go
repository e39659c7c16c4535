package core

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/peter-b/dbscore/addr"
	"github.com/peter-b/dbscore/dmp"
)

func mustAddr(t *testing.T, last byte) addr.Address {
	t.Helper()
	b := make([]byte, addr.Length)
	b[15] = last
	a, err := addr.New(b)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// newPipePair returns two StreamConnections wired together by net.Pipe, the
// way a test double for a real transport would be built.
func newPipePair(t *testing.T, aLast, bLast byte) (*StreamConnection, *StreamConnection) {
	t.Helper()
	p1, p2 := net.Pipe()
	return NewStreamConnection(p1, mustAddr(t, aLast)), NewStreamConnection(p2, mustAddr(t, bLast))
}

type recordingListener struct {
	mu   sync.Mutex
	got  []dmp.Datagram
	wake chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{wake: make(chan struct{}, 8)}
}

func (l *recordingListener) ReceiveDatagram(c Connection, d dmp.Datagram) {
	l.mu.Lock()
	l.got = append(l.got, d)
	l.mu.Unlock()
	l.wake <- struct{}{}
}

func (l *recordingListener) waitOne(t *testing.T) dmp.Datagram {
	t.Helper()
	select {
	case <-l.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a datagram")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.got[len(l.got)-1]
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	b := NewBusContext()
	l1, l2 := newRecordingListener(), newRecordingListener()

	if err := b.Bind(l1, 100); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	var pie *portInUseError
	if err := b.Bind(l2, 100); !errors.As(err, &pie) {
		t.Fatalf("expected a portInUseError, got %v", err)
	}
}

func TestUnbindAllPorts(t *testing.T) {
	b := NewBusContext()
	l := newRecordingListener()
	b.Bind(l, 1)
	b.Bind(l, 2)

	b.Unbind(l, AllPorts)

	if err := b.Bind(newRecordingListener(), 1); err != nil {
		t.Fatalf("expected port 1 to be free after Unbind(AllPorts): %v", err)
	}
	if err := b.Bind(newRecordingListener(), 2); err != nil {
		t.Fatalf("expected port 2 to be free after Unbind(AllPorts): %v", err)
	}
}

func TestSendToNilConnectionDeliversLocally(t *testing.T) {
	bus := NewBusContext()
	a, _ := newPipePair(t, 1, 2)
	defer a.Disconnect()

	l := newRecordingListener()
	if err := bus.Bind(l, 100); err != nil {
		t.Fatal(err)
	}
	bus.AddConnection(a)

	dg, _ := dmp.New(100, []byte("hi"))
	// Deliver locally to exercise the nil-connection path.
	bus.Send(nil, dg)

	got := l.waitOne(t)
	if string(got.Payload()) != "hi" {
		t.Fatalf("got payload %q, want %q", got.Payload(), "hi")
	}
}

func TestSendWritesFrameOverConnection(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 1, 2)
	defer a.Disconnect()
	defer b.Disconnect()

	dg, _ := dmp.New(50054, []byte{0xAA})

	done := make(chan error, 1)
	go func() { done <- bus.Send(a, dg) }()

	got, err := dmp.Read(b.Reader())
	if err != nil {
		t.Fatalf("Read on peer end: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Port() != 50054 || len(got.Payload()) != 1 || got.Payload()[0] != 0xAA {
		t.Fatalf("got %+v, want port 50054 payload [aa]", got)
	}
}

func TestSendFailureDisconnectsConnection(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 1, 2)
	b.Disconnect() // peer gone: writes to a now fail

	dg, _ := dmp.New(1, nil)
	var terr *transportError
	if err := bus.Send(a, dg); !errors.As(err, &terr) {
		t.Fatalf("expected a transportError, got %v", err)
	}
	if a.Connected() {
		t.Fatal("expected Send failure to disconnect the connection")
	}
}

func TestReceiveDropsUnboundPortSilently(t *testing.T) {
	bus := NewBusContext()
	dg, _ := dmp.New(999, []byte("x"))
	// Must not panic or block: no listener is bound to port 999.
	bus.Receive(nil, dg)
}

func TestAddConnectionNotifiesChangeListeners(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 1, 2)
	defer a.Disconnect()
	defer b.Disconnect()

	var mu sync.Mutex
	var statuses []ChangeStatus
	notified := make(chan struct{}, 4)
	bus.AddChangeListener(changeFunc(func(c Connection, s ChangeStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
		notified <- struct{}{}
	}))

	bus.AddConnection(a)
	<-notified

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 || statuses[0] != ConnectionAdded {
		t.Fatalf("expected a single ConnectionAdded, got %v", statuses)
	}
}

func TestRemoveConnectionStopsWorkerWithoutClosingStream(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 1, 2)
	defer b.Disconnect()

	bus.AddConnection(a)
	bus.RemoveConnection(a)

	if !a.Connected() {
		t.Fatal("RemoveConnection must not close the underlying stream")
	}
	a.Disconnect()
}

func TestReceiveWorkerRemovesConnectionOnStreamFailure(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 1, 2)

	notified := make(chan ChangeStatus, 4)
	bus.AddChangeListener(changeFunc(func(c Connection, s ChangeStatus) {
		notified <- s
	}))

	bus.AddConnection(a)
	<-notified // ConnectionAdded

	b.Disconnect() // closes the pipe out from under a's receive worker

	select {
	case s := <-notified:
		if s != ConnectionRemoved {
			t.Fatalf("expected ConnectionRemoved, got %v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectionRemoved after stream failure")
	}
}

func TestMainAddressDefaultsToFirstConnection(t *testing.T) {
	bus := NewBusContext()
	a, b := newPipePair(t, 7, 8)
	defer a.Disconnect()
	defer b.Disconnect()

	if _, ok := bus.MainAddress(); ok {
		t.Fatal("expected no main address before any connection is added")
	}

	bus.AddConnection(a)
	got, ok := bus.MainAddress()
	if !ok || !got.Equal(mustAddr(t, 7)) {
		t.Fatalf("MainAddress = %v (ok=%v), want local address of a", got, ok)
	}
}

func TestMainAddressTracksFirstOfSeveralConnections(t *testing.T) {
	bus := NewBusContext()
	a, _ := newPipePair(t, 7, 8)
	c, _ := newPipePair(t, 9, 10)
	e, _ := newPipePair(t, 11, 12)
	defer a.Disconnect()
	defer c.Disconnect()
	defer e.Disconnect()

	// Several connections are active: MainAddress must track whichever
	// connection was registered first, not map iteration order.
	for i := 0; i < 20; i++ {
		bus.AddConnection(a)
		bus.AddConnection(c)
		bus.AddConnection(e)

		got, ok := bus.MainAddress()
		if !ok || !got.Equal(mustAddr(t, 7)) {
			t.Fatalf("iteration %d: MainAddress = %v, want local address of the first-added connection", i, got)
		}

		bus.RemoveConnection(a)
		bus.RemoveConnection(c)
		bus.RemoveConnection(e)
	}
}

func TestMainAddressFollowsFirstConnectionAfterItIsRemoved(t *testing.T) {
	bus := NewBusContext()
	a, _ := newPipePair(t, 7, 8)
	c, _ := newPipePair(t, 9, 10)
	defer a.Disconnect()
	defer c.Disconnect()

	bus.AddConnection(a)
	bus.AddConnection(c)
	bus.RemoveConnection(a)

	got, ok := bus.MainAddress()
	if !ok || !got.Equal(mustAddr(t, 9)) {
		t.Fatalf("MainAddress = %v, want local address of the remaining connection", got)
	}
}

func TestSetMainAddressOverridesDefault(t *testing.T) {
	bus := NewBusContext()
	a, _ := newPipePair(t, 7, 8)
	defer a.Disconnect()
	bus.AddConnection(a)

	explicit := mustAddr(t, 0xAA)
	bus.SetMainAddress(explicit)

	got, ok := bus.MainAddress()
	if !ok || !got.Equal(explicit) {
		t.Fatalf("MainAddress = %v, want explicit %v", got, explicit)
	}
}

type changeFunc func(Connection, ChangeStatus)

func (f changeFunc) ConnectionChanged(c Connection, s ChangeStatus) { f(c, s) }
