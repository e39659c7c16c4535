package sfrp

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/peter-b/dbscore/addr"
	"github.com/peter-b/dbscore/core"
	"github.com/peter-b/dbscore/dmp"
)

// fakeConn is a bare core.Connection identity with no real stream,
// sufficient for exercising the relay decision tree and next-hop lookups
// without a transport.
type fakeConn struct {
	name  string
	local addr.Address
}

func (c *fakeConn) LocalAddress() addr.Address          { return c.local }
func (c *fakeConn) RemoteAddress() (addr.Address, bool) { return addr.Address{}, false }
func (c *fakeConn) SetRemoteAddress(addr.Address)       {}
func (c *fakeConn) Connected() bool                     { return true }
func (c *fakeConn) Disconnect() error                   { return nil }
func (c *fakeConn) Reader() io.Reader                   { return nil }
func (c *fakeConn) Writer() io.Writer                   { return nil }

func mustAddr(t *testing.T, last byte) addr.Address {
	t.Helper()
	b := make([]byte, 16)
	b[15] = last
	a, err := addr.New(b)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func helloPayload(seq, hops, validMS uint16, originator addr.Address) []byte {
	p := make([]byte, helloPayloadLength)
	binary.BigEndian.PutUint16(p[0:2], seq)
	binary.BigEndian.PutUint16(p[2:4], hops)
	binary.BigEndian.PutUint16(p[4:6], validMS)
	copy(p[8:24], originator.Bytes())
	return p
}

func TestDiscardsSelfOriginatedHello(t *testing.T) {
	bus := core.NewBusContext()
	self := mustAddr(t, 1)
	bus.SetMainAddress(self)
	d := NewDaemon(bus)

	dg, _ := dmp.New(Port, helloPayload(1, 1, 2000, self))
	d.ReceiveDatagram(nil, dg)

	if _, ok := d.NextHop(self); ok {
		t.Fatal("expected no route for self-originated HELLO")
	}
}

func TestFirstHelloAlwaysRelaysAndAddsRoute(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	d := NewDaemon(bus)

	var mu sync.Mutex
	var added []RouteStatus
	d.AddRouteChangeListener(routeChangeFunc(func(a addr.Address, s RouteStatus) {
		mu.Lock()
		added = append(added, s)
		mu.Unlock()
	}))

	originator := mustAddr(t, 1)
	c := &fakeConn{name: "a_b", local: mustAddr(t, 2)}
	dg, _ := dmp.New(Port, helloPayload(1, 1, 2000, originator))
	d.ReceiveDatagram(c, dg)

	hop, ok := d.NextHop(originator)
	if !ok || hop != c {
		t.Fatalf("expected next hop %v, got %v (ok=%v)", c, hop, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(added) != 1 || added[0] != RouteAdded {
		t.Fatalf("expected a single RouteAdded notification, got %v", added)
	}
}

func TestEqualSequenceShorterHopWins(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	d := NewDaemon(bus)

	originator := mustAddr(t, 1)
	longPath := &fakeConn{name: "long"}
	shortPath := &fakeConn{name: "short"}

	dg1, _ := dmp.New(Port, helloPayload(5, 3, 2000, originator))
	d.ReceiveDatagram(longPath, dg1)

	dg2, _ := dmp.New(Port, helloPayload(5, 1, 2000, originator))
	d.ReceiveDatagram(shortPath, dg2)

	hop, ok := d.NextHop(originator)
	if !ok || hop != shortPath {
		t.Fatalf("expected shorter path to win, got %v", hop)
	}
}

func TestEqualSequenceEqualHopDoesNotReplaceIncumbent(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	d := NewDaemon(bus)

	originator := mustAddr(t, 1)
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	dg1, _ := dmp.New(Port, helloPayload(5, 1, 2000, originator))
	d.ReceiveDatagram(first, dg1)

	dg2, _ := dmp.New(Port, helloPayload(5, 1, 2000, originator))
	d.ReceiveDatagram(second, dg2)

	hop, ok := d.NextHop(originator)
	if !ok || hop != first {
		t.Fatalf("expected incumbent to remain, got %v", hop)
	}
}

func TestHigherSequenceAlwaysRelays(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	d := NewDaemon(bus)

	originator := mustAddr(t, 1)
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	dg1, _ := dmp.New(Port, helloPayload(5, 1, 2000, originator))
	d.ReceiveDatagram(c1, dg1)

	dg2, _ := dmp.New(Port, helloPayload(6, 5, 2000, originator))
	d.ReceiveDatagram(c2, dg2)

	hop, ok := d.NextHop(originator)
	if !ok || hop != c2 {
		t.Fatalf("expected newer sequence to win despite more hops, got %v", hop)
	}
}

func TestSequenceWrapAroundRelays(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	d := NewDaemon(bus)

	originator := mustAddr(t, 1)
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	dg1, _ := dmp.New(Port, helloPayload(40000, 1, 2000, originator))
	d.ReceiveDatagram(c1, dg1)

	// 40000 - 32768 = 7232; a seq of 5 is "far enough below" to be a wrap.
	dg2, _ := dmp.New(Port, helloPayload(5, 1, 2000, originator))
	d.ReceiveDatagram(c2, dg2)

	hop, ok := d.NextHop(originator)
	if !ok || hop != c2 {
		t.Fatalf("expected wrapped sequence to relay, got %v", hop)
	}
}

func TestPurgeMarksExpiredRouteInvalidAndNotifies(t *testing.T) {
	bus := core.NewBusContext()
	bus.SetMainAddress(mustAddr(t, 0xff))
	clock := newFakeClock(0)
	d := NewDaemonWithClock(bus, clock)

	originator := mustAddr(t, 1)
	c := &fakeConn{name: "c"}
	dg, _ := dmp.New(Port, helloPayload(1, 1, 100, originator))
	d.ReceiveDatagram(c, dg)

	if _, ok := d.NextHop(originator); !ok {
		t.Fatal("expected a valid route right after the HELLO")
	}

	var mu sync.Mutex
	var got []RouteStatus
	d.AddRouteChangeListener(routeChangeFunc(func(a addr.Address, s RouteStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}))

	clock.set(200)
	d.purgeDeviceRecords()

	if _, ok := d.NextHop(originator); ok {
		t.Fatal("expected the route to be invalid after its validity window elapsed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != RouteRemoved {
		t.Fatalf("expected a single RouteRemoved notification, got %v", got)
	}
}

type routeChangeFunc func(addr.Address, RouteStatus)

func (f routeChangeFunc) RouteChanged(a addr.Address, s RouteStatus) { f(a, s) }

type fakeClock struct {
	mu     sync.Mutex
	millis int64
}

func newFakeClock(start int64) *fakeClock { return &fakeClock{millis: start} }

func (c *fakeClock) CurrentTimeMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

func (c *fakeClock) set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis = v
}
