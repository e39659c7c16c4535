// Package core implements the bus context: the runtime that owns all
// active connections, multiplexes the DMP datagram protocol over each, and
// dispatches received datagrams to port-bound listeners. It is the
// explicit, per-instance replacement for the original implementation's
// process-wide SystemBus singleton — every subsystem is constructed with
// an explicit *BusContext rather than reaching for a global.
package core

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/peter-b/dbscore/addr"
	"github.com/peter-b/dbscore/dmp"
)

// AllPorts is the sentinel port value passed to Unbind to remove every
// binding held by a listener, regardless of port number.
const AllPorts = -1

// Listener handles a DMP datagram delivered to a bound port.
type Listener interface {
	ReceiveDatagram(c Connection, d dmp.Datagram)
}

// ChangeStatus describes how a connection's membership in the active set
// changed.
type ChangeStatus int

const (
	// ConnectionAdded is reported when a connection joins the active set.
	ConnectionAdded ChangeStatus = iota + 1
	// ConnectionRemoved is reported when a connection leaves the active set.
	ConnectionRemoved
)

// ChangeListener is notified when the bus context's active connection set
// changes.
type ChangeListener interface {
	ConnectionChanged(c Connection, status ChangeStatus)
}

type binding struct {
	listener Listener
	port     int
}

// BusContext owns the set of active connections, runs one receive worker
// per connection, owns the port-binding table, and dispatches received
// datagrams. Zero value is not usable; construct with NewBusContext.
type BusContext struct {
	connMu      sync.Mutex
	connections map[Connection]chan struct{}
	connOrder   []Connection

	bindMu   sync.Mutex
	bindings []binding

	listenerMu sync.Mutex
	listeners  []ChangeListener

	addrMu      sync.Mutex
	mainAddr    addr.Address
	mainAddrSet bool
}

// NewBusContext constructs an empty BusContext with no connections, port
// bindings, or change listeners.
func NewBusContext() *BusContext {
	return &BusContext{
		connections: make(map[Connection]chan struct{}),
	}
}

// AddConnection registers c as active, starts a receive worker for it, and
// notifies change listeners with ConnectionAdded. If c is already present
// this is a no-op.
func (b *BusContext) AddConnection(c Connection) {
	b.connMu.Lock()
	if _, ok := b.connections[c]; ok {
		b.connMu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.connections[c] = stop
	b.connOrder = append(b.connOrder, c)
	b.connMu.Unlock()

	go b.receiveWorker(c, stop)

	b.notifyChange(c, ConnectionAdded)
}

// RemoveConnection removes c from the active set and signals its receive
// worker to stop. It does not close the underlying stream: the caller owns
// closing semantics.
func (b *BusContext) RemoveConnection(c Connection) {
	b.connMu.Lock()
	stop, ok := b.connections[c]
	if !ok {
		b.connMu.Unlock()
		return
	}
	delete(b.connections, c)
	for i, existing := range b.connOrder {
		if existing == c {
			b.connOrder = append(b.connOrder[:i], b.connOrder[i+1:]...)
			break
		}
	}
	b.connMu.Unlock()

	close(stop)
	b.notifyChange(c, ConnectionRemoved)
}

// Connections returns a snapshot of the currently active connections.
func (b *BusContext) Connections() []Connection {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	out := make([]Connection, 0, len(b.connections))
	for c := range b.connections {
		out = append(out, c)
	}
	return out
}

func (b *BusContext) receiveWorker(c Connection, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		d, err := dmp.Read(c.Reader())
		if err != nil {
			log.WithFields(log.Fields{
				"component": "core",
				"err":       err,
			}).Debug("connection read failed, removing connection")
			c.Disconnect()
			b.RemoveConnection(c)
			return
		}

		b.Receive(c, d)
	}
}

// Bind registers listener to handle datagrams arriving on port. It fails
// with a portInUseError if any registration already holds that port.
func (b *BusContext) Bind(listener Listener, port int) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	for _, bnd := range b.bindings {
		if bnd.port == port {
			return newPortInUseError(fmt.Sprintf("core: port in use: port %d", port))
		}
	}
	b.bindings = append(b.bindings, binding{listener: listener, port: port})
	return nil
}

// Unbind removes the (listener, port) binding. If port is AllPorts, it
// removes every binding held by listener.
func (b *BusContext) Unbind(listener Listener, port int) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	out := b.bindings[:0:0]
	for _, bnd := range b.bindings {
		if bnd.listener != listener {
			out = append(out, bnd)
			continue
		}
		if port == AllPorts {
			continue
		}
		if bnd.port == port {
			continue
		}
		out = append(out, bnd)
	}
	b.bindings = out
}

// Send transmits d on c. If c is nil, the datagram is delivered locally
// (as if it had arrived on no connection). Any I/O failure disconnects c
// and is returned to the caller as a transportError.
func (b *BusContext) Send(c Connection, d dmp.Datagram) error {
	if c == nil {
		b.Receive(nil, d)
		return nil
	}

	if _, err := d.WriteTo(c.Writer()); err != nil {
		c.Disconnect()
		b.RemoveConnection(c)
		return newTransportError(fmt.Sprintf("core: transport error: %v", err))
	}
	return nil
}

// Receive dispatches d, which arrived on c (or locally if c is nil), to
// the listener bound to d's port. If no listener is bound, d is dropped
// silently.
func (b *BusContext) Receive(c Connection, d dmp.Datagram) {
	b.bindMu.Lock()
	var target Listener
	for _, bnd := range b.bindings {
		if bnd.port == d.Port() {
			target = bnd.listener
			break
		}
	}
	b.bindMu.Unlock()

	if target == nil {
		return
	}
	target.ReceiveDatagram(c, d)
}

// AddChangeListener registers l to be notified of connection set changes.
// Idempotent.
func (b *BusContext) AddChangeListener(l ChangeListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for _, existing := range b.listeners {
		if existing == l {
			return
		}
	}
	b.listeners = append(b.listeners, l)
}

// RemoveChangeListener unregisters l. A no-op if l was never registered.
func (b *BusContext) RemoveChangeListener(l ChangeListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	out := b.listeners[:0:0]
	for _, existing := range b.listeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	b.listeners = out
}

func (b *BusContext) notifyChange(c Connection, status ChangeStatus) {
	b.listenerMu.Lock()
	snapshot := make([]ChangeListener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.listenerMu.Unlock()

	for _, l := range snapshot {
		l.ConnectionChanged(c, status)
	}
}

// MainAddress returns the node's own identity address. If it has not been
// set explicitly via SetMainAddress, it lazily returns the local address
// of the first active connection; ok is false if neither is available.
func (b *BusContext) MainAddress() (addr.Address, bool) {
	b.addrMu.Lock()
	set := b.mainAddrSet
	a := b.mainAddr
	b.addrMu.Unlock()
	if set {
		return a, true
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if len(b.connOrder) == 0 {
		return addr.Address{}, false
	}
	return b.connOrder[0].LocalAddress(), true
}

// SetMainAddress explicitly sets the node's identity address.
func (b *BusContext) SetMainAddress(a addr.Address) {
	b.addrMu.Lock()
	defer b.addrMu.Unlock()
	b.mainAddr = a
	b.mainAddrSet = true
}
