// Package sfrp implements the Simplified Flood Routing Protocol: a
// periodic-flood next-hop routing daemon producing a forwarding table
// keyed by remote interface address.
package sfrp

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peter-b/dbscore/addr"
	"github.com/peter-b/dbscore/core"
	"github.com/peter-b/dbscore/dmp"
	"github.com/peter-b/dbscore/timeutil"
)

// Port is the DMP port SFRP listens on.
const Port = 50054

// HelloTime is the interval between HELLO floods, and the basis for the
// validity period a node advertises for its own routes (2 × HelloTime).
const HelloTime = 1000 * time.Millisecond

const helloPayloadLength = 24

// RouteStatus describes how a device's route changed.
type RouteStatus int

const (
	// RouteAdded is reported when a previously unknown or invalidated
	// route becomes valid.
	RouteAdded RouteStatus = iota + 1
	// RouteRemoved is reported when a valid route's validity window
	// expires without a refreshing HELLO.
	RouteRemoved
)

// RouteChangeListener is notified when a device's route is added or
// removed from the forwarding table.
type RouteChangeListener interface {
	RouteChanged(a addr.Address, status RouteStatus)
}

// deviceRecord tracks the best known route to a remote address. The
// sentinel initialization (seq=-1, dist=maxInt) mirrors the original
// implementation's DeviceRecord, so that the first HELLO ever received
// for an address always looks newer and shorter than the incumbent,
// without needing a separate "never seen" flag.
type deviceRecord struct {
	seq         int32
	dist        int
	validTime   time.Duration
	lastUpdate  int64 // ms, core clock's own notion of "now"
	nextHop     core.Connection
	routeValid  bool
}

func newDeviceRecord() *deviceRecord {
	return &deviceRecord{seq: -1, dist: math.MaxInt32}
}

// Daemon is an SFRP flood routing instance. It implements core.Listener
// (to receive HELLOs), core.RoutingProvider (to answer next-hop queries),
// and core.NamingProvider is intentionally not implemented here — name
// resolution is out of scope per §1.
type Daemon struct {
	bus   *core.BusContext
	clock timeutil.TimeProvider

	seqMu   sync.Mutex
	lastSeq uint16

	devMu   sync.Mutex
	devices map[addr.Address]*deviceRecord

	listenerMu sync.Mutex
	listeners  []RouteChangeListener

	stop chan struct{}
	done chan struct{}
}

// NewDaemon constructs an SFRP daemon bound to bus, using the system clock
// for device-record timestamps. Call Start to bind the DMP port and begin
// the periodic flood loop.
func NewDaemon(bus *core.BusContext) *Daemon {
	return NewDaemonWithClock(bus, timeutil.System{})
}

// NewDaemonWithClock is NewDaemon with an explicit timeutil.TimeProvider,
// so tests can drive the purge sweep deterministically.
func NewDaemonWithClock(bus *core.BusContext, clock timeutil.TimeProvider) *Daemon {
	return &Daemon{
		bus:     bus,
		clock:   clock,
		devices: make(map[addr.Address]*deviceRecord),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the SFRP DMP port and launches the periodic HELLO-flood
// loop in its own goroutine. It returns an error if the port is already
// bound.
func (d *Daemon) Start() error {
	if err := d.bus.Bind(d, Port); err != nil {
		return err
	}
	go d.loop()
	return nil
}

// Stop halts the daemon loop and unbinds the DMP port.
func (d *Daemon) Stop() {
	close(d.stop)
	<-d.done
	d.bus.Unbind(d, Port)
}

func (d *Daemon) loop() {
	defer close(d.done)
	ticker := time.NewTicker(HelloTime)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sendHellos()
			d.purgeDeviceRecords()
		}
	}
}

func (d *Daemon) sendHellos() {
	main, ok := d.bus.MainAddress()
	if !ok {
		return
	}

	seq := d.nextSeq()
	payload := make([]byte, helloPayloadLength)
	binary.BigEndian.PutUint16(payload[0:2], seq)
	binary.BigEndian.PutUint16(payload[2:4], 1) // hops so far
	binary.BigEndian.PutUint16(payload[4:6], uint16(2*HelloTime/time.Millisecond))
	copy(payload[8:24], main.Bytes())

	datagram, err := dmp.New(Port, payload)
	if err != nil {
		log.WithFields(log.Fields{"component": "sfrp"}).Warn("failed to build HELLO datagram")
		return
	}

	for _, c := range d.bus.Connections() {
		if err := d.bus.Send(c, datagram); err != nil {
			log.WithFields(log.Fields{
				"component": "sfrp",
				"err":       err,
			}).Debug("HELLO flood send failed")
		}
	}
}

func (d *Daemon) nextSeq() uint16 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.lastSeq++
	return d.lastSeq
}

func (d *Daemon) purgeDeviceRecords() {
	now := d.clock.CurrentTimeMillis()
	d.devMu.Lock()
	var removed []addr.Address
	for a, rec := range d.devices {
		if !rec.routeValid {
			continue
		}
		if time.Duration(now-rec.lastUpdate)*time.Millisecond > rec.validTime {
			rec.routeValid = false
			removed = append(removed, a)
		}
	}
	d.devMu.Unlock()

	for _, a := range removed {
		d.dispatchRouteChange(a, RouteRemoved)
	}
}

// NextHop implements core.RoutingProvider: it returns the next-hop
// connection of a valid route to dest, if one is known.
func (d *Daemon) NextHop(dest addr.Address) (core.Connection, bool) {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	rec, ok := d.devices[dest]
	if !ok || !rec.routeValid {
		return nil, false
	}
	return rec.nextHop, true
}

// ReceiveDatagram implements core.Listener: it processes an inbound HELLO,
// updating the device table and relaying the flood as described in §4.5.
func (d *Daemon) ReceiveDatagram(c core.Connection, dg dmp.Datagram) {
	payload := dg.Payload()
	if len(payload) != helloPayloadLength {
		log.WithFields(log.Fields{
			"component": "sfrp",
			"err":       newMalformedHelloError(fmt.Sprintf("sfrp: malformed HELLO payload: got %d octets, want %d", len(payload), helloPayloadLength)),
		}).Debug("malformed HELLO payload, dropping")
		return
	}

	seq := binary.BigEndian.Uint16(payload[0:2])
	hops := binary.BigEndian.Uint16(payload[2:4])
	validMS := binary.BigEndian.Uint16(payload[4:6])

	deviceAddr, err := addr.New(payload[8:24])
	if err != nil {
		return
	}

	if main, ok := d.bus.MainAddress(); ok && deviceAddr.Equal(main) {
		return
	}

	relay, newRoute := d.updateDeviceRecord(c, deviceAddr, seq, hops, validMS)
	if !relay {
		return
	}

	relayPayload := make([]byte, helloPayloadLength)
	copy(relayPayload, payload)
	binary.BigEndian.PutUint16(relayPayload[2:4], hops+1)
	relayDatagram, err := dmp.New(Port, relayPayload)
	if err != nil {
		return
	}

	for _, other := range d.bus.Connections() {
		if other == c {
			continue
		}
		if err := d.bus.Send(other, relayDatagram); err != nil {
			log.WithFields(log.Fields{
				"component": "sfrp",
				"err":       err,
			}).Debug("HELLO relay failed")
		}
	}

	if newRoute {
		d.dispatchRouteChange(deviceAddr, RouteAdded)
	}
}

// updateDeviceRecord applies the §4.5 relay decision tree to the device
// table entry for deviceAddr, returning whether the HELLO should be
// relayed and whether this constitutes a newly (re)established route.
func (d *Daemon) updateDeviceRecord(c core.Connection, deviceAddr addr.Address, seq, hops, validMS uint16) (relay, newRoute bool) {
	d.devMu.Lock()
	defer d.devMu.Unlock()

	record, ok := d.devices[deviceAddr]
	if !ok {
		record = newDeviceRecord()
		d.devices[deviceAddr] = record
		relay = true
		newRoute = true
	}

	if !relay {
		s32 := int32(seq)
		if s32 > record.seq {
			relay = true
		} else if s32 < record.seq-32768 {
			relay = true
		}
		if s32 == record.seq && int(hops) < record.dist {
			relay = true
		}
	}

	if !relay {
		return false, false
	}

	if !record.routeValid {
		newRoute = true
	}

	record.lastUpdate = d.clock.CurrentTimeMillis()
	record.seq = int32(seq)
	record.dist = int(hops)
	record.validTime = time.Duration(validMS) * time.Millisecond
	record.nextHop = c
	record.routeValid = true

	return true, newRoute
}

// AddRouteChangeListener registers l for route-add/remove notifications.
// Idempotent.
func (d *Daemon) AddRouteChangeListener(l RouteChangeListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	d.listeners = append(d.listeners, l)
}

// RemoveRouteChangeListener unregisters l. A no-op if l was never
// registered.
func (d *Daemon) RemoveRouteChangeListener(l RouteChangeListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	out := d.listeners[:0:0]
	for _, existing := range d.listeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	d.listeners = out
}

func (d *Daemon) dispatchRouteChange(a addr.Address, status RouteStatus) {
	d.listenerMu.Lock()
	snapshot := make([]RouteChangeListener, len(d.listeners))
	copy(snapshot, d.listeners)
	d.listenerMu.Unlock()

	for _, l := range snapshot {
		l.RouteChanged(a, status)
	}
}
