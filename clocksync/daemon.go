// Package clocksync implements the peer-to-peer clock synchronization
// daemon: each instance exchanges round-trip timing with its neighbours
// and averages towards the mean of their internal clocks, producing an
// offset between the local clock and the estimated network clock.
package clocksync

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peter-b/dbscore/core"
	"github.com/peter-b/dbscore/dmp"
	"github.com/peter-b/dbscore/timeutil"
)

// Port is the DMP port the clock-sync daemon listens on.
const Port = 50123

// UpdatePeriod is the base interval between clock-sync exchanges. Each
// actual interval is UpdatePeriod·(1+U[0,0.5]), the jitter preventing
// peers from phase-locking their exchanges.
const UpdatePeriod = 1000 * time.Millisecond

const payloadLength = 24

// sendRingSize is the number of recently sent (seq -> send time) entries
// retained for round-trip computation; older entries are evicted as the
// ring wraps.
const sendRingSize = 10

type sentEntry struct {
	seq      uint32
	sendTime int64
	valid    bool
}

// recvRecord tracks the most recent inbound exchange from a single
// connection, as described in §3.
type recvRecord struct {
	seq            uint32
	remoteTime     int64
	localTime      int64
	roundTrip      int64
	roundTripValid bool
	usedForUpdate  bool
}

// Daemon is a clock-sync instance. A Daemon itself satisfies
// timeutil.TimeProvider via CurrentTimeMillis, so it can be passed
// anywhere a network-time source is expected (e.g. as the bundle agent's
// time provider), mirroring the original implementation's ClockSync
// extending TimeProvider.
type Daemon struct {
	bus      *core.BusContext
	internal timeutil.TimeProvider

	// Gain multiplies the averaging error term before it is added to the
	// offset. It is fixed at 1.0 and, per the original implementation's
	// integer-truncating "(long) gain * e" expression, the update is
	// computed as e/(N+1) regardless of this field's value — Gain is
	// exposed for parity with the original's tunable but has no effect
	// on the wire/offset behavior.
	Gain float64

	offsetMu sync.Mutex
	offset   int64

	seqMu   sync.Mutex
	seq     uint32
	sendMu  sync.Mutex
	sendIdx int
	sent    [sendRingSize]sentEntry

	recvMu sync.Mutex
	recv   map[core.Connection]*recvRecord

	stop chan struct{}
	done chan struct{}
}

// NewDaemon constructs a clock-sync daemon bound to bus, using the system
// clock as its internal reference time.
func NewDaemon(bus *core.BusContext) *Daemon {
	return NewDaemonWithClock(bus, timeutil.System{})
}

// NewDaemonWithClock is NewDaemon with an explicit internal
// timeutil.TimeProvider, mostly useful for tests.
func NewDaemonWithClock(bus *core.BusContext, internal timeutil.TimeProvider) *Daemon {
	return &Daemon{
		bus:      bus,
		internal: internal,
		Gain:     1.0,
		seq:      1, // sequence 0 is reserved: "nothing to reply to"
		recv:     make(map[core.Connection]*recvRecord),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start binds the clock-sync DMP port and launches the periodic exchange
// loop in its own goroutine.
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
	for {
		period := jitteredPeriod()
		timer := time.NewTimer(period)
		select {
		case <-d.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		for _, c := range d.bus.Connections() {
			d.sendTo(c)
		}
		d.updateOffset()
	}
}

// jitteredPeriod returns UpdatePeriod·(1+U[0,0.5]).
func jitteredPeriod() time.Duration {
	jitter := rand.Float64() * 0.5
	return time.Duration(float64(UpdatePeriod) * (1 + jitter))
}

// CurrentTimeMillis implements timeutil.TimeProvider: the internal clock
// plus the current offset estimate.
func (d *Daemon) CurrentTimeMillis() int64 {
	d.offsetMu.Lock()
	off := d.offset
	d.offsetMu.Unlock()
	return d.internal.CurrentTimeMillis() + off
}

// Offset returns the current estimated offset between the internal clock
// and the network clock. Unlike the original implementation's
// getOffset(long) accessor (which ignored its own stored state and
// returned whatever was passed in), this takes no parameter.
func (d *Daemon) Offset() time.Duration {
	d.offsetMu.Lock()
	defer d.offsetMu.Unlock()
	return time.Duration(d.offset) * time.Millisecond
}

func (d *Daemon) nextSeq() uint32 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	if d.seq == 0 {
		d.seq++
	}
	return d.seq
}

func (d *Daemon) recordSent(seq uint32, sendTime int64) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	d.sent[d.sendIdx] = sentEntry{seq: seq, sendTime: sendTime, valid: true}
	d.sendIdx = (d.sendIdx + 1) % sendRingSize
}

// lookupSent returns the recorded send time for seq, if the ring still
// holds it. Sequence 0 never matches: it means "nothing to reply to".
func (d *Daemon) lookupSent(seq uint32) (int64, bool) {
	if seq == 0 {
		return 0, false
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	for _, e := range d.sent {
		if e.valid && e.seq == seq {
			return e.sendTime, true
		}
	}
	return 0, false
}

func (d *Daemon) sendTo(c core.Connection) {
	d.recvMu.Lock()
	rec := d.recv[c]
	d.recvMu.Unlock()

	now := d.internal.CurrentTimeMillis()
	seq := d.nextSeq()

	var oldSeq uint32
	var holdTime int64
	if rec != nil {
		oldSeq = rec.seq
		holdTime = now - rec.localTime
	}

	payload := make([]byte, payloadLength)
	binary.BigEndian.PutUint32(payload[0:4], seq)
	binary.BigEndian.PutUint64(payload[4:12], uint64(now+d.offsetSnapshot()))
	binary.BigEndian.PutUint32(payload[12:16], oldSeq)
	binary.BigEndian.PutUint64(payload[16:24], uint64(holdTime))

	dg, err := dmp.New(Port, payload)
	if err != nil {
		return
	}
	if err := d.bus.Send(c, dg); err != nil {
		log.WithFields(log.Fields{
			"component": "clocksync",
			"err":       err,
		}).Debug("clock sync send failed")
		return
	}

	d.recordSent(seq, now)
}

func (d *Daemon) offsetSnapshot() int64 {
	d.offsetMu.Lock()
	defer d.offsetMu.Unlock()
	return d.offset
}

// ReceiveDatagram implements core.Listener: it parses an inbound exchange,
// computes the round trip if the replied-to sequence is still in the send
// ring, and stores the result for the next offset update.
func (d *Daemon) ReceiveDatagram(c core.Connection, dg dmp.Datagram) {
	payload := dg.Payload()
	if len(payload) != payloadLength {
		log.WithFields(log.Fields{
			"component": "clocksync",
			"err":       newMalformedSyncError(fmt.Sprintf("clocksync: malformed sync payload: got %d octets, want %d", len(payload), payloadLength)),
		}).Debug("malformed sync payload, dropping")
		return
	}

	rec := &recvRecord{
		seq:        binary.BigEndian.Uint32(payload[0:4]),
		remoteTime: int64(binary.BigEndian.Uint64(payload[4:12])),
		localTime:  d.internal.CurrentTimeMillis(),
	}
	oldSeq := binary.BigEndian.Uint32(payload[12:16])
	holdTime := int64(binary.BigEndian.Uint64(payload[16:24]))

	if sendTime, ok := d.lookupSent(oldSeq); ok {
		rec.roundTrip = rec.localTime - sendTime - holdTime
		rec.roundTripValid = true
	}

	d.recvMu.Lock()
	d.recv[c] = rec
	d.recvMu.Unlock()
}

// updateOffset folds every fresh round-trip-valid receive record into the
// running offset estimate, per §4.6. N is the number of currently active
// connections, not the number of records with data: a peer that never
// replies still counts towards the +1 denominator.
func (d *Daemon) updateOffset() {
	n := len(d.bus.Connections())

	d.recvMu.Lock()
	var e float64
	for _, rec := range d.recv {
		if rec.roundTripValid && !rec.usedForUpdate {
			e += float64(rec.remoteTime) + float64(rec.roundTrip)/2 - float64(rec.localTime) - float64(d.offsetSnapshot())
			rec.usedForUpdate = true
		}
	}
	d.recvMu.Unlock()

	d.offsetMu.Lock()
	defer d.offsetMu.Unlock()
	// The original implementation computes "(long) gain * e / (N+1.0)",
	// which truncates gain to its integer part (1) before the division
	// regardless of its actual value; this is preserved deliberately.
	d.offset += int64(e / float64(n+1))
}
