package core

import (
	"io"
	"sync"

	"github.com/peter-b/dbscore/addr"
)

// Connection is a full-duplex byte stream between this node and a peer,
// plus the address/connectivity state the bus context tracks alongside it.
// Concrete transports (Bluetooth RFCOMM, TCP, or a test net.Pipe) implement
// Connection by wrapping their own reader/writer/closer in a type that
// satisfies this interface; the bus context owns the Connection for its
// lifetime once it has been added.
type Connection interface {
	// LocalAddress returns the local interface address for this
	// connection. It may be inherited from the manager that created the
	// connection rather than be unique to the connection itself.
	LocalAddress() addr.Address

	// RemoteAddress returns the peer's interface address and whether it
	// has been established yet (via the handshake described in §6, or by
	// an adapter that supplies it out of band).
	RemoteAddress() (addr.Address, bool)

	// SetRemoteAddress records the peer's address once learned.
	SetRemoteAddress(a addr.Address)

	// Connected reports whether the connection is still usable.
	Connected() bool

	// Disconnect closes the connection. Idempotent: calling it more than
	// once has no additional effect.
	Disconnect() error

	// Reader returns the stream to read DMP frames from.
	Reader() io.Reader

	// Writer returns the stream to write DMP frames to. Implementations
	// must serialize concurrent writers internally: per §5, writes to a
	// connection's output stream are serialized per connection.
	Writer() io.Writer
}

// StreamConnection is a basic Connection backed by a single io.ReadWriteCloser,
// suitable for wrapping a net.Conn, a BusBluetooth/TCP socket, or a
// net.Pipe() test double. It performs the 16-octet address handshake
// described in §6 only when Handshake is called; NewStreamConnection does
// not perform it.
type StreamConnection struct {
	rwc    io.ReadWriteCloser
	local  addr.Address
	mu     sync.Mutex
	remote addr.Address
	hasRem bool
	closed bool

	writeMu sync.Mutex
}

// NewStreamConnection wraps rwc as a Connection identified locally by
// local. It does not perform the handshake; callers that want the §6
// handshake behavior should call Handshake explicitly (e.g. from their
// transport adapter), since some adapters intentionally omit it per §6.
func NewStreamConnection(rwc io.ReadWriteCloser, local addr.Address) *StreamConnection {
	return &StreamConnection{rwc: rwc, local: local}
}

// Handshake performs the §6 handshake: writes the local address, then
// reads 16 octets to learn the peer's address, recording it via
// SetRemoteAddress.
func (c *StreamConnection) Handshake() error {
	if _, err := c.rwc.Write(c.local.Bytes()); err != nil {
		return err
	}
	buf := make([]byte, addr.Length)
	if _, err := io.ReadFull(c.rwc, buf); err != nil {
		return err
	}
	remote, err := addr.New(buf)
	if err != nil {
		return err
	}
	c.SetRemoteAddress(remote)
	return nil
}

func (c *StreamConnection) LocalAddress() addr.Address { return c.local }

func (c *StreamConnection) RemoteAddress() (addr.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.hasRem
}

func (c *StreamConnection) SetRemoteAddress(a addr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = a
	c.hasRem = true
}

func (c *StreamConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *StreamConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *StreamConnection) Reader() io.Reader { return c.rwc }

// Writer returns a writer that serializes concurrent writes with the other
// callers of Writer on this connection, per §5.
func (c *StreamConnection) Writer() io.Writer { return serializedWriter{c} }

type serializedWriter struct{ c *StreamConnection }

func (w serializedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.rwc.Write(p)
}
