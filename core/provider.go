package core

import "github.com/peter-b/dbscore/addr"

// RoutingProvider resolves the next-hop connection towards a remote
// interface address. The bundle agent depends on this capability interface
// rather than on any particular routing daemon, so it can be wired to
// sfrp.Daemon or a test double without a cyclic package dependency.
type RoutingProvider interface {
	// NextHop returns the connection datagrams addressed to a should be
	// forwarded on, or ok=false if no route is currently known.
	NextHop(a addr.Address) (c Connection, ok bool)
}

// NamingProvider associates interface addresses with node hostnames. Its
// implementation (e.g. DNS, a static table) is out of scope for the core;
// the bundle agent only resolves literal "[<address>]" endpoint hosts
// itself and never calls a NamingProvider for that case, but the
// interface is retained so an embedding application can extend
// resolution to hostnames.
type NamingProvider interface {
	AddressByName(name string) (addr.Address, bool)
	NameByAddress(a addr.Address) (string, bool)
}

// NoRouting is the default RoutingProvider: it never knows a next hop.
type NoRouting struct{}

// NextHop always reports no route known.
func (NoRouting) NextHop(addr.Address) (Connection, bool) { return nil, false }
