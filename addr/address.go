// Package addr implements the 128-bit interface address used throughout
// the distributed bus system to identify a node. Addresses are notated the
// way IPv6 addresses are, but they are not IPv6 addresses and carry no
// routing semantics.
package addr

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Length is the fixed size of an Address in octets.
const Length = 16

// Address is a 128-bit interface address. The zero value is the all-zero
// address, which is valid but not useful as a node identity.
type Address struct {
	bytes [Length]byte
}

// New builds an Address from a 16-octet slice, copying its contents.
func New(b []byte) (Address, error) {
	var a Address
	if len(b) != Length {
		return a, newMalformedError(fmt.Sprintf("addr: malformed address: expected %d octets, got %d", Length, len(b)))
	}
	copy(a.bytes[:], b)
	return a, nil
}

// Parse builds an Address from its colon-separated hexadecimal string form,
// e.g. "fd00:0:0:0:0:0:0:1". Unlike IPv6 notation, the "::" abbreviation is
// not understood: every one of the eight words must be present.
func Parse(s string) (Address, error) {
	var a Address

	words := strings.Split(s, ":")
	if len(words) != 8 {
		return a, newMalformedError(fmt.Sprintf("addr: malformed address: expected 8 colon-separated words, got %d", len(words)))
	}

	for i, w := range words {
		if len(w) == 0 || len(w) > 4 {
			return a, newMalformedError(fmt.Sprintf("addr: malformed address: word %q has invalid length", w))
		}
		v, err := strconv.ParseUint(w, 16, 16)
		if err != nil {
			return a, newMalformedError(fmt.Sprintf("addr: malformed address: word %q is not valid hex: %v", w, err))
		}
		binary.BigEndian.PutUint16(a.bytes[i*2:i*2+2], uint16(v))
	}

	return a, nil
}

// NewRFC4193Address derives an Address from a 48- or 64-bit hardware
// address following the construction described in RFC 4193 ("Unique Local
// IPv6 Unicast Addresses"): a modified EUI-64 expansion of mac, hashed with
// a random 64-bit seed into a 40-bit global ID under the fd00::/8 prefix.
//
// As in the original implementation this is ported from, the same mac will
// not produce the same address on repeated calls within the same process
// lifetime, since the seed is drawn fresh each call; callers
// that need a stable per-device address should cache the result.
func NewRFC4193Address(mac []byte) (Address, error) {
	var a Address

	eui64, err := modifiedEUI64(mac)
	if err != nil {
		return a, err
	}

	seed := make([]byte, 8)
	if _, err := rand.Read(seed); err != nil {
		return a, fmt.Errorf("generating RFC 4193 seed: %w", err)
	}

	h := sha1.New()
	h.Write(seed)
	h.Write(eui64)
	digest := h.Sum(nil)

	a.bytes[0] = 0xfd
	copy(a.bytes[1:6], digest[len(digest)-5:])
	a.bytes[6] = 0
	a.bytes[7] = 0
	copy(a.bytes[8:16], eui64)

	return a, nil
}

// modifiedEUI64 expands a 48-bit MAC address into modified EUI-64 form (by
// inserting 0xff 0xfe in the middle and flipping the global/local bit), or
// returns a 64-bit address unchanged apart from the same bit flip.
func modifiedEUI64(mac []byte) ([]byte, error) {
	var eui64 [8]byte

	switch len(mac) {
	case 6:
		copy(eui64[0:3], mac[0:3])
		eui64[3] = 0xff
		eui64[4] = 0xfe
		copy(eui64[5:8], mac[3:6])
	case 8:
		copy(eui64[:], mac)
	default:
		return nil, newMalformedError(fmt.Sprintf("addr: malformed address: a 48- or 64-bit MAC address is required, got %d bytes", len(mac)))
	}

	eui64[0] ^= 0x02 // invert the global/local bit

	return eui64[:], nil
}

// Bytes returns a copy of the address's 16 octets.
func (a Address) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, a.bytes[:])
	return out
}

// Equal reports whether two addresses have the same bytes.
func (a Address) Equal(b Address) bool {
	return a.bytes == b.bytes
}

// HashCode returns a 32-bit hash of the address, computed as the XOR of
// its four 32-bit big-endian words — ported from the original
// InterfaceAddress.hashCode(), and offered mainly for parity with that
// implementation; Go callers can use Address directly as a map key since
// it is a comparable fixed-size value.
func (a Address) HashCode() uint32 {
	var hash uint32
	for i := 0; i < 4; i++ {
		hash ^= binary.BigEndian.Uint32(a.bytes[i*4 : i*4+4])
	}
	return hash
}

// String renders the address as eight colon-separated lowercase hexadecimal
// words, each with the minimum number of nibbles needed (zero renders as a
// single "0").
func (a Address) String() string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i > 0 {
			b.WriteByte(':')
		}
		word := binary.BigEndian.Uint16(a.bytes[i*2 : i*2+2])
		fmt.Fprintf(&b, "%x", word)
	}
	return b.String()
}
