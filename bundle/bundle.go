// Package bundle implements RFC 5050-style delay-tolerant bundles: their
// value type, the two equality classes the bundle agent relies on, and the
// protocol version 6 wire codec built on top of the sdnv package.
package bundle

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/peter-b/dbscore/sdnv"
)

// Version is the only bundle protocol version this package understands.
const Version = 0x06

// Flag bits recognized in a bundle's processing control flags. All other
// bits are preserved on the wire but carry no meaning to this
// implementation.
const (
	FlagAdmin   = 1 << 1
	FlagCustody = 1 << 3
)

// NullEndpoint is the reserved "no endpoint" value; it is forbidden from
// agent registration (see the agent package) but is otherwise a valid
// endpoint string, e.g. as the default report-to or custodian.
const NullEndpoint = "dtn:none"

const (
	payloadBlockType  = 1
	payloadBlockFlags = 1 << 3 // "last block" only
)

// Bundle is a self-contained store-and-forward data unit. The zero value
// has all four endpoints empty (which Serialize rejects) and a nil
// payload; use New to construct a bundle with all four endpoints set to
// NullEndpoint.
type Bundle struct {
	Flags       int
	Timestamp   int64 // seconds since 2000-01-01T00:00:00Z
	Sequence    int64 // monotonic within Timestamp
	Lifetime    int64 // seconds after Timestamp
	Source      string
	Destination string
	ReportTo    string
	Custodian   string
	Payload     []byte
}

// New constructs a Bundle with all four endpoints defaulted to
// NullEndpoint, matching the original implementation's empty-bundle
// constructor.
func New() Bundle {
	return Bundle{
		Source:      NullEndpoint,
		Destination: NullEndpoint,
		ReportTo:    NullEndpoint,
		Custodian:   NullEndpoint,
	}
}

// Equal reports full equality: every field, including the payload.
func (b Bundle) Equal(o Bundle) bool {
	if b.Flags != o.Flags ||
		b.Timestamp != o.Timestamp ||
		b.Sequence != o.Sequence ||
		b.Lifetime != o.Lifetime ||
		b.Source != o.Source ||
		b.Destination != o.Destination ||
		b.ReportTo != o.ReportTo ||
		b.Custodian != o.Custodian {
		return false
	}
	if len(b.Payload) != len(o.Payload) {
		return false
	}
	for i := range b.Payload {
		if b.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// IDEqual reports identity equality: source endpoint, creation timestamp,
// and sequence number. Two bundles that are IDEqual are the same bundle
// for the purposes of deduplication, even if other fields differ.
func (b Bundle) IDEqual(o Bundle) bool {
	return b.Source == o.Source && b.Timestamp == o.Timestamp && b.Sequence == o.Sequence
}

// CheckValid reports every structural problem with b as a combined error
// via multierror, or nil if b is well formed enough to serialize.
func (b Bundle) CheckValid() error {
	var errs error
	if _, _, err := splitEndpoint(b.Source); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("source endpoint: %w", err))
	}
	if _, _, err := splitEndpoint(b.Destination); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("destination endpoint: %w", err))
	}
	if _, _, err := splitEndpoint(b.ReportTo); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("report-to endpoint: %w", err))
	}
	if _, _, err := splitEndpoint(b.Custodian); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("custodian endpoint: %w", err))
	}
	if b.Lifetime < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative lifetime %d", b.Lifetime))
	}
	return errs
}

// splitEndpoint splits an endpoint string of the form "scheme:ssp" into
// its two parts.
func splitEndpoint(ep string) (scheme, ssp string, err error) {
	i := strings.IndexByte(ep, ':')
	if i < 0 {
		return "", "", newMalformedEndpointError(fmt.Sprintf("bundle: malformed endpoint: %q has no scheme separator", ep))
	}
	return ep[:i], ep[i+1:], nil
}

// toASCII replaces every octet above 127 with '?', matching the original
// implementation's US-ASCII encoder behavior for unmappable characters.
func toASCII(s string) []byte {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c > 127 {
			c = '?'
		}
		out[i] = c
	}
	return out
}

// Serialize encodes b as a version-6 primary+payload block bundle, per
// §4.4. The endpoint dictionary is built in source, destination,
// report-to, custodian order without deduplication.
func Serialize(b Bundle) ([]byte, error) {
	endpoints := [4]string{b.Source, b.Destination, b.ReportTo, b.Custodian}

	var dict []byte
	var dictOffsets [8]int64
	for i, ep := range endpoints {
		scheme, ssp, err := splitEndpoint(ep)
		if err != nil {
			return nil, err
		}
		dictOffsets[2*i] = int64(len(dict))
		dict = append(dict, toASCII(scheme)...)
		dict = append(dict, 0)
		dictOffsets[2*i+1] = int64(len(dict))
		dict = append(dict, toASCII(ssp)...)
		dict = append(dict, 0)
	}

	// The primary block length covers everything after the version octet
	// and the primary_length SDNV itself: the 8 dictionary offsets, the
	// three timestamp/sequence/lifetime SDNVs, the dict-length SDNV, and
	// the dictionary bytes.
	var primary []byte
	var err error
	for _, off := range dictOffsets {
		if primary, err = sdnv.Encode(primary, off); err != nil {
			return nil, err
		}
	}
	if primary, err = sdnv.Encode(primary, b.Timestamp); err != nil {
		return nil, err
	}
	if primary, err = sdnv.Encode(primary, b.Sequence); err != nil {
		return nil, err
	}
	if primary, err = sdnv.Encode(primary, b.Lifetime); err != nil {
		return nil, err
	}
	if primary, err = sdnv.Encode(primary, int64(len(dict))); err != nil {
		return nil, err
	}
	primary = append(primary, dict...)

	out := make([]byte, 0, len(primary)+len(b.Payload)+32)
	out = append(out, Version)
	out, err = sdnv.Encode(out, int64(b.Flags))
	if err != nil {
		return nil, err
	}
	out, err = sdnv.Encode(out, int64(len(primary)))
	if err != nil {
		return nil, err
	}
	out = append(out, primary...)

	out = append(out, payloadBlockType)
	if out, err = sdnv.Encode(out, payloadBlockFlags); err != nil {
		return nil, err
	}
	if out, err = sdnv.Encode(out, int64(len(b.Payload))); err != nil {
		return nil, err
	}
	out = append(out, b.Payload...)

	return out, nil
}

// Parse decodes a version-6 primary+payload block bundle from buf. It
// fails with a badVersionError, badBlockTypeError, badBlockFlagsError,
// badPrimaryLengthError, truncatedError, or an SDNV error.
func Parse(buf []byte) (Bundle, error) {
	var b Bundle

	if len(buf) < 1 {
		return b, newTruncatedError("bundle: truncated: empty buffer")
	}
	off := 0
	if buf[off] != Version {
		return b, newBadVersionError(fmt.Sprintf("bundle: unsupported protocol version: got %#x", buf[off]))
	}
	off++

	flags, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n
	b.Flags = int(flags)

	primaryLen, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n
	primaryStart := off

	var dictOffsets [8]int64
	for i := range dictOffsets {
		v, n, err := sdnv.Decode(buf[off:])
		if err != nil {
			return b, err
		}
		off += n
		dictOffsets[i] = v
	}

	b.Timestamp, n, err = sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n

	b.Sequence, n, err = sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n

	b.Lifetime, n, err = sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n

	dictLength, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n

	if off+int(dictLength) > len(buf) {
		return b, newTruncatedError("bundle: truncated: dictionary extends past buffer")
	}
	dict := buf[off : off+int(dictLength)]
	off += int(dictLength)

	if consumed := int64(off - primaryStart); consumed != primaryLen {
		return b, newBadPrimaryLengthError(fmt.Sprintf("bundle: primary block declared length %d, fields consumed %d", primaryLen, consumed))
	}

	if off >= len(buf) {
		return b, newTruncatedError("bundle: truncated: missing payload block")
	}
	blockType := buf[off]
	off++
	if blockType != payloadBlockType {
		return b, newBadBlockTypeError(fmt.Sprintf("bundle: unrecognized block type: got %d", blockType))
	}

	blockFlags, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n
	if blockFlags != payloadBlockFlags {
		return b, newBadBlockFlagsError(fmt.Sprintf("bundle: unrecognized payload block flags: got %#x", blockFlags))
	}

	payloadLen, n, err := sdnv.Decode(buf[off:])
	if err != nil {
		return b, err
	}
	off += n

	if off+int(payloadLen) > len(buf) {
		return b, newTruncatedError("bundle: truncated: payload extends past buffer")
	}
	b.Payload = append([]byte(nil), buf[off:off+int(payloadLen)]...)

	endpoints := [4]*string{&b.Source, &b.Destination, &b.ReportTo, &b.Custodian}
	for i, dst := range endpoints {
		scheme, err := dictWord(dict, dictOffsets[2*i])
		if err != nil {
			return b, err
		}
		ssp, err := dictWord(dict, dictOffsets[2*i+1])
		if err != nil {
			return b, err
		}
		*dst = scheme + ":" + ssp
	}

	return b, nil
}

// dictWord reads the NUL-terminated dictionary word starting at off within
// dict.
func dictWord(dict []byte, off int64) (string, error) {
	if off < 0 || off > int64(len(dict)) {
		return "", newTruncatedError(fmt.Sprintf("bundle: truncated: dictionary offset %d out of range", off))
	}
	i := int(off)
	for i < len(dict) && dict[i] != 0 {
		i++
	}
	return string(dict[off:i]), nil
}
