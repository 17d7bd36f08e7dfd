// Package ipv4 implements IPv4 header encode/decode, receive validation,
// fragment reassembly, and MTU-bounded transmit — the minimum IP-layer
// behavior the TCP engine depends on. Routing tables, IP options, and
// forwarding are out of scope; nexthop is always the destination.
package ipv4

import (
	"encoding/binary"
	"fmt"

	"github.com/malbeclabs/netstack/internal/checksum"
	"github.com/malbeclabs/netstack/internal/ipaddr"
)

const (
	// HeaderLen is the fixed (no-options) IPv4 header length in bytes.
	HeaderLen = 20

	// Version is the only supported IP version.
	Version = 4

	flagMF = 0x2000 // more fragments
	flagDF = 0x4000 // don't fragment
	fragMask = 0x1fff
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Header is a decoded IPv4 header (no options).
type Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint16 // MF/DF bits
	FragOff  uint16 // in 8-byte units
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      ipaddr.Addr
	Dst      ipaddr.Addr
}

// MF reports whether the more-fragments flag is set.
func (h Header) MF() bool { return h.Flags&flagMF != 0 }

// DF reports whether the don't-fragment flag is set.
func (h Header) DF() bool { return h.Flags&flagDF != 0 }

// ByteOffset returns the fragment offset in bytes.
func (h Header) ByteOffset() int { return int(h.FragOff) * 8 }

// Encode serializes hdr into a 20-byte header with a correct checksum.
func Encode(hdr Header) []byte {
	b := make([]byte, HeaderLen)
	b[0] = Version<<4 | (HeaderLen / 4)
	b[1] = hdr.TOS
	binary.BigEndian.PutUint16(b[2:4], hdr.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], hdr.ID)
	binary.BigEndian.PutUint16(b[6:8], hdr.Flags|hdr.FragOff)
	b[8] = hdr.TTL
	b[9] = hdr.Protocol
	// checksum field left zero for the checksum pass
	copy(b[12:16], hdr.Src[:])
	copy(b[16:20], hdr.Dst[:])
	sum := checksum.Sum(b, 0)
	binary.BigEndian.PutUint16(b[10:12], sum)
	return b
}

// Decode parses the first HeaderLen bytes of b as an IPv4 header. It does
// not perform the receive validation pipeline (see Stack.receive);
// callers needing RFC-compliant drops should use that instead.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("ipv4: decode: short header (%d bytes)", len(b))
	}
	flagsAndOffset := binary.BigEndian.Uint16(b[6:8])
	var hdr Header
	hdr.TOS = b[1]
	hdr.TotalLen = binary.BigEndian.Uint16(b[2:4])
	hdr.ID = binary.BigEndian.Uint16(b[4:6])
	hdr.Flags = flagsAndOffset & ^uint16(fragMask)
	hdr.FragOff = flagsAndOffset & fragMask
	hdr.TTL = b[8]
	hdr.Protocol = b[9]
	hdr.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(hdr.Src[:], b[12:16])
	copy(hdr.Dst[:], b[16:20])
	return hdr, nil
}

// IHL returns the header length in 32-bit words encoded in b[0]'s low
// nibble.
func IHL(b []byte) int {
	return int(b[0] & 0x0f)
}

// VersionOf returns the IP version encoded in b[0]'s high nibble.
func VersionOf(b []byte) int {
	return int(b[0] >> 4)
}
