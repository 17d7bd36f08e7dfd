// Package tcpstack implements the TCP transport engine: the connection
// control block table, segment encode/decode, the RFC-793 segment-arrives
// event processor, the application socket API, and the 100ms timer
// thread. It is the core this whole module exists to exercise.
package tcpstack

import (
	"encoding/binary"
	"fmt"

	"github.com/malbeclabs/netstack/internal/checksum"
)

// HeaderLen is the fixed (no-options) TCP header length in bytes.
const HeaderLen = 20

// Flag bits, RFC 793 §3.1.
type Flag uint8

const (
	FlagFIN Flag = 0x01
	FlagSYN Flag = 0x02
	FlagRST Flag = 0x04
	FlagPSH Flag = 0x08
	FlagACK Flag = 0x10
	FlagURG Flag = 0x20
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// String renders the set flags in the original's "FSRPAU" order, for logging.
func (f Flag) String() string {
	var b []byte
	if f.Has(FlagFIN) {
		b = append(b, 'F')
	}
	if f.Has(FlagSYN) {
		b = append(b, 'S')
	}
	if f.Has(FlagRST) {
		b = append(b, 'R')
	}
	if f.Has(FlagPSH) {
		b = append(b, 'P')
	}
	if f.Has(FlagACK) {
		b = append(b, 'A')
	}
	if f.Has(FlagURG) {
		b = append(b, 'U')
	}
	return string(b)
}

// Segment is a decoded TCP header plus its payload slice.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flag
	Window  uint16
	Urgent  uint16
	Payload []byte
}

// Encode serializes seg into a 20-byte header plus payload, with the
// checksum computed over the pseudo-header {src, dst, 0, proto=6,
// tcp_len} folded in via checksum.PseudoHeaderSum — each side's address
// contributes exactly once, unlike the double-counted self term in the
// uncorrected reference implementation (see DESIGN.md).
func Encode(seg Segment, srcAddr, dstAddr [4]byte) []byte {
	b := make([]byte, HeaderLen+len(seg.Payload))
	binary.BigEndian.PutUint16(b[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(b[4:8], seg.Seq)
	binary.BigEndian.PutUint32(b[8:12], seg.Ack)
	b[12] = 5 << 4 // data offset: 5 32-bit words, no options
	b[13] = byte(seg.Flags)
	binary.BigEndian.PutUint16(b[14:16], seg.Window)
	// b[16:18] checksum, filled below
	binary.BigEndian.PutUint16(b[18:20], seg.Urgent)
	copy(b[HeaderLen:], seg.Payload)

	pseudo := checksum.PseudoHeaderSum(srcAddr, dstAddr, 6, uint16(len(b)))
	sum := checksum.Sum(b, pseudo)
	binary.BigEndian.PutUint16(b[16:18], sum)
	return b
}

// Decode validates and parses a raw TCP segment: it checks the minimum
// length, the checksum over the {srcAddr, dstAddr} pseudo-header, and the
// data offset. It does not check that dstAddr is the receiving
// interface's unicast address; Stack.receive does that before calling it.
func Decode(b []byte, srcAddr, dstAddr [4]byte) (Segment, error) {
	if len(b) < HeaderLen {
		return Segment{}, fmt.Errorf("tcpstack: decode: short segment (%d bytes)", len(b))
	}
	pseudo := checksum.PseudoHeaderSum(srcAddr, dstAddr, 6, uint16(len(b)))
	if !checksum.Verify(b, pseudo) {
		return Segment{}, fmt.Errorf("tcpstack: decode: checksum mismatch")
	}
	hlen := int(b[12]>>4) * 4
	if hlen < HeaderLen || hlen > len(b) {
		return Segment{}, fmt.Errorf("tcpstack: decode: bad data offset")
	}
	seg := Segment{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   Flag(b[13]),
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Urgent:  binary.BigEndian.Uint16(b[18:20]),
	}
	if hlen < len(b) {
		seg.Payload = b[hlen:]
	}
	return seg, nil
}

// seqLE reports whether a <= b in unsigned 32-bit modular space (RFC-793
// sequence-number comparison, a la SEQ_LEQ in BSD stacks).
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

// seqLT reports a < b in modular space.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

// seqInRange reports lo <= v < hi in modular space, wrapping correctly
// across the 32-bit boundary.
func seqInRange(lo, v, hi uint32) bool {
	return seqLE(lo, v) && seqLT(v, hi)
}
