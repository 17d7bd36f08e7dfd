// Package ipaddr implements IPv4 dotted-quad parsing/formatting and the
// 16/32-bit byte-order helpers the rest of the stack builds on.
package ipaddr

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformed is returned by Parse for any string that is not a
// well-formed dotted-quad IPv4 address.
var ErrMalformed = errors.New("ipaddr: malformed address")

// Addr is an IPv4 address in network byte order (Addr[0] is the first
// byte transmitted on the wire).
type Addr [4]byte

// Parse converts a dotted-quad string ("192.168.33.13") into an Addr.
// Each of the four octets must be present, decimal, and in [0,255]; no
// leading/trailing junk, no fewer or more than four parts.
func Parse(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return a, ErrMalformed
	}
	for i, p := range parts {
		if p == "" {
			return a, ErrMalformed
		}
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil || v > 255 {
			return a, ErrMalformed
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String renders the address as a dotted quad.
func (a Addr) String() string {
	var b strings.Builder
	for i, v := range a {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	return b.String()
}

// Uint32 returns the address as a big-endian (network order) uint32.
func (a Addr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// FromUint32 constructs an Addr from a big-endian uint32.
func FromUint32(v uint32) Addr {
	return Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// IsBroadcast reports whether a is the limited broadcast address
// 255.255.255.255.
func (a Addr) IsBroadcast() bool {
	return a == Addr{255, 255, 255, 255}
}

// HTONS converts a 16-bit value from host to network byte order.
func HTONS(v uint16) uint16 {
	return v<<8 | v>>8
}

// NTOHS converts a 16-bit value from network to host byte order. It is
// its own inverse, same as HTONS.
func NTOHS(v uint16) uint16 {
	return HTONS(v)
}

// HTONL converts a 32-bit value from host to network byte order.
func HTONL(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v>>8)&0xff00 | v>>24
}

// NTOHL converts a 32-bit value from network to host byte order. It is
// its own inverse, same as HTONL.
func NTOHL(v uint32) uint32 {
	return HTONL(v)
}
