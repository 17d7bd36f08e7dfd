package ipaddr_test

import (
	"testing"

	"github.com/malbeclabs/netstack/internal/ipaddr"
)

func TestParseValid(t *testing.T) {
	a, err := ipaddr.Parse("192.168.33.13")
	if err != nil {
		t.Fatal(err)
	}
	want := ipaddr.Addr{192, 168, 33, 13}
	if a != want {
		t.Fatalf("Parse = %v, want %v", a, want)
	}
	if a.Uint32() != 0xc0a8210d {
		t.Fatalf("Uint32() = %#x, want 0xc0a8210d", a.Uint32())
	}
	if a.String() != "192.168.33.13" {
		t.Fatalf("String() = %q", a.String())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"192.168.33.256",
		"1.2.3",
		"1.2.3.4.5",
		"1.2..4",
	}
	for _, s := range cases {
		if _, err := ipaddr.Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestEndianRoundTrip(t *testing.T) {
	for _, u := range []uint16{0, 1, 0x00ff, 0xff00, 0x1234, 0xffff} {
		if got := ipaddr.NTOHS(ipaddr.HTONS(u)); got != u {
			t.Errorf("NTOHS(HTONS(%#x)) = %#x", u, got)
		}
	}
	for _, u := range []uint32{0, 1, 0x000000ff, 0xff000000, 0x12345678, 0xffffffff} {
		if got := ipaddr.NTOHL(ipaddr.HTONL(u)); got != u {
			t.Errorf("NTOHL(HTONL(%#x)) = %#x", u, got)
		}
	}
}

func TestUint32RoundTrip(t *testing.T) {
	a := ipaddr.Addr{10, 20, 30, 40}
	if got := ipaddr.FromUint32(a.Uint32()); got != a {
		t.Fatalf("FromUint32(Uint32()) = %v, want %v", got, a)
	}
}
