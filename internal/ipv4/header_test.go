package ipv4_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/malbeclabs/netstack/internal/checksum"
	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src, _ := ipaddr.Parse("192.168.33.13")
	dst, _ := ipaddr.Parse("192.168.33.1")
	want := ipv4.Header{
		TotalLen: ipv4.HeaderLen + 10,
		ID:       42,
		TTL:      64,
		Protocol: ipv4.ProtoTCP,
		Src:      src,
		Dst:      dst,
	}
	b := ipv4.Encode(want)
	if len(b) != ipv4.HeaderLen {
		t.Fatalf("Encode length = %d, want %d", len(b), ipv4.HeaderLen)
	}
	if !checksum.Verify(b, 0) {
		t.Fatal("encoded header checksum does not verify")
	}
	got, err := ipv4.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	// Checksum is computed during Encode, not set on the input; ignore it
	// and compare every other field.
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(ipv4.Header{}, "Checksum")); diff != "" {
		t.Fatalf("decoded header mismatch (-want +got):\n%s", diff)
	}
}

func TestFragmentFlags(t *testing.T) {
	hdr := ipv4.Header{Flags: 0x2000, FragOff: 185}
	if !hdr.MF() {
		t.Fatal("expected MF set")
	}
	if hdr.DF() {
		t.Fatal("expected DF clear")
	}
	if hdr.ByteOffset() != 185*8 {
		t.Fatalf("ByteOffset() = %d, want %d", hdr.ByteOffset(), 185*8)
	}
}
