package bitmap_test

import (
	"testing"

	"github.com/malbeclabs/netstack/internal/bitmap"
)

func TestSetCheckRoundTrip(t *testing.T) {
	b := bitmap.New(65536)
	b.Set(100, 50)
	if !b.Check(100, 50) {
		t.Fatal("expected [100,150) to be fully set")
	}
	if b.Check(99, 50) {
		t.Fatal("expected [99,149) to be unset at bit 99")
	}
	if b.Check(100, 51) {
		t.Fatal("expected [100,151) to be unset at bit 150")
	}
}

func TestBoundary(t *testing.T) {
	b := bitmap.New(2048 * bitmap.WordBits)
	b.Set(31, 3)
	if b.Check(30, 3) {
		t.Fatal("check(30,3) should be false: bit 30 was never set")
	}
	if !b.Check(31, 3) {
		t.Fatal("check(31,3) should be true: exactly the set range")
	}
}

func TestClear(t *testing.T) {
	b := bitmap.New(128)
	b.Set(0, 128)
	if !b.Check(0, 128) {
		t.Fatal("expected full range set")
	}
	b.Clear()
	if b.Check(0, 1) {
		t.Fatal("expected cleared bitmap to report unset")
	}
}
