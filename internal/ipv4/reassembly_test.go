package ipv4

import (
	"math/rand"
	"testing"
	"time"

	"github.com/malbeclabs/netstack/internal/ipaddr"
)

func splitFragments(datagram []byte, mtuPayload int) [][]byte {
	var frags [][]byte
	for off := 0; off < len(datagram); off += mtuPayload {
		end := off + mtuPayload
		if end > len(datagram) {
			end = len(datagram)
		}
		chunk := make([]byte, end-off)
		copy(chunk, datagram[off:end])
		frags = append(frags, chunk)
	}
	return frags
}

func TestReassemblyAnyPermutation(t *testing.T) {
	datagram := make([]byte, 5000)
	for i := range datagram {
		datagram[i] = byte(i)
	}
	fragments := splitFragments(datagram, 1480)
	if len(fragments) != 4 {
		t.Fatalf("expected 4 fragments, got %d", len(fragments))
	}
	if len(fragments[3]) != 560 {
		t.Fatalf("last fragment len = %d, want 560", len(fragments[3]))
	}

	order := rand.Perm(len(fragments))
	key := fragKey{
		src:      ipaddr.Addr{10, 0, 0, 1},
		dst:      ipaddr.Addr{10, 0, 0, 2},
		id:       7,
		protocol: ProtoTCP,
	}
	r := newReassembler()
	now := time.Now()

	var completions int
	var result reassemblyResult
	for _, idx := range order {
		off := idx * 1480
		mf := idx != len(fragments)-1
		res, dropped := r.feed(key, off, fragments[idx], mf, now)
		if dropped {
			t.Fatal("unexpected table-full drop")
		}
		if res.complete {
			completions++
			result = res
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if len(result.payload) != len(datagram) {
		t.Fatalf("reassembled length = %d, want %d", len(result.payload), len(datagram))
	}
	for i := range datagram {
		if result.payload[i] != datagram[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, result.payload[i], datagram[i])
		}
	}
}

func TestReassemblyIdleEviction(t *testing.T) {
	r := newReassembler()
	key := fragKey{src: ipaddr.Addr{1, 1, 1, 1}, dst: ipaddr.Addr{2, 2, 2, 2}, id: 1, protocol: ProtoTCP}
	t0 := time.Now()
	r.feed(key, 0, []byte("partial"), true, t0)
	if r.Len() != 1 {
		t.Fatalf("expected 1 outstanding entry, got %d", r.Len())
	}

	if n := r.sweep(t0.Add(ReassemblyIdleTimeout - time.Second)); n != 0 {
		t.Fatalf("swept %d entries before idle timeout elapsed", n)
	}
	if n := r.sweep(t0.Add(ReassemblyIdleTimeout + time.Second)); n != 1 {
		t.Fatalf("expected 1 entry evicted after idle timeout, got %d", n)
	}
	if r.Len() != 0 {
		t.Fatal("expected reassembly table empty after eviction")
	}

	// A later arrival of the missing piece allocates a fresh entry.
	res, dropped := r.feed(key, 0, []byte("new"), false, t0.Add(ReassemblyIdleTimeout+2*time.Second))
	if dropped {
		t.Fatal("unexpected drop")
	}
	if !res.complete {
		t.Fatal("expected completion: whole (short) datagram delivered in one fragment")
	}
}

func TestReassemblyTableFull(t *testing.T) {
	r := newReassembler()
	now := time.Now()
	for i := 0; i < MaxReassemblies; i++ {
		key := fragKey{src: ipaddr.Addr{1, 1, 1, 1}, dst: ipaddr.Addr{2, 2, 2, 2}, id: uint16(i), protocol: ProtoTCP}
		_, dropped := r.feed(key, 0, []byte("x"), true, now)
		if dropped {
			t.Fatalf("entry %d unexpectedly dropped", i)
		}
	}
	key := fragKey{src: ipaddr.Addr{1, 1, 1, 1}, dst: ipaddr.Addr{2, 2, 2, 2}, id: uint16(MaxReassemblies), protocol: ProtoTCP}
	_, dropped := r.feed(key, 0, []byte("x"), true, now)
	if !dropped {
		t.Fatal("expected the 9th concurrent entry to be dropped (table full)")
	}
}
