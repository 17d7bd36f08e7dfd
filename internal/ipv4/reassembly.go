package ipv4

import (
	"sync"
	"time"

	"github.com/malbeclabs/netstack/internal/bitmap"
	"github.com/malbeclabs/netstack/internal/ipaddr"
)

const (
	// MaxReassemblies bounds the number of concurrently outstanding
	// fragment-reassembly entries.
	MaxReassemblies = 8
	// ReassemblyIdleTimeout frees an entry that has seen no new fragment
	// for this long.
	ReassemblyIdleTimeout = 30 * time.Second
	// ReassemblySweepInterval is how often the idle sweep runs.
	ReassemblySweepInterval = 10 * time.Second
	// maxDatagramLen is the largest IPv4 payload a reassembly buffer
	// needs to hold.
	maxDatagramLen = 65535
)

// fragKey identifies one in-flight reassembly.
type fragKey struct {
	src, dst ipaddr.Addr
	id       uint16
	protocol uint8
}

// fragEntry is one outstanding reassembly — the Go equivalent of the
// original's struct ip_fragment.
type fragEntry struct {
	data      [maxDatagramLen]byte
	coverage  *bitmap.Bitmap
	totalLen  int // 0 until the non-MF fragment establishes it
	lastSeen  time.Time
}

// reassembler serializes fragment reassembly behind a single mutex, per
// spec.md §4.5.
type reassembler struct {
	mu      sync.Mutex
	entries map[fragKey]*fragEntry
}

func newReassembler() *reassembler {
	return &reassembler{entries: make(map[fragKey]*fragEntry)}
}

// reassemblyResult reports the outcome of feeding one fragment in.
type reassemblyResult struct {
	// complete is true when this fragment finished a datagram; payload
	// then holds the full reassembled data.
	complete bool
	payload  []byte
}

// feed inserts one fragment's payload at byteOffset. If mf is false, the
// total length is latched at byteOffset+len(payload). now is injected so
// tests can control time without sleeping.
func (r *reassembler) feed(key fragKey, byteOffset int, payload []byte, mf bool, now time.Time) (reassemblyResult, bool /*dropped: table full*/) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= MaxReassemblies {
			return reassemblyResult{}, true
		}
		entry = &fragEntry{coverage: bitmap.New(maxDatagramLen * 8)}
		r.entries[key] = entry
	}

	end := byteOffset + len(payload)
	if end > maxDatagramLen {
		end = maxDatagramLen
		payload = payload[:end-byteOffset]
	}
	copy(entry.data[byteOffset:end], payload)
	entry.coverage.Set(byteOffset, len(payload))
	entry.lastSeen = now

	if !mf {
		entry.totalLen = end
	}

	if entry.totalLen > 0 && entry.coverage.Check(0, entry.totalLen) {
		out := make([]byte, entry.totalLen)
		copy(out, entry.data[:entry.totalLen])
		delete(r.entries, key)
		return reassemblyResult{complete: true, payload: out}, false
	}
	return reassemblyResult{}, false
}

// sweep frees entries idle for longer than ReassemblyIdleTimeout,
// returning the number evicted.
func (r *reassembler) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > ReassemblyIdleTimeout {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of outstanding reassembly entries (diagnostic).
func (r *reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
