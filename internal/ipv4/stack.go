package ipv4

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/netstack/internal/checksum"
	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/ipaddr"
)

// ResolveResult mirrors the original's ARP_RESOLVE_{ERROR,QUERY,FOUND}
// trichotomy.
type ResolveResult int

const (
	ResolveError ResolveResult = -1
	ResolveQuery ResolveResult = 0
	ResolveFound ResolveResult = 1
)

// Resolver is the ARP collaborator consumed by Transmit: given a
// protocol address, it returns a hardware address (FOUND), indicates a
// resolution is pending and the caller's packet will be sent once it
// completes (QUERY), or fails outright (ERROR).
type Resolver interface {
	Resolve(iface *Interface, target ipaddr.Addr, deferred []byte, etherType device.EtherType, dst ipaddr.Addr) (ResolveResult, device.HardwareAddr, error)
}

// ProtocolHandler processes one fully reassembled IPv4 payload.
type ProtocolHandler func(payload []byte, src, dst ipaddr.Addr, iface *Interface)

// Stack implements IPv4 receive (validate, reassemble, demux) and
// transmit (fragment, ARP-resolve, device TX) against a single bound
// Interface — multi-homing/routing is out of scope (spec.md §1).
type Stack struct {
	log   *slog.Logger
	iface *Interface
	arp   Resolver

	mu        sync.Mutex
	protocols map[uint8]ProtocolHandler

	reassembly *reassembler

	idMu   sync.Mutex
	nextID uint32

	dropped atomic.Uint64
}

// NewStack binds a Stack to iface and its device, registering the
// Stack's receive path as the device's IPv4 EtherType handler.
func NewStack(iface *Interface, arp Resolver, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{
		log:        log,
		iface:      iface,
		arp:        arp,
		protocols:  make(map[uint8]ProtocolHandler),
		reassembly: newReassembler(),
	}
	iface.Device.RegisterProtocol(device.EtherTypeIPv4, func(et device.EtherType, payload []byte) {
		s.receive(payload, time.Now())
	})
	return s
}

// AddProtocol registers handler for the given IP protocol number — the
// Go equivalent of the original's ip_add_protocol.
func (s *Stack) AddProtocol(protocol uint8, handler ProtocolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocols[protocol] = handler
}

// RunReassemblySweeper runs the idle-fragment eviction loop until ctx is
// canceled, following spec.md §4.5's "every 10 seconds" sweep cadence.
func (s *Stack) RunReassemblySweeper(ctx context.Context) {
	ticker := time.NewTicker(ReassemblySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.reassembly.sweep(time.Now()); n > 0 {
				s.log.Debug("ipv4: reassembly sweep evicted idle entries", "count", n)
			}
			metricReassemblyEntries.Set(float64(s.reassembly.Len()))
		}
	}
}

// receive runs the validation pipeline of spec.md §4.4 against one
// Ethernet payload believed to carry an IPv4 datagram.
func (s *Stack) receive(dgram []byte, now time.Time) {
	if len(dgram) < HeaderLen {
		s.drop()
		s.log.Debug("ipv4: drop: short datagram", "len", len(dgram))
		return
	}
	if VersionOf(dgram) != Version {
		s.drop()
		return
	}
	ihlWords := IHL(dgram)
	if ihlWords < 5 {
		s.drop()
		return
	}
	hlen := ihlWords * 4
	hdr, err := Decode(dgram)
	if err != nil {
		s.drop()
		return
	}
	if int(hdr.TotalLen) > len(dgram) {
		s.drop()
		s.log.Debug("ipv4: drop: total_len exceeds datagram length")
		return
	}
	if !checksum.Verify(dgram[:hlen], 0) {
		s.drop()
		s.log.Debug("ipv4: drop: header checksum mismatch")
		return
	}
	if hdr.TTL == 0 {
		s.drop()
		return
	}
	if !s.iface.OwnsDestination(hdr.Dst) {
		s.drop()
		return
	}

	payload := dgram[hlen:hdr.TotalLen]
	plen := len(payload)

	if hdr.MF() || hdr.ByteOffset() != 0 {
		key := fragKey{src: hdr.Src, dst: hdr.Dst, id: hdr.ID, protocol: hdr.Protocol}
		result, tableFull := s.reassembly.feed(key, hdr.ByteOffset(), payload, hdr.MF(), now)
		metricReassemblyEntries.Set(float64(s.reassembly.Len()))
		if tableFull {
			s.drop()
			s.log.Debug("ipv4: drop: reassembly table full", "src", hdr.Src, "dst", hdr.Dst, "id", hdr.ID)
			return
		}
		if !result.complete {
			return
		}
		payload = result.payload
		plen = len(payload)
	}

	s.mu.Lock()
	handler := s.protocols[hdr.Protocol]
	s.mu.Unlock()
	if handler == nil {
		s.drop()
		s.log.Debug("ipv4: drop: no protocol handler", "protocol", hdr.Protocol)
		return
	}
	_ = plen
	handler(payload, hdr.Src, hdr.Dst, s.iface)
}

// nextDatagramID returns the next monotonically increasing IPv4
// identification value, serialized by idMu per spec.md §4.6.
func (s *Stack) nextDatagramID() uint16 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return uint16(s.nextID)
}

// Transmit fragments buf (if needed) and sends it to dst via protocol,
// following spec.md §4.6: source is always the interface's unicast,
// nexthop is always dst (no routing), fragments are byte-aligned to
// 8-byte units, and the final fragment clears MF.
func (s *Stack) Transmit(protocol uint8, buf []byte, dst ipaddr.Addr) error {
	mtu := s.iface.Device.MTU()
	maxPayload := mtu - HeaderLen
	maxPayload -= maxPayload % 8

	id := s.nextDatagramID()
	broadcast := dst.IsBroadcast() || dst == s.iface.Broadcast

	offset := 0
	for {
		chunk := len(buf) - offset
		more := false
		if chunk > maxPayload {
			chunk = maxPayload
			more = true
		}

		hdr := Header{
			TotalLen: uint16(HeaderLen + chunk),
			ID:       id,
			TTL:      64,
			Protocol: protocol,
			Src:      s.iface.Unicast,
			Dst:      dst,
			FragOff:  uint16(offset / 8),
		}
		if more {
			hdr.Flags = flagMF
		}
		frame := append(Encode(hdr), buf[offset:offset+chunk]...)

		if broadcast {
			if err := s.iface.Device.TX(device.EtherTypeIPv4, frame, s.iface.Device.BroadcastAddr()); err != nil {
				return fmt.Errorf("ipv4: transmit: device tx: %w", err)
			}
		} else {
			result, ha, err := s.arp.Resolve(s.iface, dst, frame, device.EtherTypeIPv4, dst)
			if err != nil {
				return fmt.Errorf("ipv4: transmit: arp resolve: %w", err)
			}
			switch result {
			case ResolveFound:
				if err := s.iface.Device.TX(device.EtherTypeIPv4, frame, ha); err != nil {
					return fmt.Errorf("ipv4: transmit: device tx: %w", err)
				}
			case ResolveQuery:
				// ARP has queued the frame and will transmit it once
				// resolution completes; nothing further to do here.
			case ResolveError:
				return fmt.Errorf("ipv4: transmit: arp resolution failed for %s", dst)
			}
		}

		offset += chunk
		if !more {
			return nil
		}
	}
}

// ReassemblyLen reports the number of outstanding reassembly entries
// (diagnostic / metrics).
func (s *Stack) ReassemblyLen() int { return s.reassembly.Len() }

// Dropped reports the cumulative number of datagrams dropped at the
// receive validation pipeline.
func (s *Stack) Dropped() uint64 { return s.dropped.Load() }

// drop records one datagram dropped at the receive validation pipeline,
// both in the in-process counter and the exported metric.
func (s *Stack) drop() {
	s.dropped.Add(1)
	metricDroppedTotal.Inc()
}
