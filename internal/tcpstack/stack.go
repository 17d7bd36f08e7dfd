package tcpstack

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
	"github.com/malbeclabs/netstack/internal/queue"
)

// Configuration constants, spec.md §6.
const (
	CBTableSize    = 128
	PortMin        = 49152
	PortMax        = 65535
	UserTimeout    = 10 * time.Second
	MSL            = 10 * time.Second
	TimeWaitPeriod = 2 * MSL
	MSS            = 1440
	TimerInterval  = 100 * time.Millisecond
)

// Sentinel errors, following the teacher's package-level Err* convention.
var (
	ErrNoFreeCB          = errors.New("tcpstack: no free connection control block")
	ErrNoFreePort        = errors.New("tcpstack: no free ephemeral port")
	ErrInvalidSocket     = errors.New("tcpstack: invalid socket")
	ErrConnectionIllegal = errors.New("tcpstack: connection illegal for this operation")
	ErrConnectionClosing = errors.New("tcpstack: connection closing")
	ErrConnectionReset   = errors.New("tcpstack: connection reset by peer")
	ErrPortInUse         = errors.New("tcpstack: port already bound")
	ErrListenerChanged   = errors.New("tcpstack: listener state changed")
)

// Stack owns the CB table and the global TCP mutex, and is the protocol
// handler ip_add_protocol(6, ...) registers with the IP layer.
type Stack struct {
	log *slog.Logger

	mu    sync.Mutex
	table [CBTableSize]*cb

	ip *ipv4.Stack

	rng *rand.Rand

	stopTimer chan struct{}
}

// New constructs a Stack bound to ip, registering itself as the IPv4
// TCP protocol handler (protocol 6). A nil logger falls back to
// slog.Default().
func New(ip *ipv4.Stack, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{
		log: log,
		ip:  ip,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range s.table {
		s.table[i] = newCB(&s.mu)
	}
	ip.AddProtocol(ipv4.ProtoTCP, s.receive)
	return s
}

// receive is the ip_add_protocol(IP_PROTOCOL_TCP, tcp_rx) upcall: decode,
// look up or allocate the owning CB, and run the event processor.
func (s *Stack) receive(payload []byte, src, dst ipaddr.Addr, iface *ipv4.Interface) {
	if dst != iface.Unicast {
		return
	}
	seg, err := Decode(payload, src, dst)
	if err != nil {
		metricDecodeErrorsTotal.Inc()
		s.log.Debug("tcpstack: drop: decode failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookupOrAllocate(iface, src, seg)
	if c == nil {
		metricNoCBDroppedTotal.Inc()
		s.log.Debug("tcpstack: drop: no free cb and no match", "src", src, "srcport", seg.SrcPort, "dstport", seg.DstPort)
		return
	}
	c.stat.SegsIn++
	metricSegmentsTotal.WithLabelValues("in").Inc()
	s.segmentArrives(c, seg)
}

// lookupOrAllocate implements spec.md §4.8's single linear scan: find an
// exact 4-tuple match, remember the first free slot, and remember the
// first LISTEN CB bound to the local {iface, port}. Tie-break: exact
// match wins over LISTEN.
func (s *Stack) lookupOrAllocate(iface *ipv4.Interface, src ipaddr.Addr, seg Segment) *cb {
	var fcb, lcb *cb
	for _, c := range s.table {
		if c.free() {
			if fcb == nil {
				fcb = c
			}
			continue
		}
		if (c.iface == nil || c.iface == iface) && c.port == seg.DstPort {
			if c.peerAddr == src && c.peerPort == seg.SrcPort {
				return c
			}
			if c.state == StateListen && lcb == nil {
				lcb = c
			}
		}
	}

	if fcb == nil {
		return nil
	}
	fcb.iface = iface
	if lcb != nil {
		fcb.state = lcb.state // StateListen
		fcb.port = lcb.port
		fcb.rcv.wnd = windowSize
		fcb.parent = s.indexOf(lcb)
	} else {
		fcb.used = false
		fcb.port = seg.DstPort // so arriveClosed's RST carries the probed port
		fcb.rcv.wnd = 0
	}
	fcb.peerAddr = src
	fcb.peerPort = seg.SrcPort
	return fcb
}

func (s *Stack) indexOf(c *cb) int {
	for i, e := range s.table {
		if e == c {
			return i
		}
	}
	return -1
}

// tx builds and transmits one segment for cb via the IP layer, following
// spec.md §4.7's pseudo-header checksum.
func (s *Stack) tx(c *cb, seq, ack uint32, flags Flag, payload []byte) error {
	seg := Segment{
		SrcPort: c.port,
		DstPort: c.peerPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  c.rcv.wnd,
		Payload: payload,
	}
	raw := Encode(seg, c.iface.Unicast, c.peerAddr)
	c.stat.SegsOut++
	metricSegmentsTotal.WithLabelValues("out").Inc()
	if flags.Has(FlagRST) {
		c.stat.ResetsSent++
		metricResetsTotal.WithLabelValues("out").Inc()
	}
	if err := s.ip.Transmit(ipv4.ProtoTCP, raw, c.peerAddr); err != nil {
		return fmt.Errorf("tcpstack: tx: %w", err)
	}
	return nil
}

// allocatePort scans the ephemeral range starting at an offset derived
// from wall-clock time, per spec.md §4.10 / the original's
// tcp_api_connect port-selection loop.
func (s *Stack) allocatePort() (uint16, error) {
	offset := int(time.Now().Unix() % 1024)
	for i := 0; i < (PortMax - PortMin + 1); i++ {
		candidate := PortMin + (offset+i)%(PortMax-PortMin+1)
		port := ipaddr.HTONS(uint16(candidate))
		inUse := false
		for _, c := range s.table {
			if !c.free() && c.port == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// newBacklog lazily allocates a listener's accept backlog queue.
func newBacklog() *queue.Queue { return queue.New() }
