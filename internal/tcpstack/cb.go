package tcpstack

import (
	"sync"
	"time"

	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
	"github.com/malbeclabs/netstack/internal/queue"
)

// State is one of the eleven RFC-793 connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// sendVars groups the RFC-793 SND.* variables.
type sendVars struct {
	una uint32
	nxt uint32
	wnd uint16
	up  uint16
	wl1 uint32
	wl2 uint32
}

// recvVars groups the RFC-793 RCV.* variables.
type recvVars struct {
	nxt uint32
	up  uint16
	wnd uint16
}

// Stat counts protocol events observed on a connection, exposed through
// the metrics layer — not itself a retransmission queue or congestion
// controller (both remain non-goals).
type Stat struct {
	SegsIn          uint64
	SegsOut         uint64
	RetransTimeouts uint64
	ResetsSent      uint64
	ResetsReceived  uint64
}

// windowSize is the fixed receive-buffer capacity (spec.md §6).
const windowSize = 65535

// cb is one connection control block — one per socket-table slot.
type cb struct {
	used  bool
	state State

	iface *ipv4.Interface
	port  uint16 // network byte order

	peerAddr ipaddr.Addr
	peerPort uint16 // network byte order

	snd sendVars
	iss uint32

	rcv recvVars
	irs uint32

	window    [windowSize]byte
	windowLen int // bytes currently buffered, at window[0:windowLen]

	parent  int // index into the table, -1 if none
	backlog *queue.Queue

	cond *sync.Cond

	// timeout is the absolute deadline the timer thread enforces: user
	// timeout while data is unacknowledged, or 2*MSL in TIME_WAIT.
	timeout time.Time

	// lastErr communicates why a connection closed to a waiter that is
	// about to wake up and observe state == StateClosed.
	lastErr error

	stat Stat
}

func newCB(mu *sync.Mutex) *cb {
	return &cb{
		parent: -1,
		cond:   sync.NewCond(mu),
	}
}

// reset restores a cb to its free state, ready for Open to reuse. The
// caller must hold the table mutex.
func (c *cb) reset() {
	c.used = false
	c.state = StateClosed
	c.iface = nil
	c.port = 0
	c.peerAddr = ipaddr.Addr{}
	c.peerPort = 0
	c.snd = sendVars{}
	c.iss = 0
	c.rcv = recvVars{}
	c.irs = 0
	c.windowLen = 0
	c.syncRcvWnd()
	c.parent = -1
	c.backlog = nil
	c.timeout = time.Time{}
	c.lastErr = nil
}

// free reports whether this cb matches the table's free predicate:
// unclaimed by any application and not mid-teardown.
func (c *cb) free() bool {
	return !c.used && c.state == StateClosed
}

// bytesBuffered returns how many bytes are sitting in the receive window
// waiting for recv.
func (c *cb) bytesBuffered() int { return c.windowLen }

// syncRcvWnd recomputes rcv.wnd from the invariant rcv.wnd == capacity -
// buffered (spec.md §3). Call after any change to windowLen.
func (c *cb) syncRcvWnd() { c.rcv.wnd = uint16(windowSize - c.windowLen) }
