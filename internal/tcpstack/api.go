package tcpstack

import (
	"context"
	"io"
	"time"

	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
)

// Socket is an opaque handle into the connection control block table —
// the Go stand-in for the original's cb index / file-descriptor-like
// handle returned by tcp_api_open.
type Socket int

// Open claims a free control block and returns its handle, the
// equivalent of tcp_api_open.
func (s *Stack) Open() (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.table {
		if c.free() {
			c.used = true
			return Socket(i), nil
		}
	}
	return 0, ErrNoFreeCB
}

func (s *Stack) cbAt(sock Socket) (*cb, error) {
	if int(sock) < 0 || int(sock) >= len(s.table) {
		return nil, ErrInvalidSocket
	}
	c := s.table[sock]
	if !c.used {
		return nil, ErrInvalidSocket
	}
	return c, nil
}

// Bind attaches sock to a local interface and port, the equivalent of
// tcp_api_bind.
func (s *Stack) Bind(sock Socket, iface *ipv4.Interface, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return err
	}
	if c.state != StateClosed {
		return ErrConnectionIllegal
	}
	netPort := ipaddr.HTONS(port)
	for i, other := range s.table {
		if i == int(sock) {
			continue
		}
		if other.used && other.iface == iface && other.port == netPort {
			return ErrPortInUse
		}
	}
	c.iface = iface
	c.port = netPort
	return nil
}

// Listen transitions a bound socket into LISTEN and readies its accept
// backlog, the equivalent of tcp_api_listen.
func (s *Stack) Listen(sock Socket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return err
	}
	if c.state != StateClosed || c.port == 0 {
		return ErrConnectionIllegal
	}
	c.state = StateListen
	c.backlog = newBacklog()
	return nil
}

// Accept blocks until a fully-formed connection is waiting in sock's
// backlog (or ctx is done), then returns its own socket handle, the
// equivalent of tcp_api_accept.
func (s *Stack) Accept(ctx context.Context, sock Socket) (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return 0, err
	}
	if c.state != StateListen {
		return 0, ErrConnectionIllegal
	}

	err = s.wait(ctx, c, func() bool {
		return !c.backlog.Empty() || c.state != StateListen
	})
	if err != nil {
		return 0, err
	}
	if c.state != StateListen {
		return 0, ErrListenerChanged
	}
	idx, err := c.backlog.Pop()
	if err != nil {
		return 0, err
	}
	child := s.table[idx]
	child.used = true
	return Socket(idx), nil
}

// Connect actively opens sock toward dst:dstPort, blocking until the
// handshake completes or fails, the equivalent of tcp_api_connect.
func (s *Stack) Connect(ctx context.Context, sock Socket, iface *ipv4.Interface, dst ipaddr.Addr, dstPort uint16) error {
	s.mu.Lock()
	c, err := s.cbAt(sock)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if c.state != StateClosed {
		s.mu.Unlock()
		return ErrConnectionIllegal
	}
	if c.port == 0 {
		port, err := s.allocatePort()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		c.port = port
	}
	c.iface = iface
	c.peerAddr = dst
	c.peerPort = ipaddr.HTONS(dstPort)
	c.iss = s.rng.Uint32()
	c.snd.una = c.iss
	c.snd.nxt = c.iss + 1
	c.syncRcvWnd()
	c.state = StateSynSent
	c.timeout = time.Now().Add(UserTimeout)
	s.tx(c, c.iss, 0, FlagSYN, nil)
	s.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.wait(ctx, c, func() bool {
		return c.state != StateSynSent && c.state != StateSynRcvd
	})
	if err != nil {
		return err
	}
	if c.state == StateClosed {
		if c.lastErr != nil {
			return c.lastErr
		}
		return ErrConnectionReset
	}
	return nil
}

// Send transmits up to MSS bytes of buf and returns how many were
// accepted, the equivalent of tcp_api_send. The transmitted sequence
// number is the pre-advance SND.NXT: the wire segment's SEQ must match
// what the peer will set RCV.NXT to expect, so SND.NXT only advances
// after the segment is built.
func (s *Stack) Send(ctx context.Context, sock Socket, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return 0, err
	}

	err = s.wait(ctx, c, func() bool {
		return c.state == StateEstablished || c.state == StateCloseWait || c.state == StateClosed
	})
	if err != nil {
		return 0, err
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
	default:
		if c.lastErr != nil {
			return 0, c.lastErr
		}
		return 0, ErrConnectionClosing
	}

	n := len(buf)
	if n > MSS {
		n = MSS
	}
	seq := c.snd.nxt
	if err := s.tx(c, seq, c.rcv.nxt, FlagACK|FlagPSH, buf[:n]); err != nil {
		return 0, err
	}
	c.snd.nxt += uint32(n)
	c.timeout = time.Now().Add(UserTimeout)
	return n, nil
}

// Recv blocks until at least one byte is buffered, the connection
// closes, or ctx is done, then copies into buf, the equivalent of
// tcp_api_recv.
func (s *Stack) Recv(ctx context.Context, sock Socket, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return 0, err
	}

	err = s.wait(ctx, c, func() bool {
		return c.bytesBuffered() > 0 || c.peerClosed() || c.state == StateClosed
	})
	if err != nil {
		return 0, err
	}
	if c.bytesBuffered() == 0 {
		if c.state == StateClosed && c.lastErr != nil {
			return 0, c.lastErr
		}
		return 0, io.EOF
	}

	n := copy(buf, c.window[:c.windowLen])
	remaining := c.windowLen - n
	copy(c.window[:remaining], c.window[n:c.windowLen])
	c.windowLen = remaining
	c.syncRcvWnd()
	return n, nil
}

// Close starts (or completes) graceful teardown, the equivalent of
// tcp_api_close. Per spec.md's corrected state table, a CLOSE_WAIT
// connection moves to LAST_ACK (not CLOSING) since the application side
// has nothing left to send after its own FIN, and CLOSED is a no-op
// rather than an error. Close acquires s.mu itself; the caller must not
// hold it.
func (s *Stack) Close(sock Socket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cbAt(sock)
	if err != nil {
		return err
	}
	return s.closeLocked(c)
}

// closeLocked implements tcp_api_close for a single control block. s.mu
// must already be held by the caller, since LISTEN recurses into
// closeLocked for each backlog child without releasing it.
func (s *Stack) closeLocked(c *cb) error {
	c.used = false

	switch c.state {
	case StateClosed:
		return nil
	case StateListen:
		// spec.md §4.10: LISTEN closes by recursively closing every
		// fully-formed connection still sitting in the accept backlog,
		// so no child CB (and no peer FIN) is ever abandoned.
		for {
			idx, err := c.backlog.Pop()
			if err != nil {
				break
			}
			s.closeLocked(s.table[idx])
		}
		c.cond.Broadcast()
		c.reset()
		return nil
	case StateSynSent:
		c.reset()
		return nil
	case StateEstablished:
		finSeq := c.snd.nxt
		s.tx(c, finSeq, c.rcv.nxt, FlagFIN|FlagACK, nil)
		c.snd.nxt++
		c.state = StateFinWait1
		return nil
	case StateSynRcvd:
		finSeq := c.snd.nxt
		s.tx(c, finSeq, c.rcv.nxt, FlagFIN|FlagACK, nil)
		c.snd.nxt++
		c.state = StateFinWait1
		return nil
	case StateCloseWait:
		finSeq := c.snd.nxt
		s.tx(c, finSeq, c.rcv.nxt, FlagFIN|FlagACK, nil)
		c.snd.nxt++
		c.state = StateLastAck
		return nil
	default:
		return ErrConnectionClosing
	}
}

// peerClosed reports whether the peer's FIN has been processed, i.e.
// no more data will ever arrive.
func (c *cb) peerClosed() bool {
	switch c.state {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// wait blocks on c.cond until ready() is true, ctx is done, or the
// connection is aborted. The caller must hold s.mu. A context with a
// deadline/cancel wakes the waiter via a one-shot broadcast so cond.Wait
// (which has no native cancellation) can re-check ready().
func (s *Stack) wait(ctx context.Context, c *cb, ready func() bool) error {
	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			c.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
	}
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}
