package tcpstack

import "time"

// segLen is RFC-793's SEG.LEN: payload bytes plus one each for SYN and
// FIN, since both occupy a position in sequence space.
func segLen(seg Segment) uint32 {
	n := uint32(len(seg.Payload))
	if seg.Flags.Has(FlagSYN) {
		n++
	}
	if seg.Flags.Has(FlagFIN) {
		n++
	}
	return n
}

// segmentArrives is tcp_event_segment_arrives, generalized from the
// reference implementation's CLOSED/SYN_SENT-only switch (spec.md §4.9)
// to the full eleven-state machine.
func (s *Stack) segmentArrives(c *cb, seg Segment) {
	switch c.state {
	case StateClosed:
		s.arriveClosed(c, seg)
	case StateListen:
		s.arriveListen(c, seg)
	case StateSynSent:
		s.arriveSynSent(c, seg)
	default:
		s.arriveSynchronized(c, seg)
	}
}

// arriveClosed implements the original's "no connection here" reset
// response: <SEQ=SEG.ACK><CTL=RST> if ACK is set, else
// <SEQ=0><ACK=SEG.SEQ+SEG.LEN><CTL=RST,ACK>.
func (s *Stack) arriveClosed(c *cb, seg Segment) {
	if seg.Flags.Has(FlagRST) {
		return
	}
	if seg.Flags.Has(FlagACK) {
		s.tx(c, seg.Ack, 0, FlagRST, nil)
	} else {
		s.tx(c, 0, seg.Seq+segLen(seg), FlagRST|FlagACK, nil)
	}
	c.reset()
}

func (s *Stack) arriveListen(c *cb, seg Segment) {
	if seg.Flags.Has(FlagRST) {
		c.reset()
		return
	}
	if seg.Flags.Has(FlagACK) {
		s.tx(c, seg.Ack, 0, FlagRST, nil)
		c.reset()
		return
	}
	if !seg.Flags.Has(FlagSYN) {
		c.reset()
		return
	}

	c.irs = seg.Seq
	c.rcv.nxt = seg.Seq + 1
	c.iss = s.rng.Uint32()
	c.snd.una = c.iss
	c.snd.nxt = c.iss + 1
	c.state = StateSynRcvd
	c.timeout = time.Now().Add(UserTimeout)
	c.syncRcvWnd()
	s.tx(c, c.iss, c.rcv.nxt, FlagSYN|FlagACK, nil)
	c.cond.Broadcast()
}

func (s *Stack) arriveSynSent(c *cb, seg Segment) {
	ackAcceptable := false
	if seg.Flags.Has(FlagACK) {
		if !seqInRange(c.iss+1, seg.Ack, c.snd.nxt+1) {
			if !seg.Flags.Has(FlagRST) {
				s.tx(c, seg.Ack, 0, FlagRST, nil)
			}
			return
		}
		ackAcceptable = true
	}

	if seg.Flags.Has(FlagRST) {
		if ackAcceptable {
			s.abort(c, ErrConnectionReset, true)
		}
		return
	}

	if !seg.Flags.Has(FlagSYN) {
		return
	}

	c.irs = seg.Seq
	c.rcv.nxt = seg.Seq + 1
	if ackAcceptable {
		c.snd.una = seg.Ack
	}
	if seqLT(c.iss, c.snd.una) {
		c.state = StateEstablished
		c.timeout = time.Time{}
		c.syncRcvWnd()
		s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
	} else {
		c.state = StateSynRcvd
		c.syncRcvWnd()
		s.tx(c, c.iss, c.rcv.nxt, FlagSYN|FlagACK, nil)
	}
	c.cond.Broadcast()
}

// arriveSynchronized implements the 8-step pipeline of RFC 793 §3.9 for
// every state past the initial handshake: SYN_RCVD, ESTABLISHED,
// FIN_WAIT1/2, CLOSING, CLOSE_WAIT, LAST_ACK, TIME_WAIT.
func (s *Stack) arriveSynchronized(c *cb, seg Segment) {
	// Step 1: sequence number acceptability.
	if !s.acceptable(c, seg) {
		if !seg.Flags.Has(FlagRST) {
			s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
		}
		return
	}

	// Step 2: RST bit — abort the connection.
	if seg.Flags.Has(FlagRST) {
		if c.state == StateSynRcvd && c.parent != -1 {
			// Passively opened: return the listener to waiting.
			c.reset()
			return
		}
		s.abort(c, ErrConnectionReset, true)
		return
	}

	// Step 4: SYN bit received in-window is always an error once
	// synchronized.
	if seg.Flags.Has(FlagSYN) {
		s.tx(c, c.snd.nxt, 0, FlagRST, nil)
		s.abort(c, ErrConnectionReset, false)
		return
	}

	// Step 5: ACK bit.
	if !seg.Flags.Has(FlagACK) {
		return
	}
	if !s.processAck(c, seg) {
		return
	}

	// Step 6: URG bit (minimal support — advance the urgent marker only).
	if seg.Flags.Has(FlagURG) {
		up := seg.Seq + uint32(seg.Urgent)
		if up > uint32(c.rcv.up) {
			c.rcv.up = uint16(up)
		}
	}

	// Step 7: segment text.
	s.processText(c, seg)

	// Step 8: FIN bit.
	if seg.Flags.Has(FlagFIN) {
		s.processFin(c, seg)
	}
}

// acceptable implements RFC 793's sequence-acceptability test.
func (s *Stack) acceptable(c *cb, seg Segment) bool {
	l := segLen(seg)
	if l == 0 {
		if c.rcv.wnd == 0 {
			return seg.Seq == c.rcv.nxt
		}
		return seqInRange(c.rcv.nxt, seg.Seq, c.rcv.nxt+uint32(c.rcv.wnd))
	}
	if c.rcv.wnd == 0 {
		return false
	}
	hi := c.rcv.nxt + uint32(c.rcv.wnd)
	return seqInRange(c.rcv.nxt, seg.Seq, hi) || seqInRange(c.rcv.nxt, seg.Seq+l-1, hi)
}

// processAck applies step 5 of the synchronized pipeline and returns
// whether processing should continue to steps 6-8.
func (s *Stack) processAck(c *cb, seg Segment) bool {
	switch c.state {
	case StateSynRcvd:
		if !seqInRange(c.snd.una-1, seg.Ack, c.snd.nxt+1) {
			s.tx(c, seg.Ack, 0, FlagRST, nil)
			return false
		}
		c.state = StateEstablished
		c.timeout = time.Time{}
		c.snd.una = seg.Ack
		if c.parent != -1 {
			parent := s.table[c.parent]
			if parent.state == StateListen {
				parent.backlog.Push(s.indexOf(c))
				parent.cond.Broadcast()
			}
		}
		c.cond.Broadcast()
		return true
	}

	if seqLT(c.snd.nxt, seg.Ack) {
		// Acks something never sent: ack what we actually have and drop.
		s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
		return false
	}
	advanced := false
	if seqLT(c.snd.una, seg.Ack) {
		c.snd.una = seg.Ack
		advanced = true
		if seqLT(c.snd.wl1, seg.Seq) || (c.snd.wl1 == seg.Seq && seqLE(c.snd.wl2, seg.Ack)) {
			c.snd.wnd = seg.Window
			c.snd.wl1 = seg.Seq
			c.snd.wl2 = seg.Ack
		}
	}

	// Progress on any of these states refreshes the user timeout — an ACK
	// that actually advances the connection proves the peer is still
	// there (spec.md §4.9 step 5).
	if advanced {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
			c.timeout = time.Now().Add(UserTimeout)
		}
	}

	switch c.state {
	case StateFinWait1:
		if c.snd.una == c.snd.nxt {
			c.state = StateFinWait2
			c.cond.Broadcast()
		}
	case StateClosing:
		if c.snd.una == c.snd.nxt {
			c.state = StateTimeWait
			c.timeout = time.Now().Add(TimeWaitPeriod)
			c.cond.Broadcast()
		}
	case StateLastAck:
		if c.snd.una == c.snd.nxt {
			c.cond.Broadcast()
			c.reset()
			return false
		}
	case StateTimeWait:
		c.timeout = time.Now().Add(TimeWaitPeriod)
	}
	return true
}

// processText copies in-order payload bytes into the receive window and
// ACKs what was accepted, per spec.md §4.9 step 7.
func (s *Stack) processText(c *cb, seg Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}
	if seg.Seq != c.rcv.nxt {
		// Out-of-order: no reassembly queue (non-goal); ask for rcv.nxt again.
		s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
		return
	}
	room := windowSize - c.windowLen
	n := len(seg.Payload)
	if n > room {
		n = room
	}
	copy(c.window[c.windowLen:c.windowLen+n], seg.Payload[:n])
	c.windowLen += n
	c.rcv.nxt += uint32(n)
	c.syncRcvWnd()
	c.cond.Broadcast()
	s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
}

// processFin implements spec.md §4.9 step 8. A FIN arriving in
// CLOSE_WAIT, CLOSING or LAST_ACK is only re-acknowledged; the
// CLOSE_WAIT → LAST_ACK transition happens in closeLocked when the
// application closes its side.
func (s *Stack) processFin(c *cb, seg Segment) {
	switch c.state {
	case StateCloseWait, StateClosing, StateLastAck:
		// FIN retransmission: just re-ack, no state change.
		s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
		return
	case StateTimeWait:
		c.timeout = time.Now().Add(TimeWaitPeriod)
		s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)
		return
	}

	c.rcv.nxt = seg.Seq + 1
	s.tx(c, c.snd.nxt, c.rcv.nxt, FlagACK, nil)

	switch c.state {
	case StateSynRcvd, StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		if c.snd.una == c.snd.nxt {
			c.state = StateTimeWait
			c.timeout = time.Now().Add(TimeWaitPeriod)
		} else {
			c.state = StateClosing
		}
	case StateFinWait2:
		c.state = StateTimeWait
		c.timeout = time.Now().Add(TimeWaitPeriod)
	}
	c.cond.Broadcast()
}

// abort tears a connection down immediately, recording why and waking
// any blocked caller, then frees the control block. rstReceived marks
// whether the abort was triggered by an inbound RST (tx already counts
// any RST this stack itself sends).
func (s *Stack) abort(c *cb, err error, rstReceived bool) {
	if rstReceived {
		c.stat.ResetsReceived++
		metricResetsTotal.WithLabelValues("in").Inc()
	}
	c.cond.Broadcast()
	c.reset()
	// Set after reset, which clears lastErr, so the woken waiters see it.
	c.lastErr = err
}
