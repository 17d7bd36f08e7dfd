package tcpstack

import (
	"context"
	"time"
)

// RunTimer drives the 100ms periodic sweep described in spec.md §4.11:
// the reference implementation's timer thread creation is commented out
// (tcp_init never starts it), so user-timeout enforcement and TIME_WAIT
// expiry are completion work built from the surrounding prose rather
// than a translation.
func (s *Stack) RunTimer(ctx context.Context) {
	ticker := time.NewTicker(TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick scans every in-use control block once, force-closing connections
// whose user timeout has elapsed and retiring TIME_WAIT entries whose
// 2*MSL quiet period has passed. Per spec.md §4.11 the force-close rule
// applies to any state with unacknowledged data (snd.una != snd.nxt), not
// a fixed list of states — a connection sitting in ESTABLISHED or
// CLOSE_WAIT with data outstanding is just as subject to USER_TIMEOUT as
// one mid-handshake or mid-teardown.
func (s *Stack) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := 0
	for _, c := range s.table {
		if c.free() {
			continue
		}
		open++
		if c.timeout.IsZero() || now.Before(c.timeout) {
			continue
		}

		if c.state == StateTimeWait {
			c.cond.Broadcast()
			c.reset()
			open--
			continue
		}
		if c.snd.una != c.snd.nxt {
			c.stat.RetransTimeouts++
			metricRetransTimeouts.Inc()
			s.abort(c, ErrConnectionClosing, false)
			open--
		}
	}
	metricConnectionsOpen.Set(float64(open))
}
