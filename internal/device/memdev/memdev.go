// Package memdev implements device.Driver over in-process channels so
// two stacks can be wired together (or a single stack driven end-to-end)
// without a real TAP device — the harness tests run against.
package memdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/malbeclabs/netstack/internal/device"
)

// Link is a point-to-point pair of Drivers sharing two frame channels,
// the in-memory analogue of a cable between two Ethernet interfaces.
type Link struct {
	a, b *Driver
}

// NewLink constructs two Drivers wired to each other.
func NewLink(addrA, addrB device.HardwareAddr, mtu int) *Link {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &Driver{addr: addrA, mtu: mtu, tx: ab, rx: ba}
	b := &Driver{addr: addrB, mtu: mtu, tx: ba, rx: ab}
	return &Link{a: a, b: b}
}

// A returns one end of the link.
func (l *Link) A() *Driver { return l.a }

// B returns the other end of the link.
func (l *Link) B() *Driver { return l.b }

// Driver is one end of an in-memory Ethernet link.
type Driver struct {
	addr device.HardwareAddr
	mtu  int

	tx chan<- []byte
	rx <-chan []byte

	mu     sync.Mutex
	closed bool
	stopC  chan struct{}
}

// Open marks the driver ready to run.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopC = make(chan struct{})
	d.closed = false
	return nil
}

// Close marks the driver closed. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Stop unblocks a running Run loop.
func (d *Driver) Stop() error {
	d.mu.Lock()
	stopC := d.stopC
	d.mu.Unlock()
	if stopC != nil {
		select {
		case <-stopC:
		default:
			close(stopC)
		}
	}
	return nil
}

// Run delivers frames arriving on the link to handler until ctx is done
// or Stop is called.
func (d *Driver) Run(ctx context.Context, handler device.RawHandler) error {
	d.mu.Lock()
	stopC := d.stopC
	d.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopC:
			return nil
		case frame := <-d.rx:
			handler(frame)
		}
	}
}

// TX frames an Ethernet header around frame and pushes it onto the link.
func (d *Driver) TX(etherType device.EtherType, frame []byte, dst device.HardwareAddr) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("memdev: %w", device.ErrClosed)
	}
	pkt := make([]byte, 14+len(frame))
	copy(pkt[0:6], dst)
	copy(pkt[6:12], d.addr)
	pkt[12] = byte(etherType >> 8)
	pkt[13] = byte(etherType)
	copy(pkt[14:], frame)
	select {
	case d.tx <- pkt:
	default:
	}
	return nil
}

// Addr returns the driver's synthetic hardware address.
func (d *Driver) Addr() device.HardwareAddr { return d.addr }

// MTU returns the configured MTU.
func (d *Driver) MTU() int { return d.mtu }

// BroadcastAddr returns the Ethernet broadcast address.
func (d *Driver) BroadcastAddr() device.HardwareAddr {
	return device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}
