// Package device implements the driver abstraction consumed by the IP
// layer: a capability interface {Open, Close, Run, Stop, TX} plus a
// per-device upcall registry keyed by Ethernet type. Concrete drivers
// (Linux TAP, raw packet socket) live in subpackages; this package holds
// only the contract and the registry both sides depend on.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EtherType identifies the L3 protocol carried in an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// HardwareAddr is a link-layer address (6 bytes for Ethernet).
type HardwareAddr []byte

// ErrClosed is returned by operations attempted on a stopped device.
var ErrClosed = errors.New("device: closed")

// Driver is the capability interface a concrete network device
// implements. Receive is not part of the interface: a driver delivers
// whole Ethernet frames by invoking the RawHandler passed to Run via its
// own goroutine, mirroring the original's netdev_ops{open,close,run,stop,
// tx} plus a free-standing rx_handler callback. Ethernet demux (EtherType
// + payload split) is done once, in Device.Run, using gopacket rather
// than in every driver.
type Driver interface {
	// Open prepares the device for use (allocates fds, clones TUN/TAP).
	Open(ctx context.Context) error
	// Close releases device resources. Idempotent.
	Close() error
	// Run starts delivering received frames to handler until ctx is
	// canceled or Stop is called. Run blocks; callers run it in its own
	// goroutine.
	Run(ctx context.Context, handler RawHandler) error
	// Stop unblocks a Run loop without closing the device.
	Stop() error
	// TX transmits a single frame of the given EtherType to dst.
	TX(etherType EtherType, frame []byte, dst HardwareAddr) error
	// Addr returns the device's own hardware address.
	Addr() HardwareAddr
	// MTU returns the device's maximum transmission unit for L3 payload.
	MTU() int
	// BroadcastAddr returns the hardware broadcast address to use for
	// IPv4 broadcast destinations (so IP TX can skip ARP resolution).
	BroadcastAddr() HardwareAddr
}

// RawHandler processes one received, whole Ethernet frame.
type RawHandler func(frame []byte)

// Handler processes one received frame's L3 payload, already demuxed by
// EtherType.
type Handler func(etherType EtherType, payload []byte)

// Stats counts frames handled by a Device, exposed for the metrics layer.
type Stats struct {
	RXFrames uint64
	TXFrames uint64
	RXDrops  uint64
}

// Device wraps a Driver with a protocol registry so that a single Run
// loop can fan out received frames to whichever upper layer registered
// for that EtherType — the Go equivalent of the original's per-netdev
// rx_handler plus the global protocol dispatch it call into.
type Device struct {
	log    *slog.Logger
	driver Driver

	mu        sync.Mutex
	protocols map[EtherType]Handler
	stats     Stats
}

// New wraps driver with a protocol-dispatching Device. A nil logger falls
// back to slog.Default().
func New(driver Driver, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		driver:    driver,
		log:       log,
		protocols: make(map[EtherType]Handler),
	}
}

// RegisterProtocol installs handler for the given EtherType, replacing
// any previous registration — the Go equivalent of the original's
// add_protocol list insertion (here keyed by Ethernet type rather than IP
// protocol number; see ipv4.Stack for the IP protocol registry).
func (d *Device) RegisterProtocol(et EtherType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocols[et] = handler
}

// Open opens the underlying driver.
func (d *Device) Open(ctx context.Context) error {
	return d.driver.Open(ctx)
}

// Close closes the underlying driver.
func (d *Device) Close() error {
	return d.driver.Close()
}

// Stop unblocks a running Run loop.
func (d *Device) Stop() error {
	return d.driver.Stop()
}

// Addr returns the device's hardware address.
func (d *Device) Addr() HardwareAddr { return d.driver.Addr() }

// MTU returns the device's MTU.
func (d *Device) MTU() int { return d.driver.MTU() }

// BroadcastAddr returns the device's broadcast hardware address.
func (d *Device) BroadcastAddr() HardwareAddr { return d.driver.BroadcastAddr() }

// TX transmits a frame, counting it in Stats.
func (d *Device) TX(etherType EtherType, frame []byte, dst HardwareAddr) error {
	if err := d.driver.TX(etherType, frame, dst); err != nil {
		return fmt.Errorf("device: tx: %w", err)
	}
	d.mu.Lock()
	d.stats.TXFrames++
	d.mu.Unlock()
	metricFramesTotal.WithLabelValues("out").Inc()
	return nil
}

// Run starts the driver's receive loop, decoding each Ethernet frame with
// gopacket and dispatching its payload to the registered protocol
// handler for its EtherType. It blocks until ctx is canceled.
func (d *Device) Run(ctx context.Context) error {
	return d.driver.Run(ctx, func(frame []byte) {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			d.mu.Lock()
			d.stats.RXDrops++
			d.mu.Unlock()
			metricDropsTotal.Inc()
			return
		}
		etherType := EtherType(eth.EthernetType)

		d.mu.Lock()
		d.stats.RXFrames++
		handler := d.protocols[etherType]
		if handler == nil {
			d.stats.RXDrops++
		}
		d.mu.Unlock()
		metricFramesTotal.WithLabelValues("in").Inc()
		if handler == nil {
			metricDropsTotal.Inc()
			d.log.Debug("device: no protocol handler registered", "ethertype", etherType)
			return
		}
		handler(etherType, eth.Payload)
	})
}

// Stats returns a snapshot of the device's frame counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
