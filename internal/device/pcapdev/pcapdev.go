//go:build linux

// Package pcapdev implements device.Driver against a live host interface
// via libpcap, for running the echo application against a real NIC
// without a TAP device — grounded on the live-capture
// pcap.OpenLive/gopacket.NewPacketSource pattern used for ICMP capture in
// the example corpus's kcp-go session code, and on the netcap repos'
// (DynamEq6388-netcap, Gh0st0ne-netcap) use of github.com/google/gopacket
// for Ethernet frame decode plus internal/pim's DecodeFunc-based custom
// layer demux for non-standard EtherTypes.
package pcapdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/malbeclabs/netstack/internal/device"
)

const (
	defaultMTU  = 1500
	snaplen     = 65536
	etherHdrLen = 14
)

// Config configures a pcap-backed driver instance.
type Config struct {
	// Iface is the host network interface name (e.g. "eth0").
	Iface string
	MTU   int
	// Promisc enables promiscuous-mode capture, needed to see frames
	// addressed to MAC addresses other than the host's own.
	Promisc bool
}

// Driver is a device.Driver backed by a live pcap capture on a host
// interface, used for the echo application's host-side testing against a
// real NIC instead of a TAP device.
type Driver struct {
	cfg  Config
	addr device.HardwareAddr

	mu     sync.Mutex
	handle *pcap.Handle
}

// New allocates (but does not open) a pcap driver for the given host
// interface.
func New(cfg Config) *Driver {
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	return &Driver{cfg: cfg}
}

// Open resolves the interface's hardware address and opens a live pcap
// capture handle on it, filtered to the Ethernet types this stack
// understands.
func (d *Driver) Open(ctx context.Context) error {
	iface, err := net.InterfaceByName(d.cfg.Iface)
	if err != nil {
		return fmt.Errorf("pcapdev: lookup interface %s: %w", d.cfg.Iface, err)
	}

	handle, err := pcap.OpenLive(d.cfg.Iface, snaplen, d.cfg.Promisc, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("pcapdev: open live capture on %s: %w", d.cfg.Iface, err)
	}
	if err := handle.SetBPFFilter("arp or ip"); err != nil {
		handle.Close()
		return fmt.Errorf("pcapdev: set bpf filter: %w", err)
	}

	d.mu.Lock()
	d.handle = handle
	d.mu.Unlock()
	d.addr = device.HardwareAddr(iface.HardwareAddr)
	return nil
}

// Close releases the pcap handle. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Close()
		d.handle = nil
	}
	return nil
}

// Stop unblocks a running Run loop by closing the capture handle, the
// same way Close does — a live pcap handle has no separate
// stop-without-close primitive, unlike the TAP driver's eventfd.
func (d *Driver) Stop() error {
	return d.Close()
}

// Run reads frames from the pcap handle and delivers them to handler
// until ctx is canceled or Stop/Close is called.
func (d *Driver) Run(ctx context.Context, handler device.RawHandler) error {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("pcapdev: not open")
	}

	go func() {
		<-ctx.Done()
		_ = d.Stop()
	}()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for packet := range packetSource.Packets() {
		eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			continue
		}
		frame := make([]byte, len(eth.Contents)+len(eth.Payload))
		copy(frame, eth.Contents)
		copy(frame[len(eth.Contents):], eth.Payload)
		handler(frame)
	}
	if ctx.Err() != nil {
		return nil
	}
	return nil
}

// TX writes a single Ethernet frame to the interface.
func (d *Driver) TX(etherType device.EtherType, frame []byte, dst device.HardwareAddr) error {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("pcapdev: not open")
	}

	// Built by hand, the same way tap.Driver.TX assembles its frame: a
	// 14-byte Ethernet header (dst, src, ethertype) followed by the
	// payload.
	pkt := make([]byte, etherHdrLen+len(frame))
	copy(pkt[0:6], dst)
	copy(pkt[6:12], d.addr)
	binary.BigEndian.PutUint16(pkt[12:14], uint16(etherType))
	copy(pkt[14:], frame)

	if err := handle.WritePacketData(pkt); err != nil {
		return fmt.Errorf("pcapdev: write: %w", err)
	}
	return nil
}

// Addr returns the host interface's hardware address.
func (d *Driver) Addr() device.HardwareAddr { return d.addr }

// MTU returns the configured MTU.
func (d *Driver) MTU() int { return d.cfg.MTU }

// BroadcastAddr returns the Ethernet broadcast address.
func (d *Driver) BroadcastAddr() device.HardwareAddr {
	return device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}
