// Package arp implements a minimal in-memory ARP resolver: enough of the
// original's arp_resolve contract (FOUND/QUERY/ERROR) to run the TCP/IP
// stack end-to-end without a full link-layer ARP implementation, which is
// explicitly out of scope for the core (spec.md §1).
package arp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
)

const queryRetryInterval = time.Second

// pending is one outstanding resolution: the frame(s) waiting to be sent
// once a reply arrives.
type pending struct {
	deferred [][]byte
	lastSent time.Time
}

// Resolver caches IPv4-to-hardware-address mappings observed from ARP
// traffic and implements ipv4.Resolver.
type Resolver struct {
	log *slog.Logger
	dev *device.Device

	mu      sync.Mutex
	cache   map[ipaddr.Addr]device.HardwareAddr
	waiting map[ipaddr.Addr]*pending
}

// New binds a Resolver to dev, registering its receive handler for
// EtherTypeARP frames.
func New(dev *device.Device, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		log:     log,
		dev:     dev,
		cache:   make(map[ipaddr.Addr]device.HardwareAddr),
		waiting: make(map[ipaddr.Addr]*pending),
	}
	dev.RegisterProtocol(device.EtherTypeARP, r.handleFrame)
	return r
}

// Resolve implements ipv4.Resolver.
func (r *Resolver) Resolve(iface *ipv4.Interface, target ipaddr.Addr, deferred []byte, etherType device.EtherType, dst ipaddr.Addr) (ipv4.ResolveResult, device.HardwareAddr, error) {
	r.mu.Lock()
	if ha, ok := r.cache[target]; ok {
		r.mu.Unlock()
		return ipv4.ResolveFound, ha, nil
	}
	p, ok := r.waiting[target]
	if !ok {
		p = &pending{}
		r.waiting[target] = p
	}
	if deferred != nil {
		p.deferred = append(p.deferred, deferred)
	}
	shouldSend := !ok || time.Since(p.lastSent) > queryRetryInterval
	if shouldSend {
		p.lastSent = time.Now()
	}
	r.mu.Unlock()

	if shouldSend {
		if err := r.sendRequest(iface, target); err != nil {
			return ipv4.ResolveError, nil, fmt.Errorf("arp: resolve: %w", err)
		}
	}
	return ipv4.ResolveQuery, nil, nil
}

// Seed installs a static mapping, used by tests. Mappings learned from
// received ARP frames are stored by handleFrame directly.
func (r *Resolver) Seed(addr ipaddr.Addr, ha device.HardwareAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[addr] = append(device.HardwareAddr{}, ha...)
}

func (r *Resolver) sendRequest(iface *ipv4.Interface, target ipaddr.Addr) error {
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   iface.Device.Addr(),
		SourceProtAddress: iface.Unicast[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := req.SerializeTo(buf, opts); err != nil {
		return fmt.Errorf("serialize arp request: %w", err)
	}
	return iface.Device.TX(device.EtherTypeARP, buf.Bytes(), iface.Device.BroadcastAddr())
}

// handleFrame decodes an ARP frame, learns the sender's mapping, and
// flushes any frames deferred for that sender. It does not answer ARP
// requests.
func (r *Resolver) handleFrame(et device.EtherType, payload []byte) {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeARP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arpLayer, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		return
	}

	var senderAddr ipaddr.Addr
	copy(senderAddr[:], arpLayer.SourceProtAddress)
	senderHW := device.HardwareAddr(append([]byte{}, arpLayer.SourceHwAddress...))

	r.mu.Lock()
	r.cache[senderAddr] = senderHW
	p, waiting := r.waiting[senderAddr]
	if waiting {
		delete(r.waiting, senderAddr)
	}
	r.mu.Unlock()

	if waiting {
		for _, frame := range p.deferred {
			if err := r.dev.TX(device.EtherTypeIPv4, frame, senderHW); err != nil {
				r.log.Debug("arp: failed to flush deferred frame", "err", err)
			}
		}
	}

	if arpLayer.Operation != uint16(layers.ARPRequest) {
		return
	}
	// Replying to requests is left to a Responder wired by the caller if
	// needed; observing senders (above) is sufficient for the core
	// stack to resolve peers it initiates connections to or accepts
	// connections from.
}

// RunGC periodically drops stale pending entries whose deferred frames
// were never claimed, bounding memory for unreachable peers.
func (r *Resolver) RunGC(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			now := time.Now()
			for addr, p := range r.waiting {
				if now.Sub(p.lastSent) > maxAge {
					delete(r.waiting, addr)
				}
			}
			r.mu.Unlock()
		}
	}
}
