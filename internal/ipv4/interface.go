package ipv4

import (
	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/ipaddr"
)

// Interface binds an IPv4 address configuration to a link-layer device —
// the Go equivalent of the original's struct netif_ip.
type Interface struct {
	Unicast   ipaddr.Addr
	Netmask   ipaddr.Addr
	Network   ipaddr.Addr
	Broadcast ipaddr.Addr
	Gateway   ipaddr.Addr
	Device    *device.Device
}

// NewInterface derives Network/Broadcast from unicast+netmask and binds
// dev.
func NewInterface(unicast, netmask, gateway ipaddr.Addr, dev *device.Device) Interface {
	network := ipaddr.FromUint32(unicast.Uint32() & netmask.Uint32())
	broadcast := ipaddr.FromUint32(network.Uint32() | ^netmask.Uint32())
	return Interface{
		Unicast:   unicast,
		Netmask:   netmask,
		Network:   network,
		Broadcast: broadcast,
		Gateway:   gateway,
		Device:    dev,
	}
}

// OwnsDestination reports whether dst is this interface's unicast
// address, its subnet broadcast, or the limited broadcast address —
// the three destinations ipv4 receive accepts (see Stack.receive).
func (iface Interface) OwnsDestination(dst ipaddr.Addr) bool {
	return dst == iface.Unicast || dst == iface.Broadcast || dst.IsBroadcast()
}
