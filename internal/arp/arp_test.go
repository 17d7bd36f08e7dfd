package arp_test

import (
	"context"
	"testing"

	"github.com/malbeclabs/netstack/internal/arp"
	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/device/memdev"
	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
)

func TestResolveFoundAfterSeed(t *testing.T) {
	link := memdev.NewLink(
		device.HardwareAddr{0, 0, 0, 0, 0, 1},
		device.HardwareAddr{0, 0, 0, 0, 0, 2},
		1500,
	)
	dev := device.New(link.A(), nil)
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := arp.New(dev, nil)

	target := ipaddr.Addr{192, 168, 33, 1}
	ha := device.HardwareAddr{1, 2, 3, 4, 5, 6}
	r.Seed(target, ha)

	iface := &ipv4.Interface{Unicast: ipaddr.Addr{192, 168, 33, 13}, Device: dev}
	result, got, err := r.Resolve(iface, target, nil, device.EtherTypeIPv4, target)
	if err != nil {
		t.Fatal(err)
	}
	if result != ipv4.ResolveFound {
		t.Fatalf("result = %v, want ResolveFound", result)
	}
	if string(got) != string(ha) {
		t.Fatalf("got hw addr %v, want %v", got, ha)
	}
}

func TestResolveQueryWhenUnknown(t *testing.T) {
	link := memdev.NewLink(
		device.HardwareAddr{0, 0, 0, 0, 0, 1},
		device.HardwareAddr{0, 0, 0, 0, 0, 2},
		1500,
	)
	dev := device.New(link.A(), nil)
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := arp.New(dev, nil)

	iface := &ipv4.Interface{Unicast: ipaddr.Addr{192, 168, 33, 13}, Device: dev}
	result, _, err := r.Resolve(iface, ipaddr.Addr{192, 168, 33, 99}, []byte("deferred"), device.EtherTypeIPv4, ipaddr.Addr{192, 168, 33, 99})
	if err != nil {
		t.Fatal(err)
	}
	if result != ipv4.ResolveQuery {
		t.Fatalf("result = %v, want ResolveQuery", result)
	}
}
